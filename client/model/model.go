package model

import (
	"time"
)

type Participant struct {
	ID             int64  `json:"id"`
	Nickname       string `json:"nickname"`
	ProfileImage   string `json:"profileImage,omitempty"`
	IsOwner        bool   `json:"isOwner"`
	IsMuted        bool   `json:"isMuted"`
	IsVideoOff     bool   `json:"isVideoOff"`
	IsOnline       bool   `json:"isOnline"`
	LastSpeakingAt int64  `json:"lastSpeakingAt,omitempty"` // unix millis, 0 if never heard
}

// ParticipantPatch carries optional field overwrites for UpdateParticipant.
// Nil fields are left untouched.
type ParticipantPatch struct {
	Nickname     *string
	ProfileImage *string
	IsOwner      *bool
	IsMuted      *bool
	IsVideoOff   *bool
	IsOnline     *bool
}

func (p ParticipantPatch) Apply(dst *Participant) bool {
	var changed bool
	setStr := func(field *string, v *string) {
		if v != nil && *field != *v {
			*field = *v
			changed = true
		}
	}
	setBool := func(field *bool, v *bool) {
		if v != nil && *field != *v {
			*field = *v
			changed = true
		}
	}
	setStr(&dst.Nickname, p.Nickname)
	setStr(&dst.ProfileImage, p.ProfileImage)
	setBool(&dst.IsOwner, p.IsOwner)
	setBool(&dst.IsMuted, p.IsMuted)
	setBool(&dst.IsVideoOff, p.IsVideoOff)
	setBool(&dst.IsOnline, p.IsOnline)
	return changed
}

// Bool returns a pointer to v, for building patches.
func Bool(v bool) *bool { return &v }

// String returns a pointer to v, for building patches.
func String(v string) *string { return &v }

type RoomInfo struct {
	RoomID      int64  `json:"roomId"`
	Title       string `json:"title"`
	Description string `json:"description"`
	InviteCode  string `json:"inviteCode"`
}

type Problem struct {
	StudyProblemID int64    `json:"studyProblemId"`
	ProblemID      int64    `json:"problemId"`
	Title          string   `json:"title"`
	ExternalID     string   `json:"externalId,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// SelectedProblem is the problem the local editor is attributed to.
type SelectedProblem struct {
	StudyProblemID int64
	ProblemID      int64
	Title          string
	ExternalID     string
}

type TargetSubmission struct {
	ID            int64  `json:"id"`
	ProblemTitle  string `json:"problemTitle"`
	Username      string `json:"username"`
	Language      string `json:"language"`
	Memory        int64  `json:"memory"`
	ExecutionTime int64  `json:"executionTime"`
	Code          string `json:"code"`
}

type PendingCodeShare struct {
	Code         string `json:"code"`
	Language     string `json:"language"`
	OwnerName    string `json:"ownerName,omitempty"`
	ProblemTitle string `json:"problemTitle,omitempty"`
	ProblemID    int64  `json:"problemId,omitempty"`
	ExternalID   string `json:"externalId,omitempty"`
	IsRealtime   bool   `json:"isRealtime,omitempty"`
}

// Restore is the last server-driven code restore. A nil Code means there is
// no saved code and the default template applies; an empty string is a saved
// empty buffer. Version increases on every restore, including identical ones.
type Restore struct {
	Code      *string
	Language  string
	ProblemID int64
	Version   uint64
}

type LocalMedia struct {
	IsMuted    bool
	IsVideoOff bool
}

type Watchers struct {
	Count   int      `json:"count"`
	Viewers []string `json:"viewers"`
}

type Whiteboard struct {
	Active   bool
	OpenedBy *Participant
	Message  string
}

type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

type Notice struct {
	ID    string      `json:"id"`
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
	At    time.Time   `json:"at"`
}

// Termination reasons. A terminated session is never reconnected.
const (
	TerminatedKicked    = "kicked"
	TerminatedDeleted   = "deleted"
	TerminatedForbidden = "forbidden"
)
