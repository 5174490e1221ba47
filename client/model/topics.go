package model

import "fmt"

// Publish destinations.
const (
	DestEnter          = "/pub/studies/enter"
	DestLeave          = "/pub/studies/leave"
	DestQuit           = "/pub/studies/quit"
	DestKick           = "/pub/studies/kick"
	DestDelegate       = "/pub/studies/delegate"
	DestDelete         = "/pub/studies/delete"
	DestInfoUpdate     = "/pub/studies/info/update"
	DestProblems       = "/pub/studies/problems"
	DestStatus         = "/pub/studies/status"
	DestMuteAll        = "/pub/studies/mute-all"
	DestWhiteboard     = "/pub/studies/whiteboard/message"
	DestChat           = "/pub/chat/message"
	DestRequestCode    = "/pub/studies/ide/request-code"
	DestCodeChange     = "/pub/studies/ide/code-change"
	DestLanguageChange = "/pub/studies/ide/language-change"
	DestSelectProblem  = "/pub/studies/ide/select-problem"
)

func RoomTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d", roomID)
}

func RoomInfoTopic(roomID, userID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/info/%d", roomID, userID)
}

func VideoTokenTopic(roomID, userID int64) string {
	return fmt.Sprintf("/topic/studies/%d/video-token/%d", roomID, userID)
}

func WatchersTopic(roomID, userID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/ide/%d/watchers", roomID, userID)
}

func ErrorTopic(roomID, userID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/error/%d", roomID, userID)
}

func WhiteboardTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/whiteboard", roomID)
}

func ChatTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/chat", roomID)
}

func RequestCodeTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/request-code", roomID)
}

func CodeChangeTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/code-change", roomID)
}

func LanguageChangeTopic(roomID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/language-change", roomID)
}

func CodeRestoreTopic(roomID, userID int64) string {
	return fmt.Sprintf("/topic/studies/rooms/%d/code-restore/%d", roomID, userID)
}

// Room action bodies.
type (
	RoomRef struct {
		StudyID int64 `json:"studyId"`
	}

	TargetAction struct {
		StudyID      int64 `json:"studyId"`
		TargetUserID int64 `json:"targetUserId"`
	}

	InfoUpdate struct {
		StudyID     int64  `json:"studyId"`
		Title       string `json:"title"`
		Description string `json:"description"`
	}

	ProblemAction struct {
		Action    string `json:"action"`
		ProblemID int64  `json:"problemId"`
	}

	StatusUpdate struct {
		StudyID    int64 `json:"studyId"`
		IsMuted    bool  `json:"isMuted"`
		IsVideoOff bool  `json:"isVideoOff"`
	}
)
