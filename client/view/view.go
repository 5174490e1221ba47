package view

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/rs/zerolog"
)

var (
	ErrNoProblem    = errors.New("no problem is selected")
	ErrNoCode       = errors.New("no code is available for this participant")
	ErrRequest      = errors.New("unable to request code")
	ErrFetch        = errors.New("unable to fetch submissions")
	ErrNoSubmission = errors.New("submission is not listed for the selected problem")
)

const (
	noticeSelectProblem = "Select a problem before viewing another participant's code."
	noticePeerLeft      = "%s has left the room; showing the last code received."
	noticeNoCode        = "This participant has left and no code was received from them."
)

type (
	Store interface {
		View() model.ViewState
		SetView(v model.ViewState) error
		SelectedProblem() (model.SelectedProblem, bool)
		RoomID() int64
		Participant(id int64) (model.Participant, bool)
		AddNotice(level model.NoticeLevel, text string) model.Notice
	}

	CodeSource interface {
		RequestCode(ctx context.Context, targetUserID int64) error
		LastPeerCode(userID int64) (model.CodeChange, string, bool)
	}

	// SubmissionSource lists the successful submissions of a problem and
	// fetches their code.
	SubmissionSource interface {
		Submissions(ctx context.Context, roomID, problemID int64) ([]api.SuccessfulSubmission, error)
		Submission(ctx context.Context, submissionID int64) (api.SubmissionDetail, error)
	}

	Config struct {
		Logger      *zerolog.Logger
		Store       Store
		Code        CodeSource
		Submissions SubmissionSource
		Now         func() time.Time
	}

	// Snapshot describes a static code view. ID defaults to the current wall
	// clock in milliseconds.
	Snapshot struct {
		ID            int64
		Code          string
		Language      string
		OwnerName     string
		ProblemTitle  string
		Memory        int64
		ExecutionTime int64
	}

	// Machine drives the editor view: own code, a peer's live code, or a
	// static snapshot.
	Machine struct {
		logger zerolog.Logger
		store  Store
		code   CodeSource
		subs   SubmissionSource
		now    func() time.Time
	}
)

func NewMachine(cfg Config) *Machine {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		logger: cfg.Logger.With().Str("component", "view").Logger(),
		store:  cfg.Store,
		code:   cfg.Code,
		subs:   cfg.Submissions,
		now:    now,
	}
}

// ViewPeerLive switches to the peer's live buffer and asks the peer for it.
// A problem has to be selected first.
func (m *Machine) ViewPeerLive(ctx context.Context, p model.Participant) error {
	if _, ok := m.store.SelectedProblem(); !ok {
		m.store.AddNotice(model.NoticeInfo, noticeSelectProblem)
		return ErrNoProblem
	}
	if err := m.store.SetView(model.SplitRealtime(p)); err != nil {
		return err
	}
	m.logger.Debug().Int64("userID", p.ID).Msg("viewing peer live")

	if err := m.code.RequestCode(ctx, p.ID); err != nil {
		return errors.Join(ErrRequest, err)
	}
	return nil
}

// ViewPeer views a participant by id. A participant who is no longer online
// is shown from the last code received from them.
func (m *Machine) ViewPeer(ctx context.Context, userID int64) error {
	if p, ok := m.store.Participant(userID); ok && p.IsOnline {
		return m.ViewPeerLive(ctx, p)
	}
	return m.fallback(userID)
}

// PeerLeft moves a live view of userID onto its saved fallback.
func (m *Machine) PeerLeft(userID int64) {
	v := m.store.View()
	if v.Mode != model.ViewSplitRealtime || v.ViewingUser == nil || v.ViewingUser.ID != userID {
		return
	}
	if err := m.fallback(userID); err != nil {
		m.ResetToMine()
	}
}

func (m *Machine) fallback(userID int64) error {
	change, language, ok := m.code.LastPeerCode(userID)
	if !ok {
		m.store.AddNotice(model.NoticeInfo, noticeNoCode)
		return ErrNoCode
	}

	var owner, title string
	if p, ok := m.store.Participant(userID); ok {
		owner = p.Nickname
	}
	if sel, ok := m.store.SelectedProblem(); ok && sel.ProblemID == change.ProblemID {
		title = sel.Title
	}
	if owner != "" {
		m.store.AddNotice(model.NoticeInfo, fmt.Sprintf(noticePeerLeft, owner))
	}
	return m.ViewSnapshot(Snapshot{
		Code:         change.Code,
		Language:     language,
		OwnerName:    owner,
		ProblemTitle: title,
	})
}

// ViewSnapshot shows a static submission. A new snapshot replaces the old one
// wholesale.
func (m *Machine) ViewSnapshot(s Snapshot) error {
	id := s.ID
	if id == 0 {
		id = m.now().UnixMilli()
	}
	return m.store.SetView(model.SplitSaved(model.TargetSubmission{
		ID:            id,
		ProblemTitle:  s.ProblemTitle,
		Username:      s.OwnerName,
		Language:      s.Language,
		Memory:        s.Memory,
		ExecutionTime: s.ExecutionTime,
		Code:          s.Code,
	}))
}

// Submissions lists the successful submissions of the selected problem.
func (m *Machine) Submissions(ctx context.Context) ([]api.SuccessfulSubmission, error) {
	sel, ok := m.store.SelectedProblem()
	if !ok {
		return nil, ErrNoProblem
	}
	if m.subs == nil {
		return nil, ErrFetch
	}
	list, err := m.subs.Submissions(ctx, m.store.RoomID(), sel.ProblemID)
	if err != nil {
		return nil, errors.Join(ErrFetch, err)
	}
	return list, nil
}

// ViewSubmission shows a saved submission of the selected problem.
func (m *Machine) ViewSubmission(ctx context.Context, submissionID int64) error {
	sel, ok := m.store.SelectedProblem()
	if !ok {
		m.store.AddNotice(model.NoticeInfo, noticeSelectProblem)
		return ErrNoProblem
	}
	list, err := m.Submissions(ctx)
	if err != nil {
		return err
	}
	var meta *api.SuccessfulSubmission
	for i := range list {
		if list[i].SubmissionID == submissionID {
			meta = &list[i]
			break
		}
	}
	if meta == nil {
		return ErrNoSubmission
	}

	detail, err := m.subs.Submission(ctx, submissionID)
	if err != nil {
		return errors.Join(ErrFetch, err)
	}
	language := detail.Language
	if language == "" {
		language = meta.Language
	}
	m.logger.Debug().Int64("submissionID", submissionID).Int64("userID", meta.UserID).Msg("viewing submission")

	return m.ViewSnapshot(Snapshot{
		ID:            submissionID,
		Code:          detail.Code,
		Language:      language,
		OwnerName:     meta.Nickname,
		ProblemTitle:  sel.Title,
		Memory:        meta.Memory,
		ExecutionTime: meta.ExecutionTime,
	})
}

// ResetToMine returns to the own-code view. Calling it in ONLY_MINE does
// nothing.
func (m *Machine) ResetToMine() {
	if m.store.View().Mode == model.ViewOnlyMine {
		return
	}
	if err := m.store.SetView(model.OnlyMine()); err != nil {
		m.logger.Error().Err(err).Msg("failed to reset view")
	}
}

// Viewing returns the id of the peer whose live code is shown, if any.
func (m *Machine) Viewing() (int64, bool) {
	v := m.store.View()
	if v.Mode != model.ViewSplitRealtime || v.ViewingUser == nil {
		return 0, false
	}
	return v.ViewingUser.ID, true
}
