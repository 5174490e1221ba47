package codesync

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/storage/sqlite"
	"github.com/rs/zerolog"
)

var (
	ErrNoRoom    = errors.New("room is not set")
	ErrPublish   = errors.New("unable to publish")
	ErrAnnounce  = errors.New("unable to announce problem selection")
	ErrBadFrame  = errors.New("malformed code frame")
	ErrNoProblem = errors.New("problem id is missing")
)

type (
	Publisher interface {
		Publish(ctx context.Context, destination string, body any) error
	}

	Store interface {
		RoomID() int64
		CurrentUserID() int64
		SelectedProblem() (model.SelectedProblem, bool)
		SetSelectedProblem(p *model.SelectedProblem)
		SetRestore(code *string, language string, problemID int64) uint64
	}

	Drafts interface {
		Save(ctx context.Context, draft sqlite.Draft) error
		Load(ctx context.Context, roomID, problemID int64) (sqlite.Draft, error)
	}

	Config struct {
		Logger    *zerolog.Logger
		Publisher Publisher
		Store     Store
		// Drafts is optional.
		Drafts Drafts
		// OnPeerCode is called after a peer's code or language changed.
		OnPeerCode func(userID int64)
	}

	peerCode struct {
		change   model.CodeChange
		language string
		hasCode  bool
	}

	// Protocol keeps the local latest-code cells and answers pull requests
	// from peers. Local edits are never streamed unprompted.
	Protocol struct {
		logger     zerolog.Logger
		pub        Publisher
		store      Store
		drafts     Drafts
		onPeerCode func(int64)

		mx       *sync.Mutex
		cells    map[int64]string
		language string
		peers    map[int64]peerCode
	}
)

func NewProtocol(cfg Config) *Protocol {
	return &Protocol{
		logger:     cfg.Logger.With().Str("component", "codesync").Logger(),
		pub:        cfg.Publisher,
		store:      cfg.Store,
		drafts:     cfg.Drafts,
		onPeerCode: cfg.OnPeerCode,
		mx:         &sync.Mutex{},
		cells:      make(map[int64]string),
		peers:      make(map[int64]peerCode),
	}
}

func (p *Protocol) activeProblem() int64 {
	if sel, ok := p.store.SelectedProblem(); ok {
		return sel.ProblemID
	}
	return 0
}

// RecordLocal stores the local buffer as the latest code of the active
// problem.
func (p *Protocol) RecordLocal(ctx context.Context, code string) {
	pid := p.activeProblem()

	p.mx.Lock()
	p.cells[pid] = code
	language := p.language
	p.mx.Unlock()

	p.saveDraft(ctx, pid, code, language)
}

func (p *Protocol) SetLanguage(ctx context.Context, language string) {
	pid := p.activeProblem()

	p.mx.Lock()
	p.language = language
	code := p.cells[pid]
	p.mx.Unlock()

	p.saveDraft(ctx, pid, code, language)
}

func (p *Protocol) saveDraft(ctx context.Context, problemID int64, code, language string) {
	if p.drafts == nil || problemID == 0 {
		return
	}
	err := p.drafts.Save(ctx, sqlite.Draft{
		RoomID:    p.store.RoomID(),
		ProblemID: problemID,
		Code:      code,
		Language:  language,
	})
	if err != nil {
		p.logger.Error().Err(err).Int64("problemID", problemID).Msg("failed to save draft")
	}
}

func (p *Protocol) LatestCode(problemID int64) (string, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	code, ok := p.cells[problemID]
	return code, ok
}

func (p *Protocol) Language() string {
	p.mx.Lock()
	defer p.mx.Unlock()
	return p.language
}

// RequestCode asks targetUserID to publish its current buffer.
func (p *Protocol) RequestCode(ctx context.Context, targetUserID int64) error {
	roomID := p.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}
	err := p.pub.Publish(ctx, model.DestRequestCode, model.RequestCode{
		RoomID:       roomID,
		TargetUserID: targetUserID,
		RequesterID:  p.store.CurrentUserID(),
	})
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	p.logger.Debug().Int64("targetUserID", targetUserID).Msg("code requested")
	return nil
}

// HandleRequestCode answers a pull request addressed to this client with one
// code-change and one language-change. Requests for other users are ignored.
func (p *Protocol) HandleRequestCode(ctx context.Context, frame model.Frame) error {
	req, err := model.DecodeRequestCode(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if req.TargetUserID != p.store.CurrentUserID() {
		return nil
	}
	p.logger.Debug().Int64("requesterID", req.RequesterID).Msg("answering code request")
	return p.publishLatest(ctx, p.activeProblem())
}

func (p *Protocol) publishLatest(ctx context.Context, problemID int64) error {
	p.mx.Lock()
	code := p.cells[problemID]
	language := p.language
	p.mx.Unlock()

	roomID, me := p.store.RoomID(), p.store.CurrentUserID()
	err := p.pub.Publish(ctx, model.DestCodeChange, model.CodeChange{
		RoomID:    roomID,
		UserID:    me,
		ProblemID: problemID,
		Code:      code,
	})
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	err = p.pub.Publish(ctx, model.DestLanguageChange, model.LanguageChange{
		RoomID:    roomID,
		UserID:    me,
		ProblemID: problemID,
		Language:  language,
	})
	if err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

func (p *Protocol) HandleCodeChange(_ context.Context, frame model.Frame) error {
	change, err := model.DecodeCodeChange(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if change.UserID == 0 || change.UserID == p.store.CurrentUserID() {
		return nil
	}

	p.mx.Lock()
	pc := p.peers[change.UserID]
	pc.change = change
	pc.hasCode = true
	p.peers[change.UserID] = pc
	p.mx.Unlock()

	if p.onPeerCode != nil {
		p.onPeerCode(change.UserID)
	}
	return nil
}

func (p *Protocol) HandleLanguageChange(_ context.Context, frame model.Frame) error {
	change, err := model.DecodeLanguageChange(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if change.UserID == 0 || change.UserID == p.store.CurrentUserID() {
		return nil
	}

	p.mx.Lock()
	pc := p.peers[change.UserID]
	pc.language = change.Language
	if pc.change.UserID == 0 {
		pc.change = model.CodeChange{RoomID: change.RoomID, UserID: change.UserID, ProblemID: change.ProblemID}
	}
	p.peers[change.UserID] = pc
	p.mx.Unlock()

	if p.onPeerCode != nil {
		p.onPeerCode(change.UserID)
	}
	return nil
}

// HandleRestore applies a server-driven restore. A null code leaves the
// local cell alone so the editor falls back to its template.
func (p *Protocol) HandleRestore(_ context.Context, frame model.Frame) error {
	r, err := model.DecodeCodeRestore(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}

	pid := r.ProblemID
	if pid == 0 {
		pid = p.activeProblem()
	}
	p.mx.Lock()
	if r.Code != nil {
		p.cells[pid] = *r.Code
	}
	if r.Language != "" {
		p.language = r.Language
	}
	p.mx.Unlock()

	version := p.store.SetRestore(r.Code, r.Language, r.ProblemID)
	p.logger.Debug().
		Uint64("version", version).
		Bool("template", r.Code == nil).
		Msg("code restored")
	return nil
}

// SelectProblem switches the active problem. The outgoing problem's latest
// code is published before the new selection is announced.
func (p *Protocol) SelectProblem(ctx context.Context, next model.SelectedProblem) error {
	if next.ProblemID == 0 {
		return ErrNoProblem
	}
	roomID := p.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}

	if prev, ok := p.store.SelectedProblem(); ok && prev.ProblemID != next.ProblemID {
		if err := p.publishLatest(ctx, prev.ProblemID); err != nil {
			p.logger.Error().Err(err).Int64("problemID", prev.ProblemID).Msg("failed to save outgoing problem")
		}
	}
	p.store.SetSelectedProblem(&next)
	p.loadDraft(ctx, roomID, next.ProblemID)

	err := p.pub.Publish(ctx, model.DestSelectProblem, model.ProblemSelect{
		RoomID:         roomID,
		StudyProblemID: next.StudyProblemID,
		ProblemID:      next.ProblemID,
	})
	if err != nil {
		return errors.Join(ErrAnnounce, err)
	}
	return nil
}

func (p *Protocol) loadDraft(ctx context.Context, roomID, problemID int64) {
	if p.drafts == nil {
		return
	}
	p.mx.Lock()
	_, cached := p.cells[problemID]
	p.mx.Unlock()
	if cached {
		return
	}

	draft, err := p.drafts.Load(ctx, roomID, problemID)
	if err != nil {
		if !errors.Is(err, sqlite.ErrDraftNotFound) {
			p.logger.Error().Err(err).Int64("problemID", problemID).Msg("failed to load draft")
		}
		return
	}
	p.mx.Lock()
	if _, cached = p.cells[problemID]; !cached {
		p.cells[problemID] = draft.Code
		if draft.Language != "" {
			p.language = draft.Language
		}
	}
	p.mx.Unlock()
}

// LastPeerCode returns the last code and language received from userID.
// A peer that only announced its language has no code yet.
func (p *Protocol) LastPeerCode(userID int64) (model.CodeChange, string, bool) {
	p.mx.Lock()
	defer p.mx.Unlock()
	pc, ok := p.peers[userID]
	if !ok || !pc.hasCode {
		return model.CodeChange{}, "", false
	}
	return pc.change, pc.language, true
}

// Forget drops cached peer code, e.g. when leaving the room.
func (p *Protocol) Forget() {
	p.mx.Lock()
	defer p.mx.Unlock()
	p.peers = make(map[int64]peerCode)
	p.cells = make(map[int64]string)
}
