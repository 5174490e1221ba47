package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/chat"
	"github.com/adwski/studyroom-sync/client/codesync"
	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/presence"
	"github.com/adwski/studyroom-sync/client/storage/memory"
	_switch "github.com/adwski/studyroom-sync/client/switch"
	"github.com/adwski/studyroom-sync/client/timer"
	"github.com/adwski/studyroom-sync/client/transport"
	"github.com/adwski/studyroom-sync/client/view"
	"github.com/adwski/studyroom-sync/client/whiteboard"
	"github.com/rs/zerolog"
)

const (
	defaultTeardownTimeout = 5 * time.Second
	dateLayout             = "2006-01-02"
)

var (
	ErrJoin       = errors.New("unable to join room")
	ErrTerminated = errors.New("session was terminated")
	ErrNotOwner   = errors.New("only the room owner can do this")
	ErrNotStarted = errors.New("session is not started")
	ErrAction     = errors.New("unable to send room action")
)

type (
	RoomAPI interface {
		Room(ctx context.Context, roomID int64) (api.RoomDetail, error)
		Participants(ctx context.Context, roomID int64) ([]model.Participant, error)
		History(ctx context.Context, roomID int64, page, size int) (api.ChatPage, error)
		Problems(ctx context.Context, roomID int64, date string) ([]model.Problem, error)
		Submissions(ctx context.Context, roomID, problemID int64) ([]api.SuccessfulSubmission, error)
		Submission(ctx context.Context, submissionID int64) (api.SubmissionDetail, error)
	}

	Config struct {
		Logger *zerolog.Logger
		Dialer transport.Dialer
		API    RoomAPI
		// Store defaults to a fresh memory store.
		Store *memory.Store
		// Drafts and Viewport are optional.
		Drafts   codesync.Drafts
		Viewport chat.Viewport

		AfterFunc   timer.AfterFunc
		Now         func() time.Time
		MaxAttempts int

		OnRemoteWhiteboard func(msg model.WhiteboardMessage)
		OnPeerCode         func(userID int64)
	}

	// Service is the session orchestrator: it owns the transport and routes
	// bus traffic into the store and the sync components.
	Service struct {
		logger zerolog.Logger
		api    RoomAPI
		now    func() time.Time

		store     *memory.Store
		router    *_switch.Switch
		transport *transport.Manager
		presence  *presence.Reconciler
		view      *view.Machine
		code      *codesync.Protocol
		wb        *whiteboard.Queue
		chat      *chat.Controller

		mx     *sync.Mutex
		ident  transport.Identity
		last   string // key of the last started identity, kept across teardown
		unsubs []func()
	}
)

func NewService(cfg Config) *Service {
	store := cfg.Store
	if store == nil {
		store = memory.NewStore()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	svc := &Service{
		logger: cfg.Logger.With().Str("component", "service").Logger(),
		api:    cfg.API,
		now:    now,
		store:  store,
		router: _switch.NewSwitch(cfg.Logger),
		mx:     &sync.Mutex{},
	}
	svc.router.OnDrop(func(string) {
		metrics.FramesDropped.WithLabelValues("unrouted").Inc()
	})
	svc.transport = transport.NewManager(transport.Config{
		Logger:      cfg.Logger,
		Dialer:      cfg.Dialer,
		Router:      svc.router,
		AfterFunc:   cfg.AfterFunc,
		MaxAttempts: cfg.MaxAttempts,
		OnState:     svc.onState,
		OnFailure:   svc.onFailure,
	})
	svc.presence = presence.NewReconciler(presence.Config{
		Logger:  cfg.Logger,
		Store:   store,
		Fetcher: cfg.API,
		Now:     now,
	})
	svc.code = codesync.NewProtocol(codesync.Config{
		Logger:     cfg.Logger,
		Publisher:  svc.transport,
		Store:      store,
		Drafts:     cfg.Drafts,
		OnPeerCode: cfg.OnPeerCode,
	})
	svc.view = view.NewMachine(view.Config{
		Logger:      cfg.Logger,
		Store:       store,
		Code:        svc.code,
		Submissions: cfg.API,
		Now:         now,
	})
	svc.wb = whiteboard.NewQueue(whiteboard.Config{
		Logger:    cfg.Logger,
		Publisher: svc.transport,
		Store:     store,
		OnRemote:  cfg.OnRemoteWhiteboard,
	})
	svc.chat = chat.NewController(chat.Config{
		Logger:    cfg.Logger,
		History:   cfg.API,
		Publisher: svc.transport,
		Store:     store,
		Viewport:  cfg.Viewport,
		AfterFunc: cfg.AfterFunc,
	})
	return svc
}

func (svc *Service) Store() *memory.Store { return svc.store }
func (svc *Service) Transport() *transport.Manager { return svc.transport }
func (svc *Service) Presence() *presence.Reconciler { return svc.presence }
func (svc *Service) View() *view.Machine { return svc.view }
func (svc *Service) Code() *codesync.Protocol { return svc.code }
func (svc *Service) Whiteboard() *whiteboard.Queue { return svc.wb }
func (svc *Service) Chat() *chat.Controller { return svc.chat }
func (svc *Service) Snapshot() memory.Snapshot { return svc.store.Snapshot() }

// ApplyPresence feeds a media presence snapshot to the reconciler.
func (svc *Service) ApplyPresence(ctx context.Context, feed []presence.MediaPresence) error {
	return svc.presence.Apply(ctx, feed)
}

// Start joins the room named by id. Starting the active identity again is a
// no-op; an incomplete identity tears the session down. An identity whose
// session was terminated cannot be started again.
func (svc *Service) Start(ctx context.Context, id transport.Identity) error {
	svc.mx.Lock()
	active := svc.ident.Key() == id.Key() && svc.unsubs != nil
	last := svc.last
	svc.mx.Unlock()

	if id.Valid() && last == id.Key() && svc.store.Terminated() != "" {
		return ErrTerminated
	}
	if active {
		return svc.transport.Open(ctx, id)
	}
	if err := svc.teardown(ctx); err != nil {
		return err
	}
	if !id.Valid() {
		return svc.transport.Open(ctx, id)
	}

	logger := svc.logger.With().
		Int64("roomID", id.RoomID).
		Int64("userID", id.UserID).
		Logger()

	svc.store.Reset()
	svc.code.Forget()
	svc.store.SetCurrentUser(id.UserID)
	svc.store.SetRoomInfo(model.RoomInfo{RoomID: id.RoomID})
	svc.store.SetCurrentDate(svc.now().Format(dateLayout))
	svc.wb.SetIdentity(id.Key())

	svc.mx.Lock()
	svc.ident = id
	svc.last = id.Key()
	svc.unsubs = svc.subscribe(id)
	svc.mx.Unlock()

	room, err := svc.api.Room(ctx, id.RoomID)
	if err != nil {
		if errors.Is(err, api.ErrForbidden) {
			svc.terminate(model.TerminatedForbidden, "You are not allowed to join this room.")
			_ = svc.teardown(ctx)
		}
		return errors.Join(ErrJoin, err)
	}
	svc.store.SetRoomInfo(room.Info())
	if err = svc.presence.Refresh(ctx); err != nil {
		logger.Error().Err(err).Msg("initial roster fetch failed")
	}
	svc.loadProblems(ctx)
	if err = svc.chat.LoadInitial(ctx); err != nil {
		logger.Error().Err(err).Msg("initial chat history fetch failed")
	}

	logger.Info().Msg("joining room")
	return svc.transport.Open(ctx, id)
}

// Stop leaves the room and tears the session down.
func (svc *Service) Stop(ctx context.Context) error {
	if svc.transport.Connected() {
		if err := svc.Leave(ctx); err != nil {
			svc.logger.Warn().Err(err).Msg("leave was not delivered")
		}
	}
	return svc.teardown(ctx)
}

func (svc *Service) teardown(ctx context.Context) error {
	svc.mx.Lock()
	unsubs := svc.unsubs
	svc.unsubs = nil
	svc.ident = transport.Identity{}
	svc.mx.Unlock()

	err := svc.transport.Close(ctx)
	for _, unsub := range unsubs {
		unsub()
	}
	svc.chat.Stop()
	svc.wb.ClosePanel()
	svc.store.SetConnected(false)
	return err
}

// teardownAsync is used from bus handlers, which run on the transport
// goroutine that Close waits for.
func (svc *Service) teardownAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTimeout)
		defer cancel()
		if err := svc.teardown(ctx); err != nil {
			svc.logger.Error().Err(err).Msg("teardown failed")
		}
	}()
}

func (svc *Service) subscribe(id transport.Identity) []func() {
	room, user := id.RoomID, id.UserID
	routes := []struct {
		topic   string
		handler _switch.Handler
	}{
		{model.RoomTopic(room), svc.handleRoomEvent},
		{model.RoomInfoTopic(room, user), svc.handleRoomEvent},
		{model.VideoTokenTopic(room, user), svc.handleRoomEvent},
		{model.WatchersTopic(room, user), svc.handleWatchers},
		{model.ErrorTopic(room, user), svc.handleError},
		{model.WhiteboardTopic(room), svc.wb.Handle},
		{model.ChatTopic(room), svc.chat.HandleLive},
		{model.RequestCodeTopic(room), svc.code.HandleRequestCode},
		{model.CodeChangeTopic(room), svc.code.HandleCodeChange},
		{model.LanguageChangeTopic(room), svc.code.HandleLanguageChange},
		{model.CodeRestoreTopic(room, user), svc.code.HandleRestore},
	}
	unsubs := make([]func(), 0, len(routes))
	for _, r := range routes {
		unsubs = append(unsubs, svc.transport.Subscribe(r.topic, dropOnError(r.handler)))
	}
	return unsubs
}

// dropOnError counts handler failures as dropped frames. The switch logs them.
func dropOnError(h _switch.Handler) _switch.Handler {
	return func(ctx context.Context, frame model.Frame) error {
		err := h(ctx, frame)
		if err != nil {
			metrics.FramesDropped.WithLabelValues("malformed").Inc()
		}
		return err
	}
}

func (svc *Service) onState(connected bool, gen uint64) {
	if gen != svc.transport.Generation() {
		return
	}
	svc.store.SetConnected(connected)
	if !connected {
		svc.wb.OnDisconnect()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTeardownTimeout)
	defer cancel()
	if err := svc.Enter(ctx); err != nil {
		svc.logger.Error().Err(err).Msg("enter failed")
	}
	svc.wb.OnConnect(ctx)
}

func (svc *Service) onFailure(err error) {
	svc.store.SetConnected(false)
	if errors.Is(err, transport.ErrRejected) {
		svc.terminate(model.TerminatedForbidden, "The server refused the connection.")
		return
	}
	svc.logger.Warn().Err(err).Msg("session failed")
}

func (svc *Service) terminate(reason, notice string) {
	if svc.store.Terminate(reason) {
		svc.store.AddNotice(model.NoticeError, notice)
		svc.logger.Warn().Str("reason", reason).Msg("session terminated")
	}
}

func (svc *Service) handleRoomEvent(ctx context.Context, frame model.Frame) error {
	ev, err := model.DecodeEvent(frame.Body)
	if errors.Is(err, model.ErrUnknownEvent) {
		svc.logger.Warn().Err(err).Str("topic", frame.Destination).Msg("ignoring event")
		return nil
	}
	if err != nil {
		return err
	}

	me := svc.store.CurrentUserID()
	switch e := ev.(type) {
	case model.EnterEvent:
		if err = svc.presence.Refresh(ctx); err != nil {
			return err
		}
		if p, ok := svc.store.Participant(e.UserID); ok && e.UserID != me {
			svc.store.AddNotice(model.NoticeInfo, fmt.Sprintf("%s entered the room.", p.Nickname))
		}
	case model.LeaveEvent:
		if err = svc.presence.Refresh(ctx); err != nil {
			return err
		}
		if p, ok := svc.store.Participant(e.UserID); !ok || !p.IsOnline {
			svc.view.PeerLeft(e.UserID)
		}
	case model.QuitEvent:
		svc.view.PeerLeft(e.UserID)
		svc.store.RemoveParticipant(e.UserID)
	case model.KickEvent:
		if e.UserID == me {
			svc.terminate(model.TerminatedKicked, "You were removed from the room.")
			svc.teardownAsync()
			return nil
		}
		svc.view.PeerLeft(e.UserID)
		if p, ok := svc.store.Participant(e.UserID); ok {
			svc.store.AddNotice(model.NoticeInfo, fmt.Sprintf("%s was removed from the room.", p.Nickname))
		}
		svc.store.RemoveParticipant(e.UserID)
	case model.DelegateEvent:
		if err = svc.presence.Refresh(ctx); err != nil {
			return err
		}
		if p, ok := svc.store.Participant(e.NewOwnerID); ok {
			svc.store.AddNotice(model.NoticeInfo, fmt.Sprintf("%s is now the room owner.", p.Nickname))
		}
	case model.DeleteEvent:
		svc.terminate(model.TerminatedDeleted, "The room was deleted.")
		svc.teardownAsync()
	case model.InfoEvent:
		info := svc.store.Room()
		info.Title = e.Title
		info.Description = e.Description
		svc.store.SetRoomInfo(info)
		svc.store.AddNotice(model.NoticeInfo, "Room information was updated.")
	case model.StatusEvent:
		if e.UserID == me {
			return nil
		}
		err = svc.store.UpdateParticipant(e.UserID, model.ParticipantPatch{
			IsMuted:    model.Bool(e.IsMuted),
			IsVideoOff: model.Bool(e.IsVideoOff),
		})
		if errors.Is(err, memory.ErrParticipantNotFound) {
			return svc.presence.Refresh(ctx)
		}
		return err
	case model.MuteAllEvent:
		if svc.store.IsOwner() {
			return nil
		}
		media := svc.store.LocalMedia()
		if err = svc.UpdateStatus(ctx, true, media.IsVideoOff); err != nil {
			svc.logger.Warn().Err(err).Msg("muted locally, status not published")
		}
		svc.store.AddNotice(model.NoticeInfo, "The owner muted everyone.")
	case model.ProblemAddedEvent:
		svc.loadProblems(ctx)
	case model.ProblemRemovedEvent:
		if sel, ok := svc.store.SelectedProblem(); ok && sel.ProblemID == e.ProblemID {
			svc.store.SetSelectedProblem(nil)
			svc.view.ResetToMine()
		}
		svc.loadProblems(ctx)
	case model.CurriculumEvent:
		if e.Date != "" {
			svc.store.SetCurrentDate(e.Date)
		}
		svc.loadProblems(ctx)
	case model.ErrorEvent:
		svc.store.AddNotice(model.NoticeError, e.Message)
	case model.RoomInfoEvent:
		svc.store.SetRoomInfo(e.Info)
	case model.VideoTokenEvent:
		svc.store.SetVideoToken(e.Token)
	}
	return nil
}

func (svc *Service) handleWatchers(_ context.Context, frame model.Frame) error {
	w, err := model.DecodeWatchers(frame.Body)
	if err != nil {
		return err
	}
	svc.store.SetWatchers(w)
	return nil
}

func (svc *Service) handleError(_ context.Context, frame model.Frame) error {
	msg, err := model.DecodeErrorBody(frame.Body)
	if err != nil {
		return err
	}
	svc.store.AddNotice(model.NoticeError, msg)
	return nil
}

func (svc *Service) loadProblems(ctx context.Context) {
	roomID := svc.store.RoomID()
	date := svc.store.CurrentDate()
	problems, err := svc.api.Problems(ctx, roomID, date)
	if err != nil {
		svc.logger.Error().Err(err).Str("date", date).Msg("failed to load problems")
		return
	}
	svc.store.SetProblems(problems)
}
