package whiteboard

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/rs/zerolog"
)

var (
	ErrBadFrame  = errors.New("malformed whiteboard frame")
	ErrBadAction = errors.New("invalid whiteboard action")
)

const noticeStarted = "%s started the whiteboard."

type (
	Publisher interface {
		Publish(ctx context.Context, destination string, body any) error
		Connected() bool
	}

	Store interface {
		CurrentUserID() int64
		Participant(id int64) (model.Participant, bool)
		OpenWhiteboard(by *model.Participant, message string)
		CloseWhiteboard()
		AddNotice(level model.NoticeLevel, text string) model.Notice
	}

	Config struct {
		Logger    *zerolog.Logger
		Publisher Publisher
		Store     Store
		// OnRemote receives canvas events from peers, sync requests included.
		OnRemote func(msg model.WhiteboardMessage)
	}

	// Queue buffers outgoing canvas events until a connection exists and
	// delivers them in submission order.
	Queue struct {
		logger   zerolog.Logger
		pub      Publisher
		store    Store
		onRemote func(model.WhiteboardMessage)

		flushMx *sync.Mutex // keeps flushes from interleaving
		mx      *sync.Mutex
		key     string
		queues  map[string][]model.WhiteboardMessage
		open    bool
		joined  bool
	}
)

func NewQueue(cfg Config) *Queue {
	return &Queue{
		logger:   cfg.Logger.With().Str("component", "whiteboard").Logger(),
		pub:      cfg.Publisher,
		store:    cfg.Store,
		onRemote: cfg.OnRemote,
		flushMx:  &sync.Mutex{},
		mx:       &sync.Mutex{},
		queues:   make(map[string][]model.WhiteboardMessage),
	}
}

// SetIdentity scopes the queue to a session identity. Events queued under a
// previous identity are discarded.
func (q *Queue) SetIdentity(key string) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if key == q.key {
		return
	}
	for k, pending := range q.queues {
		if k != key && len(pending) > 0 {
			q.logger.Debug().Int("events", len(pending)).Msg("dropping events of previous session")
		}
		if k != key {
			delete(q.queues, k)
		}
	}
	q.key = key
	q.joined = false
}

// Send accepts an event at any time. It is published right away when
// connected, otherwise on the next OnConnect.
func (q *Queue) Send(ctx context.Context, msg model.WhiteboardMessage) error {
	if !msg.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrBadAction, msg.Action)
	}
	if msg.SenderID == 0 {
		msg.SenderID = q.store.CurrentUserID()
	}
	if msg.SenderName == "" {
		if p, ok := q.store.Participant(msg.SenderID); ok {
			msg.SenderName = p.Nickname
		}
	}

	q.mx.Lock()
	q.queues[q.key] = append(q.queues[q.key], msg)
	q.mx.Unlock()

	if q.pub.Connected() {
		q.flush(ctx)
	}
	return nil
}

// Pending returns the number of events waiting for a connection.
func (q *Queue) Pending() int {
	q.mx.Lock()
	defer q.mx.Unlock()
	return len(q.queues[q.key])
}

func (q *Queue) flush(ctx context.Context) int {
	q.flushMx.Lock()
	defer q.flushMx.Unlock()

	q.mx.Lock()
	key := q.key
	pending := q.queues[key]
	q.queues[key] = nil
	q.mx.Unlock()

	for i, msg := range pending {
		if err := q.pub.Publish(ctx, model.DestWhiteboard, msg); err != nil {
			q.logger.Warn().Err(err).Int("left", len(pending)-i).Msg("flush interrupted")
			q.requeue(key, pending[i:])
			return i
		}
	}
	if n := len(pending); n > 0 {
		metrics.WhiteboardFlushed.Add(float64(n))
	}
	return len(pending)
}

// requeue puts undelivered events back in front of anything queued during
// the flush.
func (q *Queue) requeue(key string, rest []model.WhiteboardMessage) {
	q.mx.Lock()
	defer q.mx.Unlock()
	if key != q.key {
		return
	}
	q.queues[key] = append(append([]model.WhiteboardMessage(nil), rest...), q.queues[key]...)
}

// OnConnect delivers the queue and performs the join handshake once per
// open/connect cycle.
func (q *Queue) OnConnect(ctx context.Context) {
	if n := q.flush(ctx); n > 0 {
		q.logger.Debug().Int("events", n).Msg("queue flushed")
	}
	q.join(ctx)
}

func (q *Queue) OnDisconnect() {
	q.mx.Lock()
	q.joined = false
	q.mx.Unlock()
}

func (q *Queue) OpenPanel(ctx context.Context) {
	q.mx.Lock()
	q.open = true
	q.mx.Unlock()
	if q.pub.Connected() {
		q.join(ctx)
	}
}

func (q *Queue) ClosePanel() {
	q.mx.Lock()
	q.open = false
	q.joined = false
	q.mx.Unlock()
}

func (q *Queue) join(ctx context.Context) {
	q.mx.Lock()
	if !q.open || q.joined {
		q.mx.Unlock()
		return
	}
	q.joined = true
	q.mx.Unlock()

	req := model.WhiteboardMessage{
		Action:   model.WhiteboardSync,
		SenderID: q.store.CurrentUserID(),
	}
	if err := q.pub.Publish(ctx, model.DestWhiteboard, req); err != nil {
		q.logger.Error().Err(err).Msg("sync request failed")
		q.mx.Lock()
		q.joined = false
		q.mx.Unlock()
	}
}

// Handle applies one incoming whiteboard frame.
func (q *Queue) Handle(_ context.Context, frame model.Frame) error {
	msg, err := model.DecodeWhiteboard(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if msg.SenderID != 0 && msg.SenderID == q.store.CurrentUserID() {
		return nil
	}

	switch msg.Action {
	case model.WhiteboardStart:
		var by *model.Participant
		name := msg.SenderName
		if p, ok := q.store.Participant(msg.SenderID); ok {
			by = &p
			if name == "" {
				name = p.Nickname
			}
		}
		if name == "" {
			name = "A participant"
		}
		text := fmt.Sprintf(noticeStarted, name)
		q.store.OpenWhiteboard(by, text)
		q.store.AddNotice(model.NoticeInfo, text)
	case model.WhiteboardClose:
		q.store.CloseWhiteboard()
	}
	if q.onRemote != nil {
		q.onRemote(msg)
	}
	return nil
}
