package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	_switch "github.com/adwski/studyroom-sync/client/switch"
	"github.com/adwski/studyroom-sync/client/timer"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxAttempts = 8

	baseBackoff = time.Second
	maxBackoff  = 30 * time.Second
)

var (
	ErrNotConnected = errors.New("transport is not connected")
	ErrExhausted    = errors.New("reconnect attempts exhausted")
	ErrRejected     = errors.New("connection rejected by server")
	ErrHandshake    = errors.New("unexpected handshake response")
	ErrEncode       = errors.New("unable to encode body")
)

type (
	// Conn is one established bus connection. WriteFrame must be safe for
	// concurrent use; Close must unblock a pending ReadFrame.
	Conn interface {
		ReadFrame(ctx context.Context) (model.Frame, error)
		WriteFrame(ctx context.Context, frame model.Frame) error
		Close() error
	}

	Dialer interface {
		Dial(ctx context.Context, url string) (Conn, error)
	}

	Router interface {
		Connect(topic string, h _switch.Handler) (string, bool)
		Disconnect(topic, id string) bool
		Topics() []string
		Forward(ctx context.Context, frame model.Frame) bool
	}

	Config struct {
		Logger      *zerolog.Logger
		Dialer      Dialer
		Router      Router
		AfterFunc   timer.AfterFunc
		MaxAttempts int

		// OnState is called after the session goes up or down. gen is the
		// generation the change belongs to.
		OnState func(connected bool, gen uint64)
		// OnFailure is called once when the session fails for good, with
		// ErrExhausted or ErrRejected.
		OnFailure func(err error)
	}

	Identity struct {
		SocketURL string
		RoomID    int64
		UserID    int64
	}

	// Manager owns at most one bus session at a time.
	Manager struct {
		logger    zerolog.Logger
		dialer    Dialer
		router    Router
		after     timer.AfterFunc
		maxTries  int
		onState   func(bool, uint64)
		onFailure func(error)

		opMx *sync.Mutex // serializes Open and Close
		mx   *sync.Mutex

		ident     Identity
		active    bool
		gen       uint64
		attempt   int
		cur       *attempt
		conn      Conn
		connected bool
		retry     timer.Stopper
	}

	attempt struct {
		gen    uint64
		cancel context.CancelFunc
		done   chan struct{}
	}
)

func (id Identity) Key() string {
	return id.SocketURL + "|" + strconv.FormatInt(id.RoomID, 10) + "|" + strconv.FormatInt(id.UserID, 10)
}

func (id Identity) Valid() bool {
	return id.SocketURL != "" && id.RoomID > 0 && id.UserID > 0
}

// BackoffDelay returns the wait before the given retry attempt, counting
// from 1: min(30s, 1s * 2^(attempt-1)).
func BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		return maxBackoff
	}
	d := baseBackoff << (attempt - 1)
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func NewManager(cfg Config) *Manager {
	after := cfg.AfterFunc
	if after == nil {
		after = timer.Real
	}
	maxTries := cfg.MaxAttempts
	if maxTries <= 0 {
		maxTries = DefaultMaxAttempts
	}
	return &Manager{
		logger:    cfg.Logger.With().Str("component", "transport").Logger(),
		dialer:    cfg.Dialer,
		router:    cfg.Router,
		after:     after,
		maxTries:  maxTries,
		onState:   cfg.OnState,
		onFailure: cfg.OnFailure,
		opMx:      &sync.Mutex{},
		mx:        &sync.Mutex{},
	}
}

// Open makes id the active session. Reopening the active identity is a no-op.
// A different identity first tears down the old session and waits for it.
// An invalid identity only tears down. Network failures are not returned;
// they show up through Connected and OnState. ctx bounds the teardown wait.
func (m *Manager) Open(ctx context.Context, id Identity) error {
	m.opMx.Lock()
	defer m.opMx.Unlock()

	m.mx.Lock()
	if id.Valid() && m.active && m.ident.Key() == id.Key() {
		m.mx.Unlock()
		return nil
	}
	done, wasConnected := m.detachLocked()
	m.mx.Unlock()

	if err := m.await(ctx, done, wasConnected); err != nil {
		return err
	}
	if !id.Valid() {
		m.logger.Debug().
			Int64("roomID", id.RoomID).
			Int64("userID", id.UserID).
			Msg("identity is incomplete, staying offline")
		return nil
	}

	m.mx.Lock()
	m.ident = id
	m.active = true
	m.attempt = 0
	m.startLocked()
	m.mx.Unlock()
	return nil
}

// Close tears down the active session and waits for it.
func (m *Manager) Close(ctx context.Context) error {
	m.opMx.Lock()
	defer m.opMx.Unlock()

	m.mx.Lock()
	done, wasConnected := m.detachLocked()
	m.mx.Unlock()
	return m.await(ctx, done, wasConnected)
}

func (m *Manager) await(ctx context.Context, done <-chan struct{}, wasConnected bool) error {
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if wasConnected {
		metrics.SetConnected(false)
		if m.onState != nil {
			m.onState(false, m.Generation())
		}
	}
	return nil
}

// detachLocked invalidates every outstanding callback of the current session
// and returns a channel closed once its goroutine has exited.
func (m *Manager) detachLocked() (<-chan struct{}, bool) {
	wasConnected := m.connected
	m.gen++
	m.active = false
	m.connected = false
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	if m.cur == nil {
		return nil, wasConnected
	}
	cur := m.cur
	m.cur = nil
	cur.cancel()
	return cur.done, wasConnected
}

func (m *Manager) startLocked() {
	m.gen++
	ctx, cancel := context.WithCancel(context.Background())
	a := &attempt{
		gen:    m.gen,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	m.cur = a
	go m.run(ctx, a, m.ident)
}

func (m *Manager) current(gen uint64) bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.active && m.gen == gen
}

func (m *Manager) run(ctx context.Context, a *attempt, id Identity) {
	defer close(a.done)

	logger := m.logger.With().
		Int64("roomID", id.RoomID).
		Int64("userID", id.UserID).
		Uint64("generation", a.gen).
		Logger()

	conn, err := m.dialer.Dial(ctx, id.SocketURL)
	if err != nil {
		logger.Error().Err(err).Msg("dial failed")
		m.dropped(a.gen, err)
		return
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	if !m.current(a.gen) {
		logger.Debug().Msg("stale dial result discarded")
		metrics.StaleCallbacks.WithLabelValues("transport").Inc()
		return
	}
	if err = m.handshake(ctx, conn, id); err != nil {
		logger.Error().Err(err).Msg("handshake failed")
		if errors.Is(err, ErrRejected) {
			m.rejected(a.gen)
			return
		}
		m.dropped(a.gen, err)
		return
	}

	m.mx.Lock()
	if !m.active || m.gen != a.gen {
		m.mx.Unlock()
		logger.Debug().Msg("stale connect discarded")
		metrics.StaleCallbacks.WithLabelValues("transport").Inc()
		return
	}
	m.conn = conn
	m.connected = true
	m.attempt = 0
	topics := m.router.Topics()
	m.mx.Unlock()

	for _, topic := range topics {
		if err = conn.WriteFrame(ctx, model.Frame{Command: model.CommandSubscribe, Destination: topic}); err != nil {
			logger.Error().Err(err).Str("topic", topic).Msg("subscription replay failed")
		}
	}

	logger.Info().Int("topics", len(topics)).Msg("session connected")
	metrics.SessionsOpened.Inc()
	metrics.SetConnected(true)
	if m.onState != nil {
		m.onState(true, a.gen)
	}

	err = m.readLoop(ctx, conn, a.gen, &logger)
	m.dropped(a.gen, err)
}

func (m *Manager) handshake(ctx context.Context, conn Conn, id Identity) error {
	err := conn.WriteFrame(ctx, model.Frame{
		Command: model.CommandConnect,
		Headers: map[string]string{model.HeaderUserID: strconv.FormatInt(id.UserID, 10)},
	})
	if err != nil {
		return err
	}
	f, err := conn.ReadFrame(ctx)
	if err != nil {
		return err
	}
	switch f.Command {
	case model.CommandConnected:
		return nil
	case model.CommandError:
		return fmt.Errorf("%w: %s", ErrRejected, errorText(f))
	default:
		return fmt.Errorf("%w: %s", ErrHandshake, f.Command)
	}
}

func (m *Manager) readLoop(ctx context.Context, conn Conn, gen uint64, logger *zerolog.Logger) error {
	for {
		f, err := conn.ReadFrame(ctx)
		if err != nil {
			return err
		}
		if !m.current(gen) {
			logger.Debug().Str("topic", f.Destination).Msg("stale frame discarded")
			metrics.StaleCallbacks.WithLabelValues("transport").Inc()
			return ctx.Err()
		}
		switch f.Command {
		case model.CommandMessage:
			m.router.Forward(ctx, f)
		case model.CommandError:
			logger.Warn().Str("error", errorText(f)).Msg("bus reported error")
		default:
			logger.Debug().Str("command", f.Command).Msg("ignoring frame")
		}
	}
}

// dropped handles the end of a connection attempt of generation gen and
// schedules the next retry if any are left.
func (m *Manager) dropped(gen uint64, cause error) {
	m.mx.Lock()
	if !m.active || m.gen != gen {
		m.mx.Unlock()
		return
	}
	wasConnected := m.connected
	m.conn = nil
	m.connected = false
	m.cur = nil

	logger := m.logger.With().
		Int64("roomID", m.ident.RoomID).
		Int64("userID", m.ident.UserID).
		Uint64("generation", gen).
		Logger()

	if m.attempt >= m.maxTries {
		m.active = false
		m.mx.Unlock()

		logger.Warn().Err(cause).Int("attempts", m.maxTries).Msg("giving up reconnecting")
		metrics.ReconnectGiveUps.Inc()
		m.lost(wasConnected, gen)
		if m.onFailure != nil {
			m.onFailure(ErrExhausted)
		}
		return
	}
	m.attempt++
	delay := BackoffDelay(m.attempt)
	m.retry = m.after(delay, func() { m.reconnect(gen) })
	attemptNo := m.attempt
	m.mx.Unlock()

	logger.Info().Err(cause).Int("attempt", attemptNo).Dur("delay", delay).Msg("reconnect scheduled")
	metrics.ReconnectAttempts.Inc()
	m.lost(wasConnected, gen)
}

func (m *Manager) rejected(gen uint64) {
	m.mx.Lock()
	if !m.active || m.gen != gen {
		m.mx.Unlock()
		return
	}
	m.active = false
	m.cur = nil
	m.mx.Unlock()

	if m.onFailure != nil {
		m.onFailure(ErrRejected)
	}
}

func (m *Manager) lost(wasConnected bool, gen uint64) {
	if !wasConnected {
		return
	}
	metrics.SetConnected(false)
	if m.onState != nil {
		m.onState(false, gen)
	}
}

func (m *Manager) reconnect(gen uint64) {
	m.mx.Lock()
	defer m.mx.Unlock()
	if !m.active || m.gen != gen {
		metrics.StaleCallbacks.WithLabelValues("transport").Inc()
		return
	}
	m.retry = nil
	m.startLocked()
}

// Publish sends body to destination. body is JSON encoded unless it is
// already a json.RawMessage or []byte.
func (m *Manager) Publish(ctx context.Context, destination string, body any) error {
	raw, err := encode(body)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}

	m.mx.Lock()
	conn := m.conn
	m.mx.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.WriteFrame(ctx, model.Frame{
		Command:     model.CommandSend,
		Destination: destination,
		Body:        raw,
	})
}

// Subscribe registers h for topic. The subscription survives reconnects
// until the returned func is called.
func (m *Manager) Subscribe(topic string, h _switch.Handler) func() {
	m.mx.Lock()
	id, first := m.router.Connect(topic, h)
	conn := m.conn
	m.mx.Unlock()

	if first && conn != nil {
		m.writeControl(conn, model.CommandSubscribe, topic)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mx.Lock()
			last := m.router.Disconnect(topic, id)
			conn := m.conn
			m.mx.Unlock()
			if last && conn != nil {
				m.writeControl(conn, model.CommandUnsubscribe, topic)
			}
		})
	}
}

func (m *Manager) writeControl(conn Conn, command, topic string) {
	err := conn.WriteFrame(context.Background(), model.Frame{Command: command, Destination: topic})
	if err != nil {
		m.logger.Error().Err(err).Str("command", command).Str("topic", topic).Msg("control frame failed")
	}
}

func (m *Manager) Connected() bool {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.connected
}

func (m *Manager) Generation() uint64 {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.gen
}

func (m *Manager) Identity() Identity {
	m.mx.Lock()
	defer m.mx.Unlock()
	return m.ident
}

func encode(body any) (json.RawMessage, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return b, nil
	case []byte:
		return b, nil
	default:
		return json.Marshal(body)
	}
}

func errorText(f model.Frame) string {
	if msg := f.Headers["message"]; msg != "" {
		return msg
	}
	return string(f.Body)
}
