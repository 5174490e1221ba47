package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	_switch "github.com/adwski/studyroom-sync/client/switch"
	"github.com/adwski/studyroom-sync/client/timer"
	"github.com/adwski/studyroom-sync/client/timer/timertest"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var errDial = errors.New("connection refused")

type fakeConn struct {
	mx      sync.Mutex
	written []model.Frame
	in      chan model.Frame
	closed  chan struct{}
	once    sync.Once
	reject  bool
	// deaf conns keep blocking in ReadFrame after Close until a frame arrives.
	deaf bool
}

func newFakeConn(reject bool) *fakeConn {
	return &fakeConn{
		in:     make(chan model.Frame, 16),
		closed: make(chan struct{}),
		reject: reject,
	}
}

func (c *fakeConn) ReadFrame(ctx context.Context) (model.Frame, error) {
	if c.deaf {
		return <-c.in, nil
	}
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return model.Frame{}, io.EOF
	case <-ctx.Done():
		return model.Frame{}, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(_ context.Context, f model.Frame) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	c.mx.Lock()
	c.written = append(c.written, f)
	c.mx.Unlock()
	if f.Command == model.CommandConnect {
		if c.reject {
			c.in <- model.Frame{Command: model.CommandError, Headers: map[string]string{"message": "forbidden"}}
		} else {
			c.in <- model.Frame{Command: model.CommandConnected}
		}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) frames(command string) []model.Frame {
	c.mx.Lock()
	defer c.mx.Unlock()
	var out []model.Frame
	for _, f := range c.written {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

type fakeDialer struct {
	mx     sync.Mutex
	fail   bool
	reject bool
	deaf   bool
	calls  int
	urls   []string
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.calls++
	d.urls = append(d.urls, url)
	if d.fail {
		return nil, errDial
	}
	c := newFakeConn(d.reject)
	c.deaf = d.deaf
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mx.Lock()
	d.fail = fail
	d.mx.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.calls
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.conns[i]
}

// gatedDialer holds every Dial until gate is closed.
type gatedDialer struct {
	*fakeDialer
	entered chan struct{}
	gate    chan struct{}
}

func (d *gatedDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.entered <- struct{}{}
	<-d.gate
	return d.fakeDialer.Dial(ctx, url)
}

func staleTransportCallbacks() float64 {
	return testutil.ToFloat64(metrics.StaleCallbacks.WithLabelValues("transport"))
}

type recorder struct {
	mx       sync.Mutex
	states   []bool
	gens     []uint64
	failures []error
}

func (r *recorder) onState(connected bool, gen uint64) {
	r.mx.Lock()
	r.states = append(r.states, connected)
	r.gens = append(r.gens, gen)
	r.mx.Unlock()
}

func (r *recorder) onFailure(err error) {
	r.mx.Lock()
	r.failures = append(r.failures, err)
	r.mx.Unlock()
}

func (r *recorder) snapshot() ([]bool, []error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]bool(nil), r.states...), append([]error(nil), r.failures...)
}

type fixture struct {
	m      *Manager
	dialer *fakeDialer
	clock  *timertest.Manual
	rec    *recorder
	router *_switch.Switch
}

// fixtureOption adjusts the manager config before the manager is built.
type fixtureOption func(f *fixture, cfg *Config)

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		dialer: &fakeDialer{},
		clock:  timertest.NewManual(),
		rec:    &recorder{},
		router: _switch.NewSwitch(&logger),
	}
	cfg := Config{
		Logger:    &logger,
		Dialer:    f.dialer,
		Router:    f.router,
		AfterFunc: f.clock.AfterFunc,
		OnState:   f.rec.onState,
		OnFailure: f.rec.onFailure,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	f.m = NewManager(cfg)
	t.Cleanup(func() {
		_ = f.m.Close(context.Background())
	})
	return f
}

// waitStates blocks until the OnState history equals want. OnState fires after
// subscription replay, so it orders the test after the connect sequence.
func (f *fixture) waitStates(t *testing.T, want ...bool) {
	t.Helper()
	require.Eventually(t, func() bool {
		states, _ := f.rec.snapshot()
		return assert.ObjectsAreEqual(want, states)
	}, waitFor, tick)
}

func testIdentity() Identity {
	return Identity{SocketURL: "ws://bus", RoomID: 10, UserID: 7}
}

func TestBackoffDelay(t *testing.T) {
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, d := range want {
		assert.Equal(t, d, BackoffDelay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, time.Second, BackoffDelay(0))
	assert.Equal(t, 30*time.Second, BackoffDelay(100))
}

func TestIdentity(t *testing.T) {
	id := testIdentity()
	assert.True(t, id.Valid())
	assert.Equal(t, "ws://bus|10|7", id.Key())

	assert.False(t, Identity{SocketURL: "ws://bus", RoomID: 10}.Valid())
	assert.False(t, Identity{RoomID: 10, UserID: 7}.Valid())
}

func TestManagerReconnectBackoffAndGiveUp(t *testing.T) {
	f := newFixture(t)
	f.dialer.setFail(true)

	require.NoError(t, f.m.Open(context.Background(), testIdentity()))

	var delays []time.Duration
	for i := 0; i < DefaultMaxAttempts; i++ {
		require.Eventually(t, func() bool { return len(f.clock.Pending()) == 1 }, waitFor, tick)
		d := f.clock.Pending()[0]
		delays = append(delays, d)
		f.clock.Advance(d)
	}

	require.Eventually(t, func() bool {
		_, failures := f.rec.snapshot()
		return len(failures) == 1
	}, waitFor, tick)

	_, failures := f.rec.snapshot()
	assert.ErrorIs(t, failures[0], ErrExhausted)
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second, 30 * time.Second,
	}, delays)
	assert.Equal(t, DefaultMaxAttempts+1, f.dialer.dials())
	assert.Empty(t, f.clock.Pending())
	assert.False(t, f.m.Connected())
}

func TestManagerOpenSameIdentityOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	f.waitStates(t, true)
	require.NoError(t, f.m.Open(ctx, testIdentity()))

	assert.True(t, f.m.Connected())
	assert.Equal(t, 1, f.dialer.dials())
	c := f.dialer.conn(0)
	connects := c.frames(model.CommandConnect)
	require.Len(t, connects, 1)
	assert.Equal(t, "7", connects[0].Headers[model.HeaderUserID])

	f.rec.mx.Lock()
	assert.Equal(t, f.m.Generation(), f.rec.gens[0])
	f.rec.mx.Unlock()
}

func TestManagerIdentityChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	f.waitStates(t, true)
	genBefore := f.m.Generation()

	next := testIdentity()
	next.RoomID = 11
	require.NoError(t, f.m.Open(ctx, next))
	assert.True(t, f.dialer.conn(0).isClosed())

	f.waitStates(t, true, false, true)
	assert.Equal(t, 2, f.dialer.dials())
	assert.Greater(t, f.m.Generation(), genBefore)
	assert.Equal(t, next, f.m.Identity())
	assert.Empty(t, f.clock.Pending())
}

func TestManagerInvalidIdentityTearsDown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.m.Open(ctx, Identity{SocketURL: "ws://bus", RoomID: 10}))
	assert.Equal(t, 0, f.dialer.dials())

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	f.waitStates(t, true)

	require.NoError(t, f.m.Open(ctx, Identity{}))
	assert.False(t, f.m.Connected())
	assert.True(t, f.dialer.conn(0).isClosed())
	assert.Equal(t, 1, f.dialer.dials())
	states, _ := f.rec.snapshot()
	assert.Equal(t, []bool{true, false}, states)
}

func TestManagerSubscriptionReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got := make(chan model.Frame, 4)
	unsub := f.m.Subscribe("/topic/room", func(_ context.Context, fr model.Frame) error {
		got <- fr
		return nil
	})

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	f.waitStates(t, true)

	first := f.dialer.conn(0)
	subs := first.frames(model.CommandSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, "/topic/room", subs[0].Destination)

	first.in <- model.Frame{Command: model.CommandMessage, Destination: "/topic/room", Body: []byte(`{"a":1}`)}
	select {
	case fr := <-got:
		assert.JSONEq(t, `{"a":1}`, string(fr.Body))
	case <-time.After(waitFor):
		t.Fatal("message was not forwarded")
	}

	// server drops the connection
	_ = first.Close()
	f.waitStates(t, true, false)
	assert.False(t, f.m.Connected())
	require.Len(t, f.clock.Pending(), 1)
	assert.Equal(t, time.Second, f.clock.Pending()[0])

	f.clock.Advance(time.Second)
	f.waitStates(t, true, false, true)

	second := f.dialer.conn(1)
	subs = second.frames(model.CommandSubscribe)
	require.Len(t, subs, 1)
	assert.Equal(t, "/topic/room", subs[0].Destination)

	unsub()
	unsub()
	unsubs := second.frames(model.CommandUnsubscribe)
	require.Len(t, unsubs, 1)
	assert.Equal(t, "/topic/room", unsubs[0].Destination)
}

func TestManagerCloseCancelsRetry(t *testing.T) {
	f := newFixture(t)
	f.dialer.setFail(true)
	ctx := context.Background()

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	require.Eventually(t, func() bool { return len(f.clock.Pending()) == 1 }, waitFor, tick)

	require.NoError(t, f.m.Close(ctx))
	assert.Empty(t, f.clock.Pending())

	f.clock.Advance(time.Minute)
	assert.Equal(t, 1, f.dialer.dials())
	_, failures := f.rec.snapshot()
	assert.Empty(t, failures)
}

func TestManagerRejected(t *testing.T) {
	f := newFixture(t)
	f.dialer.reject = true

	require.NoError(t, f.m.Open(context.Background(), testIdentity()))
	require.Eventually(t, func() bool {
		_, failures := f.rec.snapshot()
		return len(failures) == 1
	}, waitFor, tick)

	_, failures := f.rec.snapshot()
	assert.ErrorIs(t, failures[0], ErrRejected)
	assert.Empty(t, f.clock.Pending())
	assert.Equal(t, 1, f.dialer.dials())
	assert.False(t, f.m.Connected())
}

func TestManagerPublish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.m.Publish(ctx, "/pub/x", map[string]int{"a": 1}), ErrNotConnected)

	require.NoError(t, f.m.Open(ctx, testIdentity()))
	f.waitStates(t, true)

	require.NoError(t, f.m.Publish(ctx, "/pub/x", map[string]int{"a": 1}))
	require.NoError(t, f.m.Publish(ctx, "/pub/raw", []byte(`{"b":2}`)))
	assert.ErrorIs(t, f.m.Publish(ctx, "/pub/bad", make(chan int)), ErrEncode)

	sends := f.dialer.conn(0).frames(model.CommandSend)
	require.Len(t, sends, 2)
	assert.Equal(t, "/pub/x", sends[0].Destination)
	assert.JSONEq(t, `{"a":1}`, string(sends[0].Body))
	assert.JSONEq(t, `{"b":2}`, string(sends[1].Body))
}

func TestStaleDialIsDiscarded(t *testing.T) {
	gd := &gatedDialer{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	f := newFixture(t, func(f *fixture, cfg *Config) {
		gd.fakeDialer = f.dialer
		cfg.Dialer = gd
	})
	unsub := f.m.Subscribe("/topic/study/10", func(context.Context, model.Frame) error { return nil })
	defer unsub()
	before := staleTransportCallbacks()

	require.NoError(t, f.m.Open(context.Background(), testIdentity()))
	select {
	case <-gd.entered:
	case <-time.After(waitFor):
		t.Fatal("dial was not started")
	}
	gen := f.m.Generation()

	closed := make(chan error, 1)
	go func() { closed <- f.m.Close(context.Background()) }()
	require.Eventually(t, func() bool { return f.m.Generation() > gen }, waitFor, tick)
	close(gd.gate)

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}

	conn := f.dialer.conn(0)
	assert.True(t, conn.isClosed())
	assert.Empty(t, conn.frames(model.CommandConnect))
	assert.Empty(t, conn.frames(model.CommandSubscribe))
	states, failures := f.rec.snapshot()
	assert.Empty(t, states)
	assert.Empty(t, failures)
	assert.False(t, f.m.Connected())
	assert.Equal(t, before+1, staleTransportCallbacks())
}

func TestStaleFrameIsNotForwarded(t *testing.T) {
	f := newFixture(t)
	f.dialer.deaf = true
	const topic = "/topic/study/10"

	var (
		mx  sync.Mutex
		got []model.Frame
	)
	unsub := f.m.Subscribe(topic, func(_ context.Context, frame model.Frame) error {
		mx.Lock()
		got = append(got, frame)
		mx.Unlock()
		return nil
	})
	defer unsub()

	require.NoError(t, f.m.Open(context.Background(), testIdentity()))
	f.waitStates(t, true)
	conn := f.dialer.conn(0)
	gen := f.m.Generation()
	before := staleTransportCallbacks()

	closed := make(chan error, 1)
	go func() { closed <- f.m.Close(context.Background()) }()
	require.Eventually(t, func() bool { return f.m.Generation() > gen }, waitFor, tick)
	conn.in <- model.Frame{Command: model.CommandMessage, Destination: topic, Body: []byte(`{"type":"ENTER","data":3}`)}

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("close did not return")
	}

	mx.Lock()
	assert.Empty(t, got)
	mx.Unlock()
	f.waitStates(t, true, false)
	assert.Equal(t, before+1, staleTransportCallbacks())
}

func TestStaleRetryAfterClose(t *testing.T) {
	var (
		mx        sync.Mutex
		scheduled []func()
	)
	f := newFixture(t, func(f *fixture, cfg *Config) {
		cfg.AfterFunc = func(d time.Duration, fn func()) timer.Stopper {
			mx.Lock()
			scheduled = append(scheduled, fn)
			mx.Unlock()
			return f.clock.AfterFunc(d, fn)
		}
	})
	f.dialer.setFail(true)

	require.NoError(t, f.m.Open(context.Background(), testIdentity()))
	require.Eventually(t, func() bool { return len(f.clock.Pending()) == 1 }, waitFor, tick)
	require.NoError(t, f.m.Close(context.Background()))
	assert.Empty(t, f.clock.Pending())
	before := staleTransportCallbacks()

	// a retry that fired while Close was stopping its timer
	mx.Lock()
	retry := scheduled[0]
	mx.Unlock()
	f.dialer.setFail(false)
	retry()

	assert.Equal(t, before+1, staleTransportCallbacks())
	assert.Equal(t, 1, f.dialer.dials())
	assert.False(t, f.m.Connected())
	states, failures := f.rec.snapshot()
	assert.Empty(t, states)
	assert.Empty(t, failures)
}
