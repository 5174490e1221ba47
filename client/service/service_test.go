package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/timer/timertest"
	"github.com/adwski/studyroom-sync/client/transport"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

type fakeConn struct {
	mx      sync.Mutex
	written []model.Frame
	in      chan model.Frame
	closed  chan struct{}
	once    sync.Once
	reject  bool
}

func (c *fakeConn) ReadFrame(ctx context.Context) (model.Frame, error) {
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
			c.in <- model.Frame{Command: model.CommandError, Headers: map[string]string{"message": "denied"}}
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

func (c *fakeConn) sends(destination string) []model.Frame {
	c.mx.Lock()
	defer c.mx.Unlock()
	var out []model.Frame
	for _, f := range c.written {
		if f.Command == model.CommandSend && f.Destination == destination {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) count(command string) int {
	c.mx.Lock()
	defer c.mx.Unlock()
	var n int
	for _, f := range c.written {
		if f.Command == command {
			n++
		}
	}
	return n
}

// push delivers an event to topic as the bus would.
func (c *fakeConn) push(topic string, body string) {
	c.in <- model.Frame{Command: model.CommandMessage, Destination: topic, Body: []byte(body)}
}

type fakeDialer struct {
	mx     sync.Mutex
	reject bool
	conns  []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (transport.Conn, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	c := &fakeConn{in: make(chan model.Frame, 16), closed: make(chan struct{}), reject: d.reject}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mx.Lock()
	defer d.mx.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mx.Lock()
	defer d.mx.Unlock()
	return d.conns[i]
}

type fakeAPI struct {
	mx           sync.Mutex
	roomErr      error
	roster       []model.Participant
	rosterCalls  int
	problemDates []string
}

func (a *fakeAPI) Room(_ context.Context, roomID int64) (api.RoomDetail, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	if a.roomErr != nil {
		return api.RoomDetail{}, a.roomErr
	}
	return api.RoomDetail{ID: roomID, Title: "Graphs", InviteCode: "X1"}, nil
}

func (a *fakeAPI) Participants(_ context.Context, _ int64) ([]model.Participant, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.rosterCalls++
	return append([]model.Participant(nil), a.roster...), nil
}

func (a *fakeAPI) History(_ context.Context, _ int64, _, _ int) (api.ChatPage, error) {
	return api.ChatPage{Messages: []model.ChatMessage{{ID: "2", Content: "b"}, {ID: "1", Content: "a"}}}, nil
}

func (a *fakeAPI) Problems(_ context.Context, _ int64, date string) ([]model.Problem, error) {
	a.mx.Lock()
	defer a.mx.Unlock()
	a.problemDates = append(a.problemDates, date)
	return []model.Problem{{StudyProblemID: 1, ProblemID: 1000, Title: "A+B"}}, nil
}

func (a *fakeAPI) Submissions(_ context.Context, _, problemID int64) ([]api.SuccessfulSubmission, error) {
	if problemID != 1000 {
		return nil, nil
	}
	return []api.SuccessfulSubmission{{SubmissionID: 70, UserID: 2, Nickname: "ann", Language: "go", Memory: 512, ExecutionTime: 3}}, nil
}

func (a *fakeAPI) Submission(_ context.Context, submissionID int64) (api.SubmissionDetail, error) {
	return api.SubmissionDetail{SubmissionID: submissionID, Code: "package main", Language: "go"}, nil
}

func (a *fakeAPI) setRoster(ps []model.Participant) {
	a.mx.Lock()
	a.roster = ps
	a.mx.Unlock()
}

func (a *fakeAPI) calls() int {
	a.mx.Lock()
	defer a.mx.Unlock()
	return a.rosterCalls
}

type fixture struct {
	svc    *Service
	dialer *fakeDialer
	api    *fakeAPI
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zerolog.Nop()
	f := &fixture{
		dialer: &fakeDialer{},
		api: &fakeAPI{roster: []model.Participant{
			{ID: 1, Nickname: "me", IsOnline: true},
			{ID: 2, Nickname: "ann", IsOnline: true},
			{ID: 3, Nickname: "bob", IsOwner: true, IsOnline: true},
		}},
	}
	f.svc = NewService(Config{
		Logger:    &logger,
		Dialer:    f.dialer,
		API:       f.api,
		AfterFunc: timertest.NewManual().AfterFunc,
		Now:       func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) },
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_ = f.svc.Stop(ctx)
	})
	return f
}

func testIdentity() transport.Identity {
	return transport.Identity{SocketURL: "ws://bus", RoomID: 10, UserID: 1}
}

// start joins the room and waits until the enter announcement went out.
func (f *fixture) start(t *testing.T) *fakeConn {
	t.Helper()
	require.NoError(t, f.svc.Start(context.Background(), testIdentity()))
	require.Eventually(t, func() bool {
		return f.dialer.dials() == 1 && len(f.dialer.conn(0).sends(model.DestEnter)) == 1
	}, waitFor, tick)
	return f.dialer.conn(0)
}

func TestStartJoinsRoom(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	assert.Equal(t, 11, conn.count(model.CommandSubscribe))
	var ref model.RoomRef
	require.NoError(t, json.Unmarshal(conn.sends(model.DestEnter)[0].Body, &ref))
	assert.Equal(t, int64(10), ref.StudyID)

	snap := f.svc.Snapshot()
	assert.True(t, snap.Connected)
	assert.Equal(t, "Graphs", snap.Room.Title)
	assert.Equal(t, int64(10), snap.Room.RoomID)
	assert.Equal(t, int64(1), snap.CurrentUserID)
	assert.Len(t, snap.Participants, 3)
	assert.Len(t, snap.Problems, 1)
	assert.Equal(t, "2026-10-18", snap.CurrentDate)
	assert.Len(t, f.svc.Chat().Messages(), 2)

	// starting the same identity again does not reconnect
	require.NoError(t, f.svc.Start(context.Background(), testIdentity()))
	assert.Equal(t, 1, f.dialer.dials())
}

func TestKickedSessionIsTerminal(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.push(model.RoomTopic(10), `{"type":"KICK","data":1}`)
	require.Eventually(t, conn.isClosed, waitFor, tick)
	require.Eventually(t, func() bool { return !f.svc.Snapshot().Connected }, waitFor, tick)

	assert.Equal(t, model.TerminatedKicked, f.svc.Store().Terminated())
	assert.ErrorIs(t, f.svc.Start(context.Background(), testIdentity()), ErrTerminated)
	assert.Equal(t, 1, f.dialer.dials())
}

func TestRoomDeleted(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.push(model.RoomTopic(10), `{"type":"DELETE"}`)
	require.Eventually(t, conn.isClosed, waitFor, tick)
	assert.Equal(t, model.TerminatedDeleted, f.svc.Store().Terminated())
}

func TestKickOtherRemovesParticipant(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	f.svc.Store().TakeNotices()

	conn.push(model.RoomTopic(10), `{"type":"KICK","data":2}`)
	require.Eventually(t, func() bool { return len(f.svc.Snapshot().Participants) == 2 }, waitFor, tick)
	assert.Empty(t, f.svc.Store().Terminated())
	assert.False(t, conn.isClosed())
	assert.Equal(t, []string{"ann was removed from the room."}, noticeTexts(f.svc.Store().TakeNotices()))
}

func noticeTexts(ns []model.Notice) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.Text)
	}
	return out
}

func TestEnterAnnouncesParticipant(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	f.svc.Store().TakeNotices()

	f.api.setRoster([]model.Participant{
		{ID: 1, Nickname: "me", IsOnline: true},
		{ID: 2, Nickname: "ann", IsOnline: true},
		{ID: 3, Nickname: "bob", IsOwner: true, IsOnline: true},
		{ID: 4, Nickname: "dan", IsOnline: true},
	})
	conn.push(model.RoomTopic(10), `{"type":"ENTER","data":4}`)
	conn.push(model.RoomTopic(10), `{"type":"ENTER","data":1}`)

	var texts []string
	require.Eventually(t, func() bool {
		texts = append(texts, noticeTexts(f.svc.Store().TakeNotices())...)
		_, ok := f.svc.Store().Participant(4)
		return ok && len(texts) > 0 && f.api.calls() >= 3
	}, waitFor, tick)
	assert.Equal(t, []string{"dan entered the room."}, texts)
}

func TestViewSubmission(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	_, err := f.svc.Submissions(context.Background())
	assert.Error(t, err)

	f.svc.Store().SetSelectedProblem(&model.SelectedProblem{ProblemID: 1000, Title: "A+B"})
	list, err := f.svc.Submissions(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, f.svc.ViewSubmission(context.Background(), 70))
	v := f.svc.Snapshot().View
	assert.Equal(t, model.ViewSplitSaved, v.Mode)
	require.NotNil(t, v.Target)
	assert.Equal(t, model.TargetSubmission{
		ID:            70,
		ProblemTitle:  "A+B",
		Username:      "ann",
		Language:      "go",
		Memory:        512,
		ExecutionTime: 3,
		Code:          "package main",
	}, *v.Target)
}

func TestForbiddenJoin(t *testing.T) {
	f := newFixture(t)
	f.api.roomErr = fmt.Errorf("%w: not a member", api.ErrForbidden)

	err := f.svc.Start(context.Background(), testIdentity())
	assert.ErrorIs(t, err, ErrJoin)
	assert.ErrorIs(t, err, api.ErrForbidden)
	assert.Equal(t, model.TerminatedForbidden, f.svc.Store().Terminated())
	assert.Equal(t, 0, f.dialer.dials())
}

func TestRejectedHandshakeTerminates(t *testing.T) {
	f := newFixture(t)
	f.dialer.reject = true

	require.NoError(t, f.svc.Start(context.Background(), testIdentity()))
	require.Eventually(t, func() bool {
		return f.svc.Store().Terminated() == model.TerminatedForbidden
	}, waitFor, tick)
	assert.Equal(t, 1, f.dialer.dials())
}

func TestStatusEvents(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	callsBefore := f.api.calls()

	conn.push(model.RoomTopic(10), `{"type":"STATUS","data":{"userId":2,"isMuted":true,"isVideoOff":true}}`)
	require.Eventually(t, func() bool {
		p, _ := f.svc.Store().Participant(2)
		return p.IsMuted && p.IsVideoOff
	}, waitFor, tick)

	// status of someone not in the roster yet refreshes it
	f.api.setRoster([]model.Participant{
		{ID: 1, Nickname: "me", IsOnline: true},
		{ID: 2, Nickname: "ann", IsOnline: true},
		{ID: 3, Nickname: "bob", IsOwner: true, IsOnline: true},
		{ID: 4, Nickname: "dan", IsOnline: true},
	})
	conn.push(model.RoomTopic(10), `{"type":"STATUS","data":{"userId":4,"isMuted":true}}`)
	require.Eventually(t, func() bool {
		_, ok := f.svc.Store().Participant(4)
		return ok
	}, waitFor, tick)
	assert.Equal(t, callsBefore+1, f.api.calls())
}

func TestLeaveMovesViewOffPeer(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	store := f.svc.Store()

	store.SetSelectedProblem(&model.SelectedProblem{ProblemID: 1000})
	require.NoError(t, f.svc.ViewPeer(context.Background(), 2))
	require.Eventually(t, func() bool { return len(conn.sends(model.DestRequestCode)) == 1 }, waitFor, tick)

	conn.push(model.CodeChangeTopic(10), `{"roomId":10,"userId":2,"problemId":1000,"code":"print(2)"}`)
	require.Eventually(t, func() bool {
		_, _, ok := f.svc.Code().LastPeerCode(2)
		return ok
	}, waitFor, tick)

	f.api.setRoster([]model.Participant{
		{ID: 1, Nickname: "me", IsOnline: true},
		{ID: 2, Nickname: "ann"},
		{ID: 3, Nickname: "bob", IsOwner: true, IsOnline: true},
	})
	conn.push(model.RoomTopic(10), `{"type":"LEAVE","data":2}`)
	require.Eventually(t, func() bool { return store.View().Mode == model.ViewSplitSaved }, waitFor, tick)
	assert.Equal(t, "print(2)", store.View().Target.Code)
}

func TestMuteAll(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	conn.push(model.RoomTopic(10), `{"type":"MUTE_ALL","data":3}`)
	require.Eventually(t, func() bool { return len(conn.sends(model.DestStatus)) == 1 }, waitFor, tick)

	var st model.StatusUpdate
	require.NoError(t, json.Unmarshal(conn.sends(model.DestStatus)[0].Body, &st))
	assert.Equal(t, model.StatusUpdate{StudyID: 10, IsMuted: true}, st)
	assert.True(t, f.svc.Store().LocalMedia().IsMuted)
	me, _ := f.svc.Store().CurrentUser()
	assert.True(t, me.IsMuted)
}

func TestOwnerOnlyActions(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.svc.Kick(ctx, 2), ErrNotOwner)
	assert.ErrorIs(t, f.svc.Delegate(ctx, 2), ErrNotOwner)
	assert.ErrorIs(t, f.svc.DeleteRoom(ctx), ErrNotOwner)
	assert.ErrorIs(t, f.svc.UpdateInfo(ctx, "t", "d"), ErrNotOwner)
	assert.ErrorIs(t, f.svc.MuteAll(ctx), ErrNotOwner)
}

func TestRoomBroadcasts(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)
	store := f.svc.Store()

	conn.push(model.RoomTopic(10), `{"type":"INFO","data":{"title":"Trees","description":"dfs"}}`)
	conn.push(model.RoomTopic(10), `{"type":"CURRICULUM","data":{"date":"2026-10-19"}}`)
	conn.push(model.WatchersTopic(10, 1), `{"type":"WATCHERS","data":{"count":1,"viewers":["ann"]}}`)
	conn.push(model.ErrorTopic(10, 1), `{"error":"slow down"}`)
	conn.push(model.RoomTopic(10), `{"type":"SOMETHING_NEW"}`)
	conn.push(model.VideoTokenTopic(10, 1), `{"type":"VIDEO_TOKEN","data":"tok"}`)

	require.Eventually(t, func() bool { return store.Snapshot().VideoToken == "tok" }, waitFor, tick)
	snap := store.Snapshot()
	assert.Equal(t, "Trees", snap.Room.Title)
	assert.Equal(t, "X1", snap.Room.InviteCode)
	assert.Equal(t, "2026-10-19", snap.CurrentDate)
	assert.Equal(t, model.Watchers{Count: 1, Viewers: []string{"ann"}}, snap.Watchers)

	var texts []string
	for _, n := range snap.Notices {
		texts = append(texts, n.Text)
	}
	assert.Contains(t, texts, "Room information was updated.")
	assert.Contains(t, texts, "slow down")

	f.api.mx.Lock()
	dates := append([]string(nil), f.api.problemDates...)
	f.api.mx.Unlock()
	assert.Equal(t, []string{"2026-10-18", "2026-10-19"}, dates)
}

func TestStopLeaves(t *testing.T) {
	f := newFixture(t)
	conn := f.start(t)

	require.NoError(t, f.svc.Stop(context.Background()))
	assert.Len(t, conn.sends(model.DestLeave), 1)
	assert.True(t, conn.isClosed())
	assert.False(t, f.svc.Snapshot().Connected)
	assert.ErrorIs(t, f.svc.Quit(context.Background()), ErrAction)
}
