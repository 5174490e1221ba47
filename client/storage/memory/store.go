package memory

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/oklog/ulid/v2"
)

const (
	defaultWatchBuffer = 16
)

var (
	ErrParticipantNotFound = errors.New("participant is not found")
	ErrInvalidView         = errors.New("invalid view state")
)

type ChangeKind string

const (
	ChangeRoom         ChangeKind = "room"
	ChangeParticipants ChangeKind = "participants"
	ChangeView         ChangeKind = "view"
	ChangeProblem      ChangeKind = "problem"
	ChangeProblems     ChangeKind = "problems"
	ChangePendingShare ChangeKind = "pending-share"
	ChangeWhiteboard   ChangeKind = "whiteboard"
	ChangeRestore      ChangeKind = "restore"
	ChangeMedia        ChangeKind = "media"
	ChangeConnection   ChangeKind = "connection"
	ChangeNotice       ChangeKind = "notice"
	ChangeTerminated   ChangeKind = "terminated"
)

// Change tells watchers what part of the state moved. Watchers read the new
// state through Snapshot.
type Change struct {
	Kind ChangeKind
	Seq  uint64
}

// Snapshot is a detached copy of the room state.
type Snapshot struct {
	Room          model.RoomInfo          `json:"room"`
	CurrentDate   string                  `json:"currentDate"`
	CurrentUserID int64                   `json:"currentUserId"`
	Participants  []model.Participant     `json:"participants"`
	View          model.ViewState         `json:"view"`
	Selected      *model.SelectedProblem  `json:"selectedProblem"`
	Problems      []model.Problem         `json:"problems"`
	PendingShare  *model.PendingCodeShare `json:"pendingCodeShare"`
	Whiteboard    model.Whiteboard        `json:"whiteboard"`
	Restore       *model.Restore          `json:"restore"`
	LocalMedia    model.LocalMedia        `json:"localMedia"`
	VideoToken    string                  `json:"-"`
	Watchers      model.Watchers          `json:"watchers"`
	Connected     bool                    `json:"connected"`
	Terminated    string                  `json:"terminated,omitempty"`
	Notices       []model.Notice          `json:"notices"`
	Seq           uint64                  `json:"seq"`
}

type state struct {
	room           model.RoomInfo
	currentDate    string
	currentUserID  int64
	participants   []model.Participant
	view           model.ViewState
	selected       *model.SelectedProblem
	problems       []model.Problem
	pendingShare   *model.PendingCodeShare
	whiteboard     model.Whiteboard
	restore        *model.Restore
	restoreVersion uint64
	localMedia     model.LocalMedia
	videoToken     string
	watchers       model.Watchers
	connected      bool
	terminated     string
	notices        []model.Notice
}

func initialState() state {
	return state{
		view:     model.OnlyMine(),
		watchers: model.Watchers{Viewers: []string{}},
	}
}

// Store is the single mutable source of truth for the room UI. Every mutation
// goes through a setter; none of them performs I/O.
type Store struct {
	mx       *sync.Mutex
	st       state
	seq      uint64
	watchers map[int]chan Change
	nextW    int
	now      func() time.Time
}

func NewStore() *Store {
	return &Store{
		mx:       &sync.Mutex{},
		st:       initialState(),
		watchers: make(map[int]chan Change),
		now:      time.Now,
	}
}

// Watch registers a change listener. Changes are coalesced when the listener
// falls behind; the returned func unregisters it and closes the channel.
func (s *Store) Watch() (<-chan Change, func()) {
	s.mx.Lock()
	defer s.mx.Unlock()

	id := s.nextW
	s.nextW++
	ch := make(chan Change, defaultWatchBuffer)
	s.watchers[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mx.Lock()
			delete(s.watchers, id)
			s.mx.Unlock()
			close(ch)
		})
	}
}

// notify must be called with s.mx held.
func (s *Store) notify(kind ChangeKind) {
	s.seq++
	c := Change{Kind: kind, Seq: s.seq}
	for _, ch := range s.watchers {
		select {
		case ch <- c:
		default:
		}
	}
}

func (s *Store) Reset() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st = initialState()
	s.notify(ChangeRoom)
}

func (s *Store) SetRoomInfo(info model.RoomInfo) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if info.RoomID == 0 {
		info.RoomID = s.st.room.RoomID
	}
	if info.InviteCode == "" {
		info.InviteCode = s.st.room.InviteCode
	}
	s.st.room = info
	s.notify(ChangeRoom)
}

func (s *Store) SetCurrentDate(date string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.currentDate = date
	s.notify(ChangeRoom)
}

func (s *Store) CurrentDate() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.currentDate
}

func (s *Store) Room() model.RoomInfo {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.room
}

func (s *Store) SetCurrentUser(userID int64) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.currentUserID = userID
	s.notify(ChangeParticipants)
}

func (s *Store) CurrentUserID() int64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.currentUserID
}

func (s *Store) RoomID() int64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.room.RoomID
}

// SetParticipants replaces the roster. Duplicate ids collapse into the first
// position with the last value.
func (s *Store) SetParticipants(ps []model.Participant) {
	s.mx.Lock()
	defer s.mx.Unlock()

	out := make([]model.Participant, 0, len(ps))
	pos := make(map[int64]int, len(ps))
	for _, p := range ps {
		if i, ok := pos[p.ID]; ok {
			out[i] = p
			continue
		}
		pos[p.ID] = len(out)
		out = append(out, p)
	}
	s.st.participants = out
	s.notify(ChangeParticipants)
}

func (s *Store) UpsertParticipant(p model.Participant) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if i := s.indexOf(p.ID); i >= 0 {
		s.st.participants[i] = p
	} else {
		s.st.participants = append(s.st.participants, p)
	}
	s.notify(ChangeParticipants)
}

func (s *Store) RemoveParticipant(id int64) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.st.participants = append(s.st.participants[:i], s.st.participants[i+1:]...)
	s.notify(ChangeParticipants)
	return true
}

// UpdateParticipant applies patch in place. It reports ErrParticipantNotFound
// for unknown ids; an update that changes nothing does not notify.
func (s *Store) UpdateParticipant(id int64, patch model.ParticipantPatch) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return ErrParticipantNotFound
	}
	if patch.Apply(&s.st.participants[i]) {
		s.notify(ChangeParticipants)
	}
	return nil
}

func (s *Store) MarkSpeaking(id int64, at time.Time) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if i := s.indexOf(id); i >= 0 {
		s.st.participants[i].LastSpeakingAt = at.UnixMilli()
		s.notify(ChangeParticipants)
	}
}

func (s *Store) Participant(id int64) (model.Participant, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.st.participants[i], true
	}
	return model.Participant{}, false
}

func (s *Store) Participants() []model.Participant {
	s.mx.Lock()
	defer s.mx.Unlock()
	return append([]model.Participant(nil), s.st.participants...)
}

func (s *Store) indexOf(id int64) int {
	for i := range s.st.participants {
		if s.st.participants[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) SetView(v model.ViewState) error {
	if !v.Valid() {
		return ErrInvalidView
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.view = copyView(v)
	s.notify(ChangeView)
	return nil
}

func (s *Store) View() model.ViewState {
	s.mx.Lock()
	defer s.mx.Unlock()
	return copyView(s.st.view)
}

func copyView(v model.ViewState) model.ViewState {
	if v.ViewingUser != nil {
		p := *v.ViewingUser
		v.ViewingUser = &p
	}
	if v.Target != nil {
		t := *v.Target
		v.Target = &t
	}
	return v
}

func (s *Store) SetSelectedProblem(p *model.SelectedProblem) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p != nil {
		cp := *p
		p = &cp
	}
	s.st.selected = p
	s.notify(ChangeProblem)
}

func (s *Store) SelectedProblem() (model.SelectedProblem, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.st.selected == nil {
		return model.SelectedProblem{}, false
	}
	return *s.st.selected, true
}

func (s *Store) SetProblems(ps []model.Problem) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.problems = append([]model.Problem(nil), ps...)
	s.notify(ChangeProblems)
}

func (s *Store) SetPendingCodeShare(p *model.PendingCodeShare) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if p != nil {
		cp := *p
		p = &cp
	}
	s.st.pendingShare = p
	s.notify(ChangePendingShare)
}

// TakePendingCodeShare returns the staged share and clears it atomically, so a
// share is consumed at most once.
func (s *Store) TakePendingCodeShare() (model.PendingCodeShare, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.st.pendingShare == nil {
		return model.PendingCodeShare{}, false
	}
	p := *s.st.pendingShare
	s.st.pendingShare = nil
	s.notify(ChangePendingShare)
	return p, true
}

func (s *Store) OpenWhiteboard(by *model.Participant, message string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if by != nil {
		cp := *by
		by = &cp
	}
	s.st.whiteboard = model.Whiteboard{Active: true, OpenedBy: by, Message: message}
	s.notify(ChangeWhiteboard)
}

func (s *Store) CloseWhiteboard() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.whiteboard = model.Whiteboard{}
	s.notify(ChangeWhiteboard)
}

// SetRestore records a server restore and stamps it with the next version.
func (s *Store) SetRestore(code *string, language string, problemID int64) uint64 {
	s.mx.Lock()
	defer s.mx.Unlock()
	if code != nil {
		c := *code
		code = &c
	}
	s.st.restoreVersion++
	s.st.restore = &model.Restore{
		Code:      code,
		Language:  language,
		ProblemID: problemID,
		Version:   s.st.restoreVersion,
	}
	s.notify(ChangeRestore)
	return s.st.restoreVersion
}

func (s *Store) SetVideoToken(token string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.videoToken = token
	s.notify(ChangeMedia)
}

func (s *Store) SetWatchers(w model.Watchers) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if w.Viewers == nil {
		w.Viewers = []string{}
	}
	s.st.watchers = w
	s.notify(ChangeMedia)
}

// SetLocalMedia records the local device state. It is the only writer of the
// local user's mute/video flags.
func (s *Store) SetLocalMedia(m model.LocalMedia) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.st.localMedia = m
	if i := s.indexOf(s.st.currentUserID); i >= 0 {
		s.st.participants[i].IsMuted = m.IsMuted
		s.st.participants[i].IsVideoOff = m.IsVideoOff
	}
	s.notify(ChangeMedia)
}

func (s *Store) LocalMedia() model.LocalMedia {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.localMedia
}

func (s *Store) SetConnected(connected bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.st.connected == connected {
		return
	}
	s.st.connected = connected
	s.notify(ChangeConnection)
}

// Terminate marks the session as ended for good. The first reason wins.
func (s *Store) Terminate(reason string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.st.terminated != "" {
		return false
	}
	s.st.terminated = reason
	s.st.connected = false
	s.notify(ChangeTerminated)
	return true
}

func (s *Store) Terminated() string {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.st.terminated
}

func (s *Store) AddNotice(level model.NoticeLevel, text string) model.Notice {
	s.mx.Lock()
	defer s.mx.Unlock()
	n := model.Notice{
		ID:    ulid.Make().String(),
		Level: level,
		Text:  text,
		At:    s.now(),
	}
	s.st.notices = append(s.st.notices, n)
	s.notify(ChangeNotice)
	return n
}

// TakeNotices drains pending notices in the order they were raised.
func (s *Store) TakeNotices() []model.Notice {
	s.mx.Lock()
	defer s.mx.Unlock()
	out := s.st.notices
	s.st.notices = nil
	return out
}

func (s *Store) Snapshot() Snapshot {
	s.mx.Lock()
	defer s.mx.Unlock()

	st := &s.st
	snap := Snapshot{
		Room:          st.room,
		CurrentDate:   st.currentDate,
		CurrentUserID: st.currentUserID,
		Participants:  append([]model.Participant{}, st.participants...),
		View:          copyView(st.view),
		Problems:      append([]model.Problem{}, st.problems...),
		Whiteboard:    st.whiteboard,
		LocalMedia:    st.localMedia,
		VideoToken:    st.videoToken,
		Watchers:      model.Watchers{Count: st.watchers.Count, Viewers: append([]string{}, st.watchers.Viewers...)},
		Connected:     st.connected,
		Terminated:    st.terminated,
		Notices:       append([]model.Notice{}, st.notices...),
		Seq:           s.seq,
	}
	if st.selected != nil {
		sel := *st.selected
		snap.Selected = &sel
	}
	if st.pendingShare != nil {
		p := *st.pendingShare
		snap.PendingShare = &p
	}
	if st.restore != nil {
		r := *st.restore
		snap.Restore = &r
	}
	return snap
}

// SortedParticipants puts the local user first, then the most recent
// speakers.
func (s *Store) SortedParticipants() []model.Participant {
	s.mx.Lock()
	me := s.st.currentUserID
	out := append([]model.Participant(nil), s.st.participants...)
	s.mx.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ID == me {
			return out[j].ID != me
		}
		if out[j].ID == me {
			return false
		}
		return out[i].LastSpeakingAt > out[j].LastSpeakingAt
	})
	return out
}

func (s *Store) CurrentUser() (model.Participant, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if i := s.indexOf(s.st.currentUserID); i >= 0 {
		return s.st.participants[i], true
	}
	return model.Participant{}, false
}

func (s *Store) IsOwner() bool {
	p, ok := s.CurrentUser()
	return ok && p.IsOwner
}

func (s *Store) OnlineCount() int {
	s.mx.Lock()
	defer s.mx.Unlock()
	var n int
	for _, p := range s.st.participants {
		if p.IsOnline {
			n++
		}
	}
	return n
}
