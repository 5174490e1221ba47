package presence

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/timer"
	"github.com/rs/zerolog"
)

const (
	DefaultRefetchInterval = 2 * time.Second
)

var (
	ErrNoRoom = errors.New("room is not set")
	ErrFetch  = errors.New("unable to fetch roster")
)

type (
	// MediaPresence is one entry of the media provider's live roster.
	MediaPresence struct {
		Identity      string
		MicEnabled    bool
		CameraEnabled bool
		Speaking      bool
	}

	RosterFetcher interface {
		Participants(ctx context.Context, roomID int64) ([]model.Participant, error)
	}

	Store interface {
		RoomID() int64
		CurrentUserID() int64
		Participants() []model.Participant
		SetParticipants(ps []model.Participant)
		UpdateParticipant(id int64, patch model.ParticipantPatch) error
		MarkSpeaking(id int64, at time.Time)
	}

	Config struct {
		Logger          *zerolog.Logger
		Store           Store
		Fetcher         RosterFetcher
		RefetchInterval time.Duration
		Now             func() time.Time
	}

	// Reconciler merges the media presence feed with the REST roster. The feed
	// can only promote participants to online; a roster refresh is the only
	// way to take someone offline.
	Reconciler struct {
		logger   zerolog.Logger
		store    Store
		fetcher  RosterFetcher
		throttle *timer.Throttle
		now      func() time.Time

		mx    *sync.Mutex
		epoch uint64
		feed  map[int64]MediaPresence
	}
)

// ParseIdentity extracts the user id from a media identity of the form
// "<userId>" or "<userId>_<suffix>".
func ParseIdentity(identity string) (int64, bool) {
	prefix, _, _ := strings.Cut(identity, "_")
	id, err := strconv.ParseInt(prefix, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func NewReconciler(cfg Config) *Reconciler {
	interval := cfg.RefetchInterval
	if interval <= 0 {
		interval = DefaultRefetchInterval
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Reconciler{
		logger:   cfg.Logger.With().Str("component", "presence").Logger(),
		store:    cfg.Store,
		fetcher:  cfg.Fetcher,
		throttle: timer.NewThrottle(interval, now),
		now:      now,
		mx:       &sync.Mutex{},
		feed:     make(map[int64]MediaPresence),
	}
}

// Apply folds one snapshot of the media feed into the store. An id the store
// does not know about triggers a throttled roster refetch.
func (r *Reconciler) Apply(ctx context.Context, feed []MediaPresence) error {
	me := r.store.CurrentUserID()
	known := make(map[int64]struct{})
	for _, p := range r.store.Participants() {
		known[p.ID] = struct{}{}
	}

	current := make(map[int64]MediaPresence, len(feed))
	var unknown bool
	for _, mp := range feed {
		id, ok := ParseIdentity(mp.Identity)
		if !ok {
			r.logger.Debug().Str("identity", mp.Identity).Msg("ignoring non-user identity")
			continue
		}
		current[id] = mp
		if _, ok = known[id]; !ok {
			unknown = true
			continue
		}
		if err := r.store.UpdateParticipant(id, promotion(mp, id == me)); err != nil {
			r.logger.Debug().Err(err).Int64("userID", id).Msg("participant vanished during apply")
			unknown = true
			continue
		}
		if mp.Speaking {
			r.store.MarkSpeaking(id, r.now())
		}
	}

	r.mx.Lock()
	r.feed = current
	r.mx.Unlock()

	if unknown && r.throttle.Allow() {
		return r.refresh(ctx, "unknown-presence")
	}
	return nil
}

// Refresh refetches the roster unconditionally.
func (r *Reconciler) Refresh(ctx context.Context) error {
	return r.refresh(ctx, "forced")
}

func (r *Reconciler) refresh(ctx context.Context, trigger string) error {
	roomID := r.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}

	r.mx.Lock()
	r.epoch++
	epoch := r.epoch
	r.mx.Unlock()

	metrics.RosterRefetches.WithLabelValues(trigger).Inc()
	roster, err := r.fetcher.Participants(ctx, roomID)
	if err != nil {
		return errors.Join(ErrFetch, err)
	}

	r.mx.Lock()
	defer r.mx.Unlock()
	if epoch != r.epoch {
		r.logger.Debug().Uint64("epoch", epoch).Msg("stale roster discarded")
		metrics.StaleCallbacks.WithLabelValues("presence").Inc()
		return nil
	}

	me := r.store.CurrentUserID()
	prev := make(map[int64]model.Participant)
	for _, p := range r.store.Participants() {
		prev[p.ID] = p
	}

	merged := make([]model.Participant, 0, len(roster))
	for _, member := range roster {
		p := member
		mp, inFeed := r.feed[p.ID]
		p.IsOnline = inFeed || member.IsOnline
		old, hadOld := prev[p.ID]
		switch {
		case p.ID == me && hadOld:
			p.IsMuted = old.IsMuted
			p.IsVideoOff = old.IsVideoOff
		case inFeed && p.ID != me:
			p.IsMuted = !mp.MicEnabled
			p.IsVideoOff = !mp.CameraEnabled
		}
		if hadOld && p.LastSpeakingAt == 0 {
			p.LastSpeakingAt = old.LastSpeakingAt
		}
		merged = append(merged, p)
	}
	r.store.SetParticipants(merged)

	r.logger.Debug().
		Int64("roomID", roomID).
		Int("members", len(merged)).
		Str("trigger", trigger).
		Msg("roster refreshed")
	return nil
}

func promotion(mp MediaPresence, self bool) model.ParticipantPatch {
	patch := model.ParticipantPatch{IsOnline: model.Bool(true)}
	if !self {
		patch.IsMuted = model.Bool(!mp.MicEnabled)
		patch.IsVideoOff = model.Bool(!mp.CameraEnabled)
	}
	return patch
}
