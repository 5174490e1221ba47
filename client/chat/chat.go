package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/adwski/studyroom-sync/client/api"
	"github.com/adwski/studyroom-sync/client/metrics"
	"github.com/adwski/studyroom-sync/client/model"
	"github.com/adwski/studyroom-sync/client/timer"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultLoadDebounce = 200 * time.Millisecond
	DefaultTopThreshold = 50.0
	NearBottomThreshold = 32.0
)

var (
	ErrEmpty    = errors.New("message is empty")
	ErrNoRoom   = errors.New("room is not set")
	ErrBadFrame = errors.New("malformed chat frame")
	ErrPublish  = errors.New("unable to publish chat message")
	ErrHistory  = errors.New("unable to load chat history")
)

type (
	History interface {
		History(ctx context.Context, roomID int64, page, size int) (api.ChatPage, error)
	}

	Publisher interface {
		Publish(ctx context.Context, destination string, body any) error
	}

	Store interface {
		RoomID() int64
		CurrentUserID() int64
		View() model.ViewState
		TakePendingCodeShare() (model.PendingCodeShare, bool)
		SetPendingCodeShare(p *model.PendingCodeShare)
	}

	// Viewport is the scrollable message list as rendered by the UI.
	Viewport interface {
		ScrollTop() float64
		ScrollHeight() float64
		ClientHeight() float64
		SetScrollTop(top float64)
	}

	Config struct {
		Logger       *zerolog.Logger
		History      History
		Publisher    Publisher
		Store        Store
		Viewport     Viewport
		PageSize     int
		TopThreshold float64
		Debounce     time.Duration
		AfterFunc    timer.AfterFunc
	}

	scrollKind int

	anchor struct {
		top    float64
		height float64
	}

	// Controller merges paginated history with live messages and keeps the
	// viewport anchored while older pages are prepended.
	Controller struct {
		logger    zerolog.Logger
		history   History
		pub       Publisher
		store     Store
		viewport  Viewport
		pageSize  int
		threshold float64
		debouncer *timer.Debouncer

		mx       *sync.Mutex
		loadCtx  context.Context
		epoch    uint64
		messages []model.ChatMessage
		seen     map[model.FlexID]struct{}
		nextPage int
		hasMore  bool
		loading  bool
		scroll   scrollKind
		anchor   anchor
	}
)

const (
	scrollNone scrollKind = iota
	scrollAnchor
	scrollBottom
)

// AnchoredScrollTop keeps the first visible message in place after content of
// height newHeight-oldHeight was inserted above it.
func AnchoredScrollTop(oldTop, oldHeight, newHeight float64) float64 {
	return oldTop + (newHeight - oldHeight)
}

// NearBottom reports whether the viewport bottom is within threshold of the
// end of the content.
func NearBottom(top, scrollHeight, clientHeight, threshold float64) bool {
	return scrollHeight-top-clientHeight <= threshold
}

func NewController(cfg Config) *Controller {
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = api.DefaultHistorySize
	}
	threshold := cfg.TopThreshold
	if threshold <= 0 {
		threshold = DefaultTopThreshold
	}
	delay := cfg.Debounce
	if delay <= 0 {
		delay = DefaultLoadDebounce
	}
	c := &Controller{
		logger:    cfg.Logger.With().Str("component", "chat").Logger(),
		history:   cfg.History,
		pub:       cfg.Publisher,
		store:     cfg.Store,
		viewport:  cfg.Viewport,
		pageSize:  pageSize,
		threshold: threshold,
		mx:        &sync.Mutex{},
		loadCtx:   context.Background(),
		seen:      make(map[model.FlexID]struct{}),
	}
	c.debouncer = timer.NewDebouncer(delay, cfg.AfterFunc, func() {
		c.mx.Lock()
		ctx := c.loadCtx
		c.mx.Unlock()
		if err := c.LoadOlder(ctx); err != nil {
			c.logger.Error().Err(err).Msg("failed to load older messages")
		}
	})
	return c
}

// LoadInitial replaces the message list with the newest history page. Live
// messages received while the page is loading are kept after it. ctx also
// bounds later debounced loads.
func (c *Controller) LoadInitial(ctx context.Context) error {
	roomID := c.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}
	c.debouncer.Stop()

	c.mx.Lock()
	c.epoch++
	epoch := c.epoch
	c.loadCtx = ctx
	c.messages = nil
	c.seen = make(map[model.FlexID]struct{})
	c.nextPage = 0
	c.hasMore = false
	c.loading = true
	c.scroll = scrollNone
	c.mx.Unlock()

	page, err := c.history.History(ctx, roomID, 0, c.pageSize)

	c.mx.Lock()
	defer c.mx.Unlock()
	if epoch != c.epoch {
		return nil
	}
	c.loading = false
	if err != nil {
		return errors.Join(ErrHistory, err)
	}
	metrics.ChatPagesLoaded.Inc()
	// live messages that arrived during the fetch are newer than the page
	c.messages = append(c.dedupe(chronological(page.Messages)), c.messages...)
	c.nextPage = 1
	c.hasMore = page.HasMore
	c.scroll = scrollBottom
	return nil
}

// OnScroll is called on every viewport scroll. Reaching the top threshold
// schedules a debounced load of the previous page.
func (c *Controller) OnScroll() {
	if c.viewport == nil || c.viewport.ScrollTop() > c.threshold {
		return
	}
	c.mx.Lock()
	ready := c.hasMore && !c.loading
	c.mx.Unlock()
	if ready {
		c.debouncer.Trigger()
	}
}

// LoadOlder prepends the next older page. It does nothing while another load
// is in flight or when history is exhausted.
func (c *Controller) LoadOlder(ctx context.Context) error {
	roomID := c.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}

	c.mx.Lock()
	if c.loading || !c.hasMore {
		c.mx.Unlock()
		return nil
	}
	c.loading = true
	epoch := c.epoch
	page := c.nextPage
	if c.viewport != nil {
		c.anchor = anchor{top: c.viewport.ScrollTop(), height: c.viewport.ScrollHeight()}
	}
	c.mx.Unlock()

	resp, err := c.history.History(ctx, roomID, page, c.pageSize)

	c.mx.Lock()
	defer c.mx.Unlock()
	if epoch != c.epoch {
		return nil
	}
	c.loading = false
	if err != nil {
		return errors.Join(ErrHistory, err)
	}
	metrics.ChatPagesLoaded.Inc()

	older := c.dedupe(chronological(resp.Messages))
	c.messages = append(older, c.messages...)
	c.nextPage = page + 1
	c.hasMore = resp.HasMore
	if len(older) > 0 {
		c.scroll = scrollAnchor
	}
	c.logger.Debug().Int("page", page).Int("messages", len(older)).Msg("older history loaded")
	return nil
}

// Rendered applies the scroll adjustment owed by the last list change. The
// UI calls it once the new content has been laid out.
func (c *Controller) Rendered() {
	c.mx.Lock()
	kind, a := c.scroll, c.anchor
	c.scroll = scrollNone
	c.mx.Unlock()

	if c.viewport == nil {
		return
	}
	switch kind {
	case scrollAnchor:
		c.viewport.SetScrollTop(AnchoredScrollTop(a.top, a.height, c.viewport.ScrollHeight()))
	case scrollBottom:
		c.viewport.SetScrollTop(c.viewport.ScrollHeight())
	}
}

// HandleLive appends a pushed message. The view follows it only if it was
// already near the bottom.
func (c *Controller) HandleLive(_ context.Context, frame model.Frame) error {
	msg, err := model.DecodeChat(frame.Body)
	if err != nil {
		return errors.Join(ErrBadFrame, err)
	}
	if msg.ID == "" {
		msg.ID = model.FlexID(uuid.NewString())
	}

	follow := c.viewport == nil || NearBottom(
		c.viewport.ScrollTop(), c.viewport.ScrollHeight(), c.viewport.ClientHeight(), NearBottomThreshold)

	c.mx.Lock()
	defer c.mx.Unlock()
	if _, dup := c.seen[msg.ID]; dup {
		return nil
	}
	c.seen[msg.ID] = struct{}{}
	c.messages = append(c.messages, msg)
	if follow && c.scroll == scrollNone {
		c.scroll = scrollBottom
	}
	return nil
}

// Send publishes a chat message. A staged code share is consumed by the send
// whether or not the publish succeeds.
func (c *Controller) Send(ctx context.Context, content string, parentID model.FlexID) error {
	roomID := c.store.RoomID()
	if roomID == 0 {
		return ErrNoRoom
	}
	content = strings.TrimSpace(content)

	out := model.OutgoingChat{
		Content:  content,
		Type:     model.ChatTalk,
		ParentID: parentID,
	}
	if share, ok := c.store.TakePendingCodeShare(); ok {
		out.Type = model.ChatCode
		out.Metadata = c.metadata(share)
	} else if content == "" {
		return ErrEmpty
	}

	if err := c.pub.Publish(ctx, model.DestChat, out); err != nil {
		return errors.Join(ErrPublish, err)
	}
	return nil
}

func (c *Controller) metadata(share model.PendingCodeShare) *model.CodeMetadata {
	md := &model.CodeMetadata{
		IsRefChat:    true,
		IsRealtime:   share.IsRealtime,
		ProblemID:    share.ProblemID,
		Code:         share.Code,
		Language:     share.Language,
		ProblemTitle: share.ProblemTitle,
		OwnerName:    share.OwnerName,
		ExternalID:   share.ExternalID,
	}
	if share.IsRealtime {
		if v := c.store.View(); v.ViewingUser != nil {
			md.TargetUserID = v.ViewingUser.ID
		} else {
			md.TargetUserID = c.store.CurrentUserID()
		}
	}
	return md
}

func (c *Controller) CancelShare() {
	c.store.SetPendingCodeShare(nil)
}

func (c *Controller) Messages() []model.ChatMessage {
	c.mx.Lock()
	defer c.mx.Unlock()
	return append([]model.ChatMessage(nil), c.messages...)
}

func (c *Controller) HasMore() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.hasMore
}

func (c *Controller) Stop() {
	c.debouncer.Stop()
}

// dedupe must be called with c.mx held.
func (c *Controller) dedupe(msgs []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = model.FlexID(uuid.NewString())
		}
		if _, dup := c.seen[m.ID]; dup {
			continue
		}
		c.seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

// chronological reverses a newest-first page.
func chronological(page []model.ChatMessage) []model.ChatMessage {
	out := make([]model.ChatMessage, len(page))
	for i, m := range page {
		out[len(page)-1-i] = m
	}
	return out
}
