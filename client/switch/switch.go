package _switch

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/adwski/studyroom-sync/client/model"
	"github.com/rs/zerolog"
)

// Handler consumes one MESSAGE frame delivered to a topic.
type Handler func(ctx context.Context, frame model.Frame) error

// Switch routes incoming frames to topic handlers. It keeps the subscription
// table that the transport replays after every reconnect.
type Switch struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	fwd    map[string]map[string]Handler
	seq    uint64
	onDrop func(topic string)
}

func NewSwitch(logger *zerolog.Logger) *Switch {
	return &Switch{
		logger: logger.With().Str("component", "switch").Logger(),
		mx:     &sync.RWMutex{},
		fwd:    make(map[string]map[string]Handler),
	}
}

// OnDrop sets a hook called for frames that reached no handler.
func (sw *Switch) OnDrop(fn func(topic string)) {
	sw.mx.Lock()
	sw.onDrop = fn
	sw.mx.Unlock()
}

// Connect registers h for topic and returns the subscription id. The bool
// reports whether this is the first handler on the topic, meaning the bus
// has to be told about it.
func (sw *Switch) Connect(topic string, h Handler) (string, bool) {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	sw.seq++
	id := subscriptionID(sw.seq)
	handlers, ok := sw.fwd[topic]
	if !ok {
		handlers = make(map[string]Handler)
		sw.fwd[topic] = handlers
	}
	handlers[id] = h

	sw.logger.Debug().
		Str("topic", topic).
		Str("sub", id).
		Msg("handler connected")
	return id, !ok
}

// Disconnect removes one handler. The bool reports whether the topic has no
// handlers left.
func (sw *Switch) Disconnect(topic, id string) bool {
	sw.mx.Lock()
	defer sw.mx.Unlock()

	handlers, ok := sw.fwd[topic]
	if !ok {
		return false
	}
	delete(handlers, id)
	sw.logger.Debug().
		Str("topic", topic).
		Str("sub", id).
		Msg("handler disconnected")
	if len(handlers) == 0 {
		delete(sw.fwd, topic)
		return true
	}
	return false
}

// Topics lists topics that have at least one handler, sorted so that replay
// order is stable.
func (sw *Switch) Topics() []string {
	sw.mx.RLock()
	defer sw.mx.RUnlock()

	out := make([]string, 0, len(sw.fwd))
	for topic := range sw.fwd {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (sw *Switch) Reset() {
	sw.mx.Lock()
	sw.fwd = make(map[string]map[string]Handler)
	sw.mx.Unlock()
}

// Forward hands frame to every handler on its destination. Handler errors are
// logged and never stop delivery to the remaining handlers.
func (sw *Switch) Forward(ctx context.Context, frame model.Frame) bool {
	logger := sw.logger.With().Str("topic", frame.Destination).Logger()

	sw.mx.RLock()
	handlers := make([]Handler, 0, len(sw.fwd[frame.Destination]))
	for _, h := range sw.fwd[frame.Destination] {
		handlers = append(handlers, h)
	}
	onDrop := sw.onDrop
	sw.mx.RUnlock()

	if len(handlers) == 0 {
		logger.Debug().Msg("incoming frame was dropped, nowhere to forward")
		if onDrop != nil {
			onDrop(frame.Destination)
		}
		return false
	}
	for _, h := range handlers {
		if ctx.Err() != nil {
			return false
		}
		if err := h(ctx, frame); err != nil {
			logger.Error().Err(err).Msg("handler failed")
		}
	}
	return true
}

func subscriptionID(seq uint64) string {
	return "sub-" + strconv.FormatUint(seq, 10)
}
