package model

import (
	"encoding/json"
	"fmt"
)

// Event type tags carried in Envelope.Type.
const (
	EventEnter      = "ENTER"
	EventLeave      = "LEAVE"
	EventQuit       = "QUIT"
	EventKick       = "KICK"
	EventDelegate   = "DELEGATE"
	EventDelete     = "DELETE"
	EventInfo       = "INFO"
	EventStatus     = "STATUS"
	EventMuteAll    = "MUTE_ALL"
	EventAdd        = "ADD"
	EventRemove     = "REMOVE"
	EventCurriculum = "CURRICULUM"
	EventError      = "ERROR"
	EventRoomInfo   = "ROOM_INFO"
	EventVideoToken = "VIDEO_TOKEN"
)

// RoomEvent is the closed set of events delivered on the room and private
// topics. DecodeEvent is the only constructor.
type RoomEvent interface {
	EventType() string
}

type (
	EnterEvent struct{ UserID int64 }
	LeaveEvent struct{ UserID int64 }
	QuitEvent  struct{ UserID int64 }
	KickEvent  struct{ UserID int64 }

	DelegateEvent struct{ NewOwnerID int64 }

	DeleteEvent struct{}

	InfoEvent struct {
		Title       string `json:"title"`
		Description string `json:"description"`
	}

	StatusEvent struct {
		UserID     int64 `json:"userId"`
		IsMuted    bool  `json:"isMuted"`
		IsVideoOff bool  `json:"isVideoOff"`
	}

	MuteAllEvent struct{ RequestedBy int64 }

	ProblemAddedEvent   struct{ ProblemID int64 }
	ProblemRemovedEvent struct{ ProblemID int64 }

	CurriculumEvent struct {
		Date string `json:"date"`
	}

	ErrorEvent struct {
		Message string
	}

	RoomInfoEvent struct {
		Info RoomInfo
	}

	VideoTokenEvent struct {
		Token string
	}
)

func (EnterEvent) EventType() string          { return EventEnter }
func (LeaveEvent) EventType() string          { return EventLeave }
func (QuitEvent) EventType() string           { return EventQuit }
func (KickEvent) EventType() string           { return EventKick }
func (DelegateEvent) EventType() string       { return EventDelegate }
func (DeleteEvent) EventType() string         { return EventDelete }
func (InfoEvent) EventType() string           { return EventInfo }
func (StatusEvent) EventType() string         { return EventStatus }
func (MuteAllEvent) EventType() string        { return EventMuteAll }
func (ProblemAddedEvent) EventType() string   { return EventAdd }
func (ProblemRemovedEvent) EventType() string { return EventRemove }
func (CurriculumEvent) EventType() string     { return EventCurriculum }
func (ErrorEvent) EventType() string          { return EventError }
func (RoomInfoEvent) EventType() string       { return EventRoomInfo }
func (VideoTokenEvent) EventType() string     { return EventVideoToken }

// DecodeEvent decodes an enveloped room or private-topic event. Unknown type
// tags yield ErrUnknownEvent so the caller can log and ignore them.
func DecodeEvent(body []byte) (RoomEvent, error) {
	env, err := decodeEnvelope(body)
	if err != nil {
		return nil, err
	}

	switch env.Type {
	case EventEnter:
		id, err := decodeInt64(env.Data)
		return EnterEvent{UserID: id}, wrapDecode(env.Type, err)
	case EventLeave:
		id, err := decodeInt64(env.Data)
		return LeaveEvent{UserID: id}, wrapDecode(env.Type, err)
	case EventQuit:
		id, err := decodeInt64(env.Data)
		return QuitEvent{UserID: id}, wrapDecode(env.Type, err)
	case EventKick:
		id, err := decodeInt64(env.Data)
		return KickEvent{UserID: id}, wrapDecode(env.Type, err)
	case EventDelegate:
		id, err := decodeInt64(env.Data)
		return DelegateEvent{NewOwnerID: id}, wrapDecode(env.Type, err)
	case EventDelete:
		return DeleteEvent{}, nil
	case EventInfo:
		var ev InfoEvent
		if err := unmarshalData(env.Data, &ev); err != nil {
			return nil, wrapDecode(env.Type, err)
		}
		return ev, nil
	case EventStatus:
		var ev StatusEvent
		if err := unmarshalData(env.Data, &ev); err != nil {
			return nil, wrapDecode(env.Type, err)
		}
		return ev, nil
	case EventMuteAll:
		// requester id is optional
		id, _ := decodeInt64(env.Data)
		return MuteAllEvent{RequestedBy: id}, nil
	case EventAdd:
		id, err := decodeProblemRef(env.Data)
		return ProblemAddedEvent{ProblemID: id}, wrapDecode(env.Type, err)
	case EventRemove:
		id, err := decodeProblemRef(env.Data)
		return ProblemRemovedEvent{ProblemID: id}, wrapDecode(env.Type, err)
	case EventCurriculum:
		var ev CurriculumEvent
		_ = json.Unmarshal(env.Data, &ev)
		return ev, nil
	case EventError:
		return ErrorEvent{Message: decodeErrorText(env.Data)}, nil
	case EventRoomInfo:
		var info RoomInfo
		if err := unmarshalData(env.Data, &info); err != nil {
			return nil, wrapDecode(env.Type, err)
		}
		return RoomInfoEvent{Info: info}, nil
	case EventVideoToken:
		var token string
		if err := unmarshalData(env.Data, &token); err != nil {
			return nil, wrapDecode(env.Type, err)
		}
		return VideoTokenEvent{Token: token}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Type)
}

// DecodeWatchers decodes the body delivered on the private watchers topic.
func DecodeWatchers(body []byte) (Watchers, error) {
	var w struct {
		Data *Watchers `json:"data"`
	}
	if err := json.Unmarshal(body, &w); err != nil {
		return Watchers{}, fmt.Errorf("decode watchers: %w", err)
	}
	if w.Data == nil {
		return Watchers{}, ErrEmptyPayload
	}
	if w.Data.Viewers == nil {
		w.Data.Viewers = []string{}
	}
	return *w.Data, nil
}

// DecodeErrorBody decodes the body delivered on the private error topic.
func DecodeErrorBody(body []byte) (string, error) {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return "", fmt.Errorf("decode error body: %w", err)
	}
	if e.Error == "" {
		return "", ErrEmptyPayload
	}
	return e.Error, nil
}

func unmarshalData(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return ErrEmptyPayload
	}
	return json.Unmarshal(raw, v)
}

func wrapDecode(typ string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("decode %s: %w", typ, err)
}

// decodeProblemRef accepts either a bare id or {"problemId": id}.
func decodeProblemRef(raw json.RawMessage) (int64, error) {
	if id, err := decodeInt64(raw); err == nil {
		return id, nil
	}
	var ref struct {
		ProblemID json.RawMessage `json:"problemId"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return 0, err
	}
	return decodeInt64(ref.ProblemID)
}

func decodeErrorText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}
