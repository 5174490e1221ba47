package model

import (
	"encoding/json"
	"fmt"
)

type WhiteboardAction string

const (
	WhiteboardAdded    WhiteboardAction = "ADDED"
	WhiteboardModified WhiteboardAction = "MODIFIED"
	WhiteboardRemoved  WhiteboardAction = "REMOVED"
	WhiteboardStart    WhiteboardAction = "START"
	WhiteboardClose    WhiteboardAction = "CLOSE"
	WhiteboardClear    WhiteboardAction = "CLEAR"
	WhiteboardSync     WhiteboardAction = "SYNC"
	WhiteboardCursor   WhiteboardAction = "CURSOR"
)

func (a WhiteboardAction) Valid() bool {
	switch a {
	case WhiteboardAdded, WhiteboardModified, WhiteboardRemoved, WhiteboardStart,
		WhiteboardClose, WhiteboardClear, WhiteboardSync, WhiteboardCursor:
		return true
	}
	return false
}

type WhiteboardMessage struct {
	Action     WhiteboardAction `json:"action"`
	ObjectID   string           `json:"objectId,omitempty"`
	SenderName string           `json:"senderName,omitempty"`
	SenderID   int64            `json:"senderId,omitempty"`
	Data       json.RawMessage  `json:"data,omitempty"`
}

// IsSyncRequest reports whether m asks peers for a canvas snapshot, as
// opposed to carrying one.
func (m WhiteboardMessage) IsSyncRequest() bool {
	return m.Action == WhiteboardSync && len(m.Data) == 0
}

func DecodeWhiteboard(body []byte) (WhiteboardMessage, error) {
	var msg WhiteboardMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("decode whiteboard: %w", err)
	}
	if !msg.Action.Valid() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Action)
	}
	return msg, nil
}
