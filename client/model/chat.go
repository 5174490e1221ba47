package model

import (
	"encoding/json"
	"fmt"
)

type ChatType string

const (
	ChatTalk   ChatType = "TALK"
	ChatCode   ChatType = "CODE"
	ChatSystem ChatType = "SYSTEM"
)

type ParentMessage struct {
	ID         FlexID `json:"id"`
	SenderName string `json:"senderName"`
	Content    string `json:"content"`
}

// CodeMetadata is the payload attached to CODE messages.
type CodeMetadata struct {
	IsRefChat    bool   `json:"isRefChat"`
	IsRealtime   bool   `json:"isRealtime"`
	TargetUserID int64  `json:"targetUserId,omitempty"`
	ProblemID    int64  `json:"problemId,omitempty"`
	Code         string `json:"code"`
	Language     string `json:"language"`
	ProblemTitle string `json:"problemTitle,omitempty"`
	OwnerName    string `json:"ownerName,omitempty"`
	ExternalID   string `json:"externalId,omitempty"`
}

type ChatMessage struct {
	ID            FlexID         `json:"id"`
	RoomID        int64          `json:"roomId"`
	SenderID      int64          `json:"senderId"`
	SenderName    string         `json:"senderName"`
	Content       string         `json:"content"`
	Type          ChatType       `json:"type"`
	ParentMessage *ParentMessage `json:"parentMessage,omitempty"`
	Metadata      *CodeMetadata  `json:"metadata,omitempty"`
	CreatedAt     string         `json:"createdAt"`
}

// Normalize fixes up the message type: anything carrying code metadata is
// CODE, a missing type is TALK.
func (m *ChatMessage) Normalize() {
	switch {
	case m.Metadata != nil && m.Metadata.Code != "":
		m.Type = ChatCode
	case m.Type == "":
		m.Type = ChatTalk
	}
}

// OutgoingChat is the body published to the chat destination.
type OutgoingChat struct {
	Content  string        `json:"content"`
	Type     ChatType      `json:"type"`
	ParentID FlexID        `json:"parentId,omitempty"`
	Metadata *CodeMetadata `json:"metadata,omitempty"`
}

// DecodeChat decodes a live chat body. The server may or may not wrap the
// message in a {type, data} envelope.
func DecodeChat(body []byte) (ChatMessage, error) {
	var wrapped struct {
		Data *ChatMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return ChatMessage{}, fmt.Errorf("decode chat: %w", err)
	}
	msg := wrapped.Data
	if msg == nil {
		msg = new(ChatMessage)
		if err := json.Unmarshal(body, msg); err != nil {
			return ChatMessage{}, fmt.Errorf("decode chat: %w", err)
		}
	}
	msg.Normalize()
	return *msg, nil
}
