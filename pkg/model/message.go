package model

import (
	"encoding/json"
	"time"
)

// Attachment is downloaded media; Data is base64 encoded.
type Attachment struct {
	MimeType string `json:"mimetype"`
	Data     string `json:"data"`
	Filename string `json:"filename,omitempty"`
}

// InboundMessage is a chat message received by the messaging session.
type InboundMessage struct {
	ID             string      `json:"id"`
	From           string      `json:"from"`
	To             string      `json:"to"`
	Body           string      `json:"body"`
	Type           string      `json:"type"`
	Timestamp      int64       `json:"timestamp"`
	HasMedia       bool        `json:"hasMedia"`
	AttachmentData *Attachment `json:"attachmentData,omitempty"`
}

// MessageEnvelope is what relay sinks deliver: {"msg": {...}} plus event metadata.
type MessageEnvelope struct {
	EventID    string         `json:"eventId"`
	ReceivedAt time.Time      `json:"receivedAt"`
	Msg        InboundMessage `json:"msg"`
}

// SessionCredential is the opaque pairing material produced by the bridge.
type SessionCredential struct {
	Payload json.RawMessage `json:"payload"`
	SavedAt time.Time       `json:"savedAt"`
}
