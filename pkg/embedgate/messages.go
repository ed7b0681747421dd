package embedgate

import (
	"context"
	"encoding/json"
	"fmt"
)

// MessageType names one message on the host<->frame channel. The set is
// closed: the broker dispatches over it exhaustively and drops anything else.
type MessageType string

// Inbound request types (frame -> host)
const (
	MessageGetProjectLimits MessageType = "getProjectLimits"
	MessageGetUsage         MessageType = "getUsage"
	MessageIncrementUsage   MessageType = "incrementUsage"
	MessageSaveChildAppData MessageType = "saveChildAppData"
	MessageLoadChildAppData MessageType = "loadChildAppData"
)

// Outbound response types (host -> frame)
const (
	MessageProjectLimits    MessageType = "projectLimits"
	MessageUsageStatus      MessageType = "usageStatus"
	MessageIncrementSuccess MessageType = "incrementSuccess"
	MessageIncrementFailure MessageType = "incrementFailure"
	MessageSaveSuccess      MessageType = "saveSuccess"
	MessageSaveError        MessageType = "saveError"
	MessageDataLoaded       MessageType = "dataLoaded"
	MessageNoDataFound      MessageType = "noDataFound"
	MessageLoadError        MessageType = "loadError"
)

// Message is the wire envelope carried in both directions
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage builds an envelope with an encoded payload. A nil payload
// produces an envelope with no payload field.
func NewMessage(msgType MessageType, payload interface{}) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// RequestHeader is the identity claim every user/app-scoped request carries.
// The broker drops requests whose claim does not match the session.
type RequestHeader struct {
	UserID string `json:"userId"`
	AppID  string `json:"appId"`
}

// SaveDataPayload is the inbound saveChildAppData request body
type SaveDataPayload struct {
	RequestHeader
	Data json.RawMessage `json:"data"`
}

// ProjectLimitsPayload is the outbound projectLimits response body
type ProjectLimitsPayload struct {
	MaxProjects           int `json:"maxProjects"`
	ProjectExpirationDays int `json:"projectExpirationDays"`
}

// UsageStatusPayload is the outbound usageStatus response body
type UsageStatusPayload struct {
	Used        int    `json:"used"`
	Limit       int    `json:"limit"`
	UserName    string `json:"userName"`
	CanGenerate bool   `json:"canGenerate"`
	Reason      Reason `json:"reason"`
}

// IncrementFailurePayload is the outbound incrementFailure response body
type IncrementFailurePayload struct {
	Reason Reason `json:"reason"`
}

// ErrorPayload is the outbound saveError/loadError response body
type ErrorPayload struct {
	Message string `json:"message"`
}

// DataLoadedPayload is the outbound dataLoaded response body
type DataLoadedPayload struct {
	Payload interface{} `json:"payload"`
}

// FrameWindow is the posting half of a frame's content window. Responses are
// posted back only through the window that originated the request; the value
// doubles as the frame's identity for the broker's source check, so
// implementations must be comparable (a pointer type).
type FrameWindow interface {
	// Post delivers a message to the frame
	Post(ctx context.Context, msg Message) error
}

// InboundEvent is one message event received from the embedding platform's
// inter-window channel, together with the sender metadata the broker
// authenticates against.
type InboundEvent struct {
	// Origin is the web origin the event arrived from
	Origin string

	// Source is the window reference the event arrived through
	Source FrameWindow

	Message Message
}
