package model

// Envelope is the unit of communication between clients and the hub.
// UserID and Timestamp on inbound envelopes are advisory: the connection
// re-assigns UserID from the authenticated identity, and the hub stamps
// Timestamp when it processes the envelope.
type Envelope struct {
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
	Timestamp int64          `json:"timestamp"`
	ID        string         `json:"id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}

// Envelope types produced and consumed by the hub.
const (
	TypeConnectionConfirmed = "connection_confirmed"
	TypeJoinConsultation    = "join_consultation"
	TypeLeaveConsultation   = "leave_consultation"
	TypeChatMessage         = "chat_message"
	TypeTypingStart         = "typing_start"
	TypeTypingStop          = "typing_stop"
	TypePing                = "ping"
	TypePong                = "pong"
)

// SessionIDFromData extracts the room identifier from a room-scoped payload.
func SessionIDFromData(data map[string]any) (string, bool) {
	if data == nil {
		return "", false
	}
	sessionID, ok := data["sessionId"].(string)
	if !ok || sessionID == "" {
		return "", false
	}
	return sessionID, true
}
