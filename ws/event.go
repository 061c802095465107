// Package ws is the targeted broadcaster: it keeps the live WebSocket
// connections of this process indexed by user and pushes each event only to
// the connections of its audience (a user, or the members of a
// conversation). Nothing here is authoritative; whether a session exists is
// always decided by the session store.
//
// Frames in both directions share one envelope:
//
//	{"op": "message_create", "d": {...}, "seq": 42}
package ws

import (
	"time"

	"github.com/akinalp/parley/models"
)

// Event is one frame on the wire. Seq increases across every event this
// process emits, so a client can spot gaps on one connection.
type Event struct {
	Op   string `json:"op"`
	Data any    `json:"d,omitempty"`
	Seq  int64  `json:"seq,omitempty"`
}

// ─── Client → Server ───

const (
	OpHeartbeat    = "heartbeat"     // keep-alive, every 30s
	OpAckDelivered = "ack_delivered" // d: {message_id}
	OpMarkRead     = "mark_read"     // d: {message_id} or {conversation_id}
	OpTyping       = "typing"        // d: {conversation_id}
)

// ─── Server → Client ───

const (
	OpReady               = "ready"
	OpHeartbeatAck        = "heartbeat_ack"
	OpMessageCreate       = "message_create"
	OpMessageUpdate       = "message_update"
	OpMessageDelete       = "message_delete"
	OpMessageDelivered    = "message_delivered" // to the sender only
	OpMessageRead         = "message_read"      // to the sender only
	OpConversationRead    = "conversation_read" // to each sender, their own message ids
	OpConversationCreate  = "conversation_create"
	OpConversationMembers = "conversation_members"
	OpTypingStart         = "typing_start"
	OpReactionUpdate      = "reaction_update"
	OpSessionRevoked      = "session_revoked"
)

// ─── Payloads ───

// ReadyData is the first event on every connection.
type ReadyData struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Handle    string `json:"handle"`
}

// ReceiptData tells a sender that one recipient received or read a message.
type ReceiptData struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	RecipientID    string    `json:"recipient_id"`
	At             time.Time `json:"at"`
}

// ReceiptFromTransition builds the receipt payload of a transition.
func ReceiptFromTransition(tr *models.Transition) ReceiptData {
	return ReceiptData{
		MessageID:      tr.MessageID,
		ConversationID: tr.ConversationID,
		RecipientID:    tr.RecipientID,
		At:             tr.At,
	}
}

// ConversationReadData tells a sender which of their messages a reader
// marked read at once.
type ConversationReadData struct {
	ConversationID string    `json:"conversation_id"`
	ReaderID       string    `json:"reader_id"`
	MessageIDs     []string  `json:"message_ids"`
	At             time.Time `json:"at"`
}

// MessageDeleteData identifies a removed message.
type MessageDeleteData struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
}

// TypingStartData is relayed to the other members of a conversation.
type TypingStartData struct {
	UserID         string `json:"user_id"`
	ConversationID string `json:"conversation_id"`
}

// SessionRevokedData is the last event a revoked session's sockets receive.
type SessionRevokedData struct {
	SessionID string `json:"session_id"`
}

// ReactionUpdateData carries the full reaction list of a message after one
// toggle, so clients replace rather than patch.
type ReactionUpdateData struct {
	MessageID       string                 `json:"message_id"`
	ConversationID  string                 `json:"conversation_id"`
	ActorID         string                 `json:"actor_id"`
	MessageAuthorID string                 `json:"message_author_id"`
	Added           bool                   `json:"added"`
	Reactions       []models.ReactionGroup `json:"reactions"`
}
