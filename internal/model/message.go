// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"time"

	"github.com/google/uuid"
)

// MaxHistory is the number of most recent messages sent upstream with each
// request. Older messages stay in the conversation but are not forwarded.
const MaxHistory = 20

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is one entry in a conversation. Assistant content only ever grows
// by appends while its reply streams in.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// NewMessage creates a message with a fresh ID.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now(),
	}
}

// NewUserMessage creates a user message.
func NewUserMessage(content string) Message {
	return NewMessage(RoleUser, content)
}

// NewAssistantPlaceholder creates the empty assistant message a reply
// streams into.
func NewAssistantPlaceholder() Message {
	return NewMessage(RoleAssistant, "")
}

// IsEmpty reports whether the message has no content yet.
func (m Message) IsEmpty() bool {
	return m.Content == ""
}

// Preview returns the first maxLen runes of the content.
func (m Message) Preview(maxLen int) string {
	runes := []rune(m.Content)
	if len(runes) <= maxLen {
		return m.Content
	}
	return string(runes[:maxLen]) + "..."
}

// =============================================================================
// HISTORY
// =============================================================================

// Tail returns the last n elements of s, or all of s when it is shorter.
// The result shares s's backing array.
func Tail[T any](s []T, n int) []T {
	if n < 0 {
		n = 0
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// History returns the outbound view of msgs: the last MaxHistory entries,
// copied so later edits to msgs cannot leak into an in-flight request.
func History(msgs []Message) []Message {
	tail := Tail(msgs, MaxHistory)
	out := make([]Message, len(tail))
	copy(out, tail)
	return out
}

// IndexOf returns the position of the message with the given ID, or -1.
func IndexOf(msgs []Message, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// Remove returns msgs without the message with the given ID. msgs is not
// modified.
func Remove(msgs []Message, id string) []Message {
	i := IndexOf(msgs, id)
	if i < 0 {
		return msgs
	}
	out := make([]Message, 0, len(msgs)-1)
	out = append(out, msgs[:i]...)
	return append(out, msgs[i+1:]...)
}
