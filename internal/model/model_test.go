// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeMessages(n int) []Message {
	msgs := make([]Message, n)
	for i := range msgs {
		role := RoleUser
		if i%2 == 1 {
			role = RoleAssistant
		}
		msgs[i] = NewMessage(role, fmt.Sprintf("m%d", i))
	}
	return msgs
}

// =============================================================================
// MESSAGE TESTS
// =============================================================================

func TestNewMessage(t *testing.T) {
	a := NewUserMessage("hi")
	b := NewUserMessage("hi")

	assert.Equal(t, RoleUser, a.Role)
	assert.Equal(t, "hi", a.Content)
	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID, "IDs must be unique")
	assert.False(t, a.CreatedAt.IsZero())
}

func TestNewAssistantPlaceholder(t *testing.T) {
	m := NewAssistantPlaceholder()
	assert.Equal(t, RoleAssistant, m.Role)
	assert.True(t, m.IsEmpty())
}

func TestRole_DisplayName(t *testing.T) {
	assert.Equal(t, "You", RoleUser.DisplayName())
	assert.Equal(t, "Assistant", RoleAssistant.DisplayName())
	assert.Equal(t, "system", Role("system").DisplayName())
}

func TestMessage_Preview(t *testing.T) {
	m := Message{Content: "héllo wörld"}
	assert.Equal(t, "héllo...", m.Preview(5))
	assert.Equal(t, "héllo wörld", m.Preview(50))
}

// =============================================================================
// HISTORY TESTS
// =============================================================================

func TestTail(t *testing.T) {
	tests := []struct {
		name string
		in   []int
		n    int
		want []int
	}{
		{"shorter than n", []int{1, 2}, 5, []int{1, 2}},
		{"exactly n", []int{1, 2, 3}, 3, []int{1, 2, 3}},
		{"longer than n", []int{1, 2, 3, 4, 5}, 2, []int{4, 5}},
		{"zero", []int{1, 2}, 0, []int{}},
		{"negative", []int{1, 2}, -1, []int{}},
		{"nil", nil, 3, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tail(tt.in, tt.n)
			assert.Equal(t, len(tt.want), len(got))
			for i := range tt.want {
				assert.Equal(t, tt.want[i], got[i])
			}
		})
	}
}

func TestHistory_KeepsLastTwenty(t *testing.T) {
	for _, n := range []int{0, 1, 19, 20, 21, 45} {
		t.Run(fmt.Sprintf("%d messages", n), func(t *testing.T) {
			msgs := makeMessages(n)
			got := History(msgs)

			want := n
			if want > MaxHistory {
				want = MaxHistory
			}
			require.Len(t, got, want)
			if n > 0 {
				assert.Equal(t, msgs[n-1].ID, got[len(got)-1].ID, "tail must be preserved")
				assert.Equal(t, msgs[n-want].ID, got[0].ID)
			}
		})
	}
}

func TestHistory_IsACopy(t *testing.T) {
	msgs := makeMessages(3)
	got := History(msgs)

	msgs[2].Content = "edited"
	assert.Equal(t, "m2", got[2].Content)
}

func TestRemove(t *testing.T) {
	msgs := makeMessages(3)
	id := msgs[1].ID

	out := Remove(msgs, id)

	require.Len(t, out, 2)
	assert.Equal(t, -1, IndexOf(out, id))
	assert.Len(t, msgs, 3, "input must not change")
	assert.Equal(t, id, msgs[1].ID)

	assert.Equal(t, msgs, Remove(msgs, "missing"))
}
