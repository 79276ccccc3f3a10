// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkReader returns one preset chunk per Read.
type chunkReader struct {
	chunks [][]byte
	onRead func(i int)
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.reads >= len(r.chunks) {
		return 0, io.EOF
	}
	if r.onRead != nil {
		r.onRead(r.reads)
	}
	n := copy(p, r.chunks[r.reads])
	r.reads++
	return n, nil
}

func TestConsume_DeliversInOrder(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{[]byte("He"), []byte("llo")}}

	var got []string
	err := Consume(context.Background(), r, func(s string) { got = append(got, s) })
	require.NoError(t, err)
	assert.Equal(t, "Hello", strings.Join(got, ""))
}

func TestConsume_SplitMultiByte(t *testing.T) {
	// "é" is 0xC3 0xA9; "世" is 0xE4 0xB8 0x96.
	r := &chunkReader{chunks: [][]byte{
		{'c', 'a', 'f', 0xC3},
		{0xA9, ' ', 0xE4},
		{0xB8},
		{0x96},
	}}

	var got []string
	err := Consume(context.Background(), r, func(s string) { got = append(got, s) })
	require.NoError(t, err)
	assert.Equal(t, "café 世", strings.Join(got, ""))
	for _, frag := range got {
		assert.NotContains(t, frag, "�", "no fragment may carry a broken sequence")
	}
}

func TestConsume_OneByteReads(t *testing.T) {
	text := "héllo 世界 👋"
	var sb strings.Builder
	err := ConsumeSize(context.Background(), iotest.OneByteReader(strings.NewReader(text)), 8, func(s string) {
		sb.WriteString(s)
	})
	require.NoError(t, err)
	assert.Equal(t, text, sb.String())
}

func TestConsume_InvalidBytesReplaced(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{{'a', 0xFF, 'b'}}}

	var sb strings.Builder
	require.NoError(t, Consume(context.Background(), r, func(s string) { sb.WriteString(s) }))
	assert.Equal(t, "a�b", sb.String())
}

func TestConsume_TruncatedSequenceAtEOF(t *testing.T) {
	r := &chunkReader{chunks: [][]byte{{'o', 'k', 0xE4, 0xB8}}}

	var sb strings.Builder
	require.NoError(t, Consume(context.Background(), r, func(s string) { sb.WriteString(s) }))
	assert.True(t, strings.HasPrefix(sb.String(), "ok"))
	assert.Contains(t, sb.String(), "�")
}

func TestConsume_CancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Consume(ctx, strings.NewReader("data"), func(string) { called = true })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestConsume_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &chunkReader{chunks: [][]byte{[]byte("a"), []byte("b"), []byte("c")}}

	var got []string
	err := Consume(ctx, r, func(s string) {
		got = append(got, s)
		if s == "a" {
			cancel()
		}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"a"}, got)
}

func TestConsume_CancelDuringRead(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &chunkReader{
		chunks: [][]byte{[]byte("first"), []byte("late")},
		onRead: func(i int) {
			if i == 1 {
				cancel()
			}
		},
	}

	var got []string
	err := Consume(ctx, r, func(s string) { got = append(got, s) })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []string{"first"}, got)
}

func TestConsume_ReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader("part"), iotest.ErrReader(boom))

	var sb strings.Builder
	err := Consume(context.Background(), r, func(s string) { sb.WriteString(s) })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "part", sb.String())
}

func TestConsume_Empty(t *testing.T) {
	called := false
	err := Consume(context.Background(), strings.NewReader(""), func(string) { called = true })
	require.NoError(t, err)
	assert.False(t, called)
}
