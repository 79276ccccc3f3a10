// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package ollama

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
)

// =============================================================================
// STREAM
// =============================================================================

// Stream normalizes an NDJSON /api/chat body into text fragments.
// It is not safe for concurrent use; one consumer pulls fragments in order.
type Stream struct {
	body   io.ReadCloser
	reader *bufio.Reader

	// err is sticky: once set, every Next returns it. io.EOF marks a clean end.
	err error

	doneReason string
}

// NewStream wraps a streaming response body.
func NewStream(body io.ReadCloser) *Stream {
	return &Stream{
		body:   body,
		reader: bufio.NewReader(body),
	}
}

// Next returns the next non-empty fragment. It returns io.EOF after a line
// with done=true or when the body ends, and a malformed-chunk error when a
// complete line is not valid JSON.
func (s *Stream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for {
		line, readErr := s.reader.ReadBytes('\n')

		// A trailing line without a newline is still a complete line at EOF.
		if len(bytes.TrimSpace(line)) > 0 {
			fragment, err := s.parseLine(line)
			if err != nil {
				s.err = err
				return "", err
			}
			if fragment != "" {
				return fragment, nil
			}
			if s.err != nil {
				return "", s.err
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				s.err = io.EOF
				return "", io.EOF
			}
			s.err = chaterr.Wrap(chaterr.KindUpstream, "local stream read failed", readErr)
			return "", s.err
		}
	}
}

// parseLine decodes one NDJSON line. A done line sets the sticky io.EOF so
// any fragment it carries is still delivered before the stream ends.
func (s *Stream) parseLine(line []byte) (string, error) {
	var chunk chatChunk
	if err := json.Unmarshal(line, &chunk); err != nil {
		return "", chaterr.Wrap(chaterr.KindMalformedChunk, "malformed local stream line", err)
	}

	if chunk.Error != "" {
		return "", chaterr.New(chaterr.KindUpstream, "ollama: "+chunk.Error)
	}
	if chunk.Done {
		s.doneReason = chunk.DoneReason
		s.err = io.EOF
	}
	return chunk.Message.Content, nil
}

// Close releases the response body.
func (s *Stream) Close() error {
	if s.body == nil {
		return nil
	}
	return s.body.Close()
}

// FinishReason returns the done_reason from the final line, if any. It
// implements provider.Finisher.
func (s *Stream) FinishReason() string {
	return s.doneReason
}
