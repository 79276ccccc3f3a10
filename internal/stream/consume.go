// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream reads a plain-text streamed response body and hands each
// decoded chunk to a callback as it arrives.
package stream

import (
	"context"
	"errors"
	"io"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultBufferSize is the read size used by Consume.
const DefaultBufferSize = 4096

// Consume reads r until EOF, calling onFragment once per read that decodes
// to at least one character, in receipt order. A multi-byte UTF-8 sequence
// split across reads is held back until its remaining bytes arrive; invalid
// bytes decode to U+FFFD.
//
// ctx is checked before every read. Once it is done, Consume returns
// ctx.Err() and no further callbacks are made. Fragments already delivered
// are never retracted.
func Consume(ctx context.Context, r io.Reader, onFragment func(string)) error {
	return ConsumeSize(ctx, r, DefaultBufferSize, onFragment)
}

// ConsumeSize is Consume with an explicit read buffer size.
func ConsumeSize(ctx context.Context, r io.Reader, size int, onFragment func(string)) error {
	if size < utf8.UTFMax {
		size = utf8.UTFMax
	}

	decoder := unicode.UTF8.NewDecoder()
	raw := make([]byte, size)
	pending := make([]byte, 0, size+utf8.UTFMax)
	// Every invalid byte may widen to a 3-byte U+FFFD.
	dst := make([]byte, 3*(size+utf8.UTFMax))

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := r.Read(raw)

		// A cancel that landed during the read wins over its data.
		if err := ctx.Err(); err != nil {
			return err
		}

		atEOF := errors.Is(readErr, io.EOF)
		pending = append(pending, raw[:n]...)

		if len(pending) > 0 {
			nDst, nSrc, err := decoder.Transform(dst, pending, atEOF)
			if err != nil && !errors.Is(err, transform.ErrShortSrc) {
				return err
			}
			pending = append(pending[:0], pending[nSrc:]...)
			if nDst > 0 {
				onFragment(string(dst[:nDst]))
			}
		}

		if readErr != nil {
			if atEOF {
				return nil
			}
			return readErr
		}
	}
}
