// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for communicating with a local
// Ollama server and normalizes its streaming chat output.
//
// Ollama answers POST /api/chat with newline-delimited JSON. Each line
// carries an optional message.content fragment and a done flag. Stream
// turns that body into a pull-based sequence of plain text fragments:
//
//	client := ollama.NewClient()
//	stream, err := client.ChatStream(ctx, "llama3.2", messages)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    fragment, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(fragment)
//	}
//
// Lines are split on raw bytes and decoded only once complete, so a line
// (or a multi-byte character) split across network reads is reassembled
// before parsing. An unparseable line ends the stream with a
// malformed-chunk error; a line with done=true ends it successfully and no
// further upstream bytes are read.
//
// Client also implements provider.Backend, prepending the system prompt to
// the forwarded history.
package ollama
