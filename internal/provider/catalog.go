// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"fmt"
	"strconv"
	"strings"
)

// =============================================================================
// MODEL CATALOG
// =============================================================================

// ModelInfo describes a selectable model.
type ModelInfo struct {
	// Key is the model identifier sent upstream and used for selection.
	Key string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Provider is the backend serving the model.
	Provider Provider `json:"provider"`

	// Description is a brief explanation of the model's strengths.
	Description string `json:"description"`
}

// Badge returns the short provider tag shown next to a model.
func (m ModelInfo) Badge() string {
	if m.Provider == Local {
		return "LOCAL"
	}
	return "CLOUD"
}

// String renders the model for menus.
func (m ModelInfo) String() string {
	return fmt.Sprintf("%-14s %-6s %s", m.Key, m.Badge(), m.Name)
}

// Catalog is the ordered list of known models. The first entry is the
// default selection.
var Catalog = []ModelInfo{
	{Key: "gpt-4o-mini", Name: "GPT-4o mini", Provider: Cloud, Description: "Fast and inexpensive"},
	{Key: "gpt-4o", Name: "GPT-4o", Provider: Cloud, Description: "Strongest general model"},
	{Key: "gpt-4.1-mini", Name: "GPT-4.1 mini", Provider: Cloud, Description: "Long context, low cost"},
	{Key: "llama3.2", Name: "Llama 3.2", Provider: Local, Description: "Runs on this machine"},
	{Key: "mistral", Name: "Mistral 7B", Provider: Local, Description: "Small local generalist"},
	{Key: "qwen2.5", Name: "Qwen 2.5", Provider: Local, Description: "Local multilingual model"},
}

// Lookup finds a model by key, case-insensitively.
func Lookup(key string) (ModelInfo, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	for _, m := range Catalog {
		if strings.ToLower(m.Key) == key {
			return m, true
		}
	}
	return ModelInfo{}, false
}

// Resolve finds a model by key, falling back to the first catalog entry.
func Resolve(key string) ModelInfo {
	if m, ok := Lookup(key); ok {
		return m
	}
	return Catalog[0]
}

// ModelsFor returns the catalog entries served by p.
func ModelsFor(p Provider) []ModelInfo {
	result := []ModelInfo{}
	for _, m := range Catalog {
		if m.Provider == p {
			result = append(result, m)
		}
	}
	return result
}

// =============================================================================
// SYSTEM PROMPT PRESETS
// =============================================================================

// Preset is a named system prompt.
type Preset struct {
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

// Presets are the built-in personalities. Choosing one starts a new chat.
var Presets = []Preset{
	{Label: "General", Prompt: "You are a helpful, concise AI assistant."},
	{Label: "Coder", Prompt: "You are an expert programmer. Always provide code examples with TypeScript when possible. Explain your code."},
	{Label: "Writer", Prompt: "You are a writing coach. Help improve clarity, grammar, and style. Be constructive."},
	{Label: "ELI5", Prompt: "Explain everything simply, like the user is 5 years old. Use fun analogies."},
	{Label: "Interviewer", Prompt: "You are a senior tech interviewer. Help practice software engineering interviews. Ask follow-ups."},
}

// FindPreset matches a preset by label (case-insensitive) or by 1-based index.
func FindPreset(nameOrIndex string) (Preset, bool) {
	nameOrIndex = strings.TrimSpace(nameOrIndex)
	if idx, err := strconv.Atoi(nameOrIndex); err == nil {
		if idx >= 1 && idx <= len(Presets) {
			return Presets[idx-1], true
		}
		return Preset{}, false
	}
	for _, p := range Presets {
		if strings.EqualFold(p.Label, nameOrIndex) {
			return p, true
		}
	}
	return Preset{}, false
}
