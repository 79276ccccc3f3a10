// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strings"

	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/session"
)

// handleSlash runs a slash command. It returns false when the chat should
// end.
func (s *chatSession) handleSlash(input string) (bool, error) {
	fields := strings.Fields(input)
	name := strings.ToLower(fields[0])
	arg := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch name {
	case "/quit", "/exit", "/q":
		return false, nil

	case "/help", "/?":
		s.printHelp()

	case "/new", "/clear":
		s.ctrl.Reset()
		fmt.Fprintln(s.out, SuccessStyle.Render("Started a new chat."))

	case "/model":
		if arg == "" {
			s.printModels()
			return true, nil
		}
		if err := s.policy.SelectModel(arg); err != nil {
			return true, err
		}
		cfg := s.ctrl.Config()
		fmt.Fprintf(s.out, "Model set to %s %s\n", HighlightStyle.Render(cfg.Model),
			DimStyle.Render("["+provider.Resolve(cfg.Model).Badge()+"]"))

	case "/preset":
		if arg == "" {
			s.printPresets()
			return true, nil
		}
		preset, ok := provider.FindPreset(arg)
		if !ok {
			return true, fmt.Errorf("unknown preset %q", arg)
		}
		s.policy.SelectPreset(preset)
		fmt.Fprintf(s.out, "Preset %s selected. Started a new chat.\n", HighlightStyle.Render(preset.Label))

	case "/system":
		if arg == "" {
			fmt.Fprintln(s.out, WrapText(s.ctrl.Config().System, 0))
			return true, nil
		}
		s.ctrl.UpdateConfig(func(cfg session.ChatConfig) session.ChatConfig {
			cfg.System = arg
			return cfg
		})
		fmt.Fprintln(s.out, SuccessStyle.Render("System prompt updated."))

	case "/retry-cloud", "/retry":
		if err := s.policy.RetryCloud(); err != nil {
			return true, err
		}
		fmt.Fprintf(s.out, "Switched back to %s.\n", HighlightStyle.Render(s.ctrl.Config().Model))

	case "/status":
		s.printStatus()

	default:
		return true, fmt.Errorf("unknown command %q (try /help)", name)
	}
	return true, nil
}

func (s *chatSession) printHelp() {
	rows := [][2]string{
		{"/model [key]", "Show or select a model"},
		{"/preset [n]", "Show or select a system prompt preset (starts a new chat)"},
		{"/system [text]", "Show or set the system prompt"},
		{"/retry-cloud", "Go back to the cloud model after a quota error"},
		{"/new", "Start a new chat"},
		{"/status", "Show the current model and connectivity"},
		{"/quit", "Exit"},
	}
	fmt.Fprintln(s.out, SectionStyle.Render("Commands"))
	for _, r := range rows {
		fmt.Fprintf(s.out, "  %s %s\n", CommandStyle.Render(fmt.Sprintf("%-16s", r[0])), DimStyle.Render(r[1]))
	}
	fmt.Fprintln(s.out, DimStyle.Render("  Ctrl+C cancels a reply in progress."))
}

// printModels lists the selectable models. Cloud models are hidden while
// offline.
func (s *chatSession) printModels() {
	current := s.ctrl.Config().Model
	models := provider.Catalog
	if !s.policy.Online() {
		models = provider.ModelsFor(provider.Local)
	}
	for _, m := range models {
		marker := "  "
		if m.Key == current {
			marker = HighlightStyle.Render("> ")
		}
		fmt.Fprintf(s.out, "%s%s\n", marker, m.String())
	}
}

func (s *chatSession) printPresets() {
	current := s.ctrl.Config().System
	for i, p := range provider.Presets {
		marker := "  "
		if p.Prompt == current {
			marker = HighlightStyle.Render("> ")
		}
		fmt.Fprintf(s.out, "%s%d. %s\n", marker, i+1, p.Label)
	}
}

const statusPreviewLen = 60

func (s *chatSession) printStatus() {
	st := s.ctrl.State()
	online := StatusOKStyle.Render("online")
	if !s.policy.Online() {
		online = StatusFailStyle.Render("offline")
	}

	fmt.Fprintf(s.out, "%s %s %s\n", LabelStyle.Render("Model:"), ValueStyle.Render(st.Config.Model),
		DimStyle.Render("["+provider.Resolve(st.Config.Model).Badge()+"]"))
	fmt.Fprintf(s.out, "%s %s\n", LabelStyle.Render("Provider:"), ValueStyle.Render(st.Config.Provider.String()))
	fmt.Fprintf(s.out, "%s %s\n", LabelStyle.Render("Network:"), online)
	fmt.Fprintf(s.out, "%s %d\n", LabelStyle.Render("Messages:"), len(st.Messages))
	if n := len(st.Messages); n > 0 {
		last := st.Messages[n-1]
		fmt.Fprintf(s.out, "%s %s %s\n", LabelStyle.Render("Last:"),
			DimStyle.Render(last.Role.DisplayName()+":"), last.Preview(statusPreviewLen))
	}
	if banner := s.policy.Banner(); banner != "" {
		fmt.Fprintln(s.out, bannerStyle.Render(banner))
	}
}
