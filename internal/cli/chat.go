// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/rigrun-relay/internal/chaterr"
	"github.com/jeranaias/rigrun-relay/internal/config"
	"github.com/jeranaias/rigrun-relay/internal/gateway"
	"github.com/jeranaias/rigrun-relay/internal/model"
	"github.com/jeranaias/rigrun-relay/internal/offline"
	"github.com/jeranaias/rigrun-relay/internal/provider"
	"github.com/jeranaias/rigrun-relay/internal/session"
)

// =============================================================================
// STYLES
// =============================================================================

var (
	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("141")).
			Bold(true)

	bannerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Bold(true)
)

// =============================================================================
// INPUT WITH HISTORY
// =============================================================================

// lineInput reads one line per prompt.
type lineInput interface {
	ReadInput(prompt string) (string, error)
	Close()
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads the saved history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	dir, err := config.ConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	c := &ChatCLI{line: line, historyFile: filepath.Join(dir, "chat_history")}

	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line with the given prompt. Non-blank lines are added
// to the history.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves the history owner-only and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// streamPrinter writes the growing assistant reply to out as fragments
// arrive. It is driven by controller state snapshots.
type streamPrinter struct {
	out io.Writer

	mu      sync.Mutex
	replyID string
	printed int
}

func newStreamPrinter(out io.Writer) *streamPrinter {
	return &streamPrinter{out: out}
}

// update prints whatever the last assistant message gained since the
// previous call.
func (p *streamPrinter) update(st session.State) {
	if len(st.Messages) == 0 {
		return
	}
	last := st.Messages[len(st.Messages)-1]
	if last.Role != model.RoleAssistant {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if last.ID != p.replyID {
		p.replyID = last.ID
		p.printed = 0
	}
	if len(last.Content) > p.printed {
		io.WriteString(p.out, last.Content[p.printed:])
		p.printed = len(last.Content)
	}
}

// finish ends the current reply line. It reports whether anything was
// printed for it.
func (p *streamPrinter) finish() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed == 0 {
		return false
	}
	fmt.Fprintln(p.out)
	p.printed = 0
	return true
}

// =============================================================================
// CHAT SESSION
// =============================================================================

// chatSession is one interactive REPL bound to a controller.
type chatSession struct {
	ctrl    *session.Controller
	policy  *session.Policy
	gw      *gateway.Client
	input   lineInput
	out     io.Writer
	printer *streamPrinter

	lastBanner string
}

func newChatSession(gw *gateway.Client, cfg session.ChatConfig, input lineInput, out io.Writer, a *app) *chatSession {
	ctrl := session.NewController(gw).WithLogger(a.logger).WithConfig(cfg)
	s := &chatSession{
		ctrl:    ctrl,
		policy:  session.NewPolicy(ctrl).WithLogger(a.logger),
		gw:      gw,
		input:   input,
		out:     out,
		printer: newStreamPrinter(out),
	}
	ctrl.Subscribe(s.printer.update)
	return s
}

// chatConfigFrom maps the [chat] section onto a controller config.
func chatConfigFrom(c config.ChatConfig) session.ChatConfig {
	return session.ChatConfig{
		System:   c.SystemPrompt,
		Model:    c.Model,
		Provider: c.ProviderValue(),
	}
}

func newChatCommand(a *app) *cobra.Command {
	var modelKey, gatewayURL string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat interactively through a running gateway",
		Long: `Start an interactive chat. Replies stream in as they are generated;
Ctrl+C cancels a reply in progress. Type /help for commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if gatewayURL != "" {
				a.cfg.Chat.GatewayURL = gatewayURL
			}
			cfg, err := a.startConfig(modelKey)
			if err != nil {
				return err
			}

			input := NewChatCLI()
			defer input.Close()

			gw := gateway.NewClient(a.cfg.Chat.GatewayURL)
			s := newChatSession(gw, cfg, input, a.stdout, a)
			return a.runChat(cmd.Context(), s)
		},
	}
	cmd.Flags().StringVarP(&modelKey, "model", "m", "", "model to start with")
	cmd.Flags().StringVar(&gatewayURL, "gateway", "", "gateway URL (overrides chat.gateway_url)")
	return cmd
}

// startConfig is the chat config for a new session. An explicit cloud model
// is refused in offline mode; a configured one falls back to local.
func (a *app) startConfig(modelKey string) (session.ChatConfig, error) {
	cfg := chatConfigFrom(a.cfg.Chat)
	if modelKey != "" {
		info, ok := provider.Lookup(modelKey)
		if !ok {
			return cfg, fmt.Errorf("unknown model %q (see rigrun-relay models)", modelKey)
		}
		if info.Provider == provider.Cloud {
			if err := offline.CheckCloudAllowed(); err != nil {
				return cfg, err
			}
		}
		cfg.Model, cfg.Provider = info.Key, info.Provider
	}
	if cfg.Provider == provider.Cloud && offline.CheckCloudAllowed() != nil {
		cfg.Model, cfg.Provider = a.cfg.Local.Model, provider.Local
	}
	return cfg, nil
}

// runChat runs the REPL with the connectivity monitor, the config watcher
// and Ctrl+C handling in the background.
func (a *app) runChat(ctx context.Context, s *chatSession) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.policy.Detach()

	g, gctx := errgroup.WithContext(ctx)

	monitor := offline.NewMonitor(
		offline.DialProbe(a.cfg.Chat.ProbeHost, 3*time.Second),
		a.cfg.Chat.ProbeEvery(),
	).WithLogger(a.logger)
	monitor.Subscribe(s.policy.SetOnline)
	g.Go(func() error {
		return ignoreCancel(monitor.Run(gctx))
	})

	if path, err := a.configPath(); err == nil {
		g.Go(func() error {
			err := config.Watch(gctx, path, a.logger, func(c *config.Config) {
				s.ctrl.SetConfig(chatConfigFrom(c.Chat))
			})
			if err = ignoreCancel(err); err != nil {
				a.logger.Warn("config hot reload disabled", "error", err)
			}
			return nil
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-sigCh:
				if s.ctrl.State().Loading {
					s.ctrl.Cancel()
				}
			}
		}
	})

	s.welcome(ctx)
	err := s.loop(ctx)

	cancel()
	if werr := g.Wait(); err == nil {
		err = werr
	}
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// welcome prints the header and checks that the gateway answers.
func (s *chatSession) welcome(ctx context.Context) {
	cfg := s.ctrl.Config()
	info := provider.Resolve(cfg.Model)

	fmt.Fprintln(s.out, TitleStyle.Render("rigrun-relay chat"))
	fmt.Fprintf(s.out, "%s %s %s\n", LabelStyle.Render("Model:"), ValueStyle.Render(cfg.Model), DimStyle.Render("["+info.Badge()+"]"))
	fmt.Fprintf(s.out, "%s %s\n", LabelStyle.Render("Gateway:"), ValueStyle.Render(s.gw.BaseURL()))

	hctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := s.gw.Health(hctx); err != nil {
		fmt.Fprintln(s.out, WarningStyle.Render("Gateway not reachable. Start it with: rigrun-relay serve"))
	}
	fmt.Fprintln(s.out, DimStyle.Render("Type /help for commands, /quit to exit."))
	fmt.Fprintln(s.out)
}

// loop reads input until EOF, Ctrl+C at the prompt, or /quit.
func (s *chatSession) loop(ctx context.Context) error {
	for {
		s.showBanner()

		input, err := s.input.ReadInput(promptStyle.Render(roleLabel(model.RoleUser)))
		if err != nil {
			// liner.ErrPromptAborted (Ctrl+C) and io.EOF (Ctrl+D) both end the chat.
			fmt.Fprintln(s.out)
			return nil
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			cont, err := s.handleSlash(input)
			if err != nil {
				fmt.Fprintf(s.out, "%s %v\n", ErrorStyle.Render("[Error]"), err)
			}
			if !cont {
				return nil
			}
			continue
		}

		s.send(ctx, input)
	}
}

// showBanner prints the policy banner when it changes.
func (s *chatSession) showBanner() {
	banner := s.policy.Banner()
	if banner == s.lastBanner {
		return
	}
	s.lastBanner = banner
	if banner == "" {
		return
	}
	line := banner
	if s.policy.QuotaExceeded() && s.policy.Online() {
		line += "  (/retry-cloud to try OpenAI again)"
	}
	fmt.Fprintln(s.out, bannerStyle.Render(line))
}

// send runs one exchange and streams the reply to the terminal.
func (s *chatSession) send(ctx context.Context, text string) {
	fmt.Fprint(s.out, assistantStyle.Render(roleLabel(model.RoleAssistant)))

	err := s.ctrl.Send(ctx, text)
	printed := s.printer.finish()

	switch {
	case err == nil:
		if !printed {
			fmt.Fprintln(s.out, WarningStyle.Render("[Cancelled]"))
		}
	case chaterr.IsQuotaExceeded(err):
		// The policy has switched to the local model; the banner follows.
		if !printed {
			fmt.Fprintln(s.out)
		}
		fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render("[Error]"), chaterr.QuotaSentinel)
	default:
		if !printed {
			fmt.Fprintln(s.out)
		}
		fmt.Fprintf(s.out, "%s %s\n", ErrorStyle.Render("[Error]"), errorText(err))
	}
}

// roleLabel is the prefix printed before a message, such as "you> ".
func roleLabel(r model.Role) string {
	return strings.ToLower(r.DisplayName()) + "> "
}

// errorText is what the user sees for a failed exchange.
func errorText(err error) string {
	var ce *chaterr.Error
	if errors.As(err, &ce) && ce.Message != "" {
		return ce.Message
	}
	return chaterr.PublicMessage(err)
}
