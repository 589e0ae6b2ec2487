package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/variant"
)

const defaultSystemPrompt = "You are a helpful assistant."

func newChatCmd() *cobra.Command {
	var (
		configPath string
		sessionID  uint
		title      string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive terminal chat session",
		Long:  "Runs a REPL against the configured provider. Responses stream as they arrive; /variant, /prev, /next, and /commit manage response variants for the latest assistant turn.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd, configPath, sessionID, title)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to Parley config file")
	cmd.Flags().UintVarP(&sessionID, "session", "s", 0, "resume an existing session by id")
	cmd.Flags().StringVarP(&title, "title", "t", "terminal chat", "title for a new session")
	return cmd
}

func runChat(cmd *cobra.Command, configPath string, sessionID uint, title string) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Provider.APIKey == "" && term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(out, "Provider API key: ")
		key, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return fmt.Errorf("read api key: %w", err)
		}
		cfg.Provider.APIKey = strings.TrimSpace(string(key))
	}

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	client, err := provider.NewClient(provider.Opts{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
	})
	if err != nil {
		return err
	}

	sessions, err := store.NewSessionStore(gormDB)
	if err != nil {
		return err
	}
	messages, err := store.NewMessageStore(gormDB)
	if err != nil {
		return err
	}
	variants, err := store.NewVariantStore(gormDB)
	if err != nil {
		return err
	}
	selections, err := store.NewSelectionStore(gormDB)
	if err != nil {
		return err
	}

	var record *models.ChatSession
	if sessionID != 0 {
		record, err = sessions.Get(sessionID)
		if err != nil {
			return err
		}
		if record == nil {
			return fmt.Errorf("session %d not found", sessionID)
		}
	} else {
		record, err = sessions.Create(title, defaultSystemPrompt, cfg.Truncation.Budget)
		if err != nil {
			return err
		}
	}

	rt, err := chat.NewRuntime(chat.Opts{
		Session:     record,
		Sessions:    sessions,
		Messages:    messages,
		Variants:    variants,
		Selections:  selections,
		Completer:   client,
		Temperature: cfg.Provider.Temperature,
		MaxTokens:   cfg.Provider.MaxTokens,
	})
	if err != nil {
		return err
	}

	return repl(cmd.InOrStdin(), out, rt, record.ID)
}

// repl reads lines and dispatches chat turns and slash commands until EOF
// or /exit.
func repl(in io.Reader, out io.Writer, rt *chat.Runtime, sessionID uint) error {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	red := color.New(color.FgRed)

	cyan.Fprintf(out, "Parley session %d\n", sessionID)
	yellow.Fprintln(out, "Commands: /retry /variant /prev /next /commit /summary <text> /exit")

	// Tracks the message a variant generation is running for, so an abort
	// can reach it from outside the blocked call.
	var variantTarget atomic.Uint64

	// Ctrl+C aborts whatever is streaming instead of killing the REPL.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	defer signal.Stop(sigCh)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-sigCh:
				rt.Abort()
				if id := variantTarget.Load(); id != 0 {
					rt.AbortVariant(uint(id))
				}
			case <-done:
				return
			}
		}
	}()

	scanner := bufio.NewScanner(in)
	for {
		green.Fprint(out, "you> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		name, rest := parseLine(line)
		switch name {
		case "/exit", "/quit":
			return nil
		case "/summary":
			if err := rt.SetSummary(rest); err != nil {
				red.Fprintf(out, "error: %v\n", err)
			}
		case "/retry":
			streamTurn(out, rt, chat.SendOpts{Retry: true, Stream: true})
		case "/variant":
			latest, err := latestAssistantID(rt)
			if err != nil {
				red.Fprintf(out, "error: %v\n", err)
				continue
			}
			variantTarget.Store(uint64(latest))
			v, err := rt.GenerateVariant(context.Background(), latest, chat.VariantOpts{
				OnDelta: func(delta, total string) { fmt.Fprint(out, delta) },
			})
			variantTarget.Store(0)
			fmt.Fprintln(out)
			if err != nil {
				red.Fprintf(out, "error: %v\n", err)
			} else if v == nil {
				red.Fprintln(out, "(aborted)")
			}
		case "/prev", "/next":
			latest, err := latestAssistantID(rt)
			if err != nil {
				red.Fprintf(out, "error: %v\n", err)
				continue
			}
			dir := variant.Next
			if name == "/prev" {
				dir = variant.Prev
			}
			sel, err := rt.Manager().Navigate(latest, dir)
			if err != nil {
				red.Fprintf(out, "error: %v\n", err)
				continue
			}
			yellow.Fprintf(out, "[%d/%d] ", sel.Index, sel.Count)
			fmt.Fprintln(out, rt.Manager().Display(latest))
		case "/commit":
			latest, err := latestAssistantID(rt)
			if err != nil {
				red.Fprintf(out, "error: %v\n", err)
				continue
			}
			if err := rt.Manager().Commit(latest); err != nil {
				red.Fprintf(out, "error: %v\n", err)
			}
		default:
			if name != "" {
				yellow.Fprintf(out, "unknown command %s\n", name)
				continue
			}
			streamTurn(out, rt, chat.SendOpts{UserMessage: line, Stream: true})
		}
	}
}

// streamTurn sends one turn and prints deltas as they arrive.
func streamTurn(out io.Writer, rt *chat.Runtime, opts chat.SendOpts) {
	red := color.New(color.FgRed)
	opts.OnDelta = func(delta, total string) { fmt.Fprint(out, delta) }
	msg, err := rt.Send(context.Background(), opts)
	fmt.Fprintln(out)
	if err != nil {
		red.Fprintf(out, "error: %v\n", err)
		return
	}
	if msg == nil {
		red.Fprintln(out, "(aborted)")
	}
}

// latestAssistantID returns the id of the newest assistant message, the
// only one variants operate on.
func latestAssistantID(rt *chat.Runtime) (uint, error) {
	latest, err := rt.LatestAssistant()
	if err != nil {
		return 0, err
	}
	if latest == nil {
		return 0, fmt.Errorf("no assistant message yet")
	}
	return latest.ID, nil
}

// parseLine splits a REPL line into a slash command and its argument.
// Non-command lines come back with an empty name.
func parseLine(line string) (name, rest string) {
	if !strings.HasPrefix(line, "/") {
		return "", line
	}
	parts := strings.SplitN(line, " ", 2)
	name = parts[0]
	if len(parts) == 2 {
		rest = strings.TrimSpace(parts[1])
	}
	return name, rest
}
