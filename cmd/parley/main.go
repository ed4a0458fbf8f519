// parley - terminal client for streaming chat sessions.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/peterh/liner"
	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/jeranaias/parley/internal/api"
	"github.com/jeranaias/parley/internal/config"
	"github.com/jeranaias/parley/internal/controller"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/tokenstore"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Styles for the interactive prompt and status lines.
var (
	promptStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("parley %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create data directory: %v\n", err)
		os.Exit(1)
	}

	log := newLogger(cfg)

	store := tokenstore.OpenDefault(cfg.DataDir)
	defer store.Close()

	client := api.NewClient(cfg.BaseURL).
		WithTimeout(cfg.RequestTimeout()).
		WithIdleTimeout(cfg.StreamIdleTimeout()).
		WithLogger(log)

	ctrl := controller.New(client, store, log)

	// Pick up base URL edits without a restart. Other fields stay fixed for
	// the lifetime of the process.
	if path, err := config.Path(); err == nil {
		if w, err := config.NewWatcher(path, func(next *config.Config) {
			if next.BaseURL != client.BaseURL() {
				log.Info().Str("base_url", next.BaseURL).Msg("config reloaded")
				client.SetBaseURL(next.BaseURL)
			}
		}); err == nil {
			defer w.Close()
		}
	}

	if term.IsTerminal(int(os.Stdin.Fd())) {
		runREPL(ctrl, cfg)
		return
	}
	runPiped(ctrl)
}

// newLogger builds the process logger. Interactive runs keep the terminal
// clean by logging to a file in the data directory.
func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	logPath := filepath.Join(cfg.DataDir, "parley.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return zerolog.Nop()
	}
	return zerolog.New(f).Level(level).With().Timestamp().Logger()
}

// =============================================================================
// REPL
// =============================================================================

func runREPL(ctrl *controller.Controller, cfg *config.Config) {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	historyPath := filepath.Join(cfg.DataDir, "input_history")
	if f, err := os.Open(historyPath); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.Create(historyPath); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	// Ctrl-C during a stream stops the stream; at the prompt liner turns it
	// into ErrPromptAborted instead.
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		for range sigc {
			ctrl.Stop()
		}
	}()

	ctrl.SetOnDelta(func(content string) {
		fmt.Print(assistantStyle.Render(content))
	})

	fmt.Println(dimStyle.Render("parley " + Version + " — /help for commands"))
	replayHistory(ctrl)

	for {
		input, err := line.Prompt(prompt(ctrl))
		if err == liner.ErrPromptAborted {
			continue
		}
		if err != nil { // io.EOF on Ctrl-D
			fmt.Println()
			return
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if quit := runCommand(ctrl, interactiveCredentials(line), input); quit {
				return
			}
			continue
		}

		sendAndRender(ctrl, input)
	}
}

// runPiped processes non-interactive stdin line-by-line: slash commands
// dispatch through the same command path as the REPL, everything else is
// sent as a message. Credentials must be supplied as command arguments
// since there is no prompt to ask on.
func runPiped(ctrl *controller.Controller) {
	ctrl.SetOnDelta(func(content string) {
		fmt.Print(content)
	})

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 64*1024)

	for scanner.Scan() {
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if strings.HasPrefix(input, "/") {
			if quit := runCommand(ctrl, pipedCredentials, input); quit {
				return
			}
			continue
		}
		sendAndRender(ctrl, input)
	}
	if err := scanner.Err(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// prompt renders the input prompt with the active session's label.
func prompt(ctrl *controller.Controller) string {
	snap := ctrl.Snapshot()
	label := "parley"
	if !snap.LoggedIn {
		label = "parley (logged out)"
	} else if name := activeSessionName(snap); name != "" {
		label = name
	}
	return promptStyle.Render(label+" ❯") + " "
}

func activeSessionName(snap controller.Snapshot) string {
	for _, s := range snap.Sessions {
		if s.ID == snap.ActiveSessionID {
			return s.Name
		}
	}
	return ""
}

// replayHistory loads and prints the persisted conversation, if any.
func replayHistory(ctrl *controller.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := ctrl.LoadHistory(ctx); err != nil {
		printControllerError(ctrl)
		return
	}
	for _, msg := range ctrl.Snapshot().Messages {
		printMessage(msg)
	}
}

func printMessage(msg model.Message) {
	switch msg.Role {
	case model.RoleAssistant:
		fmt.Println(assistantStyle.Render(msg.Content))
	default:
		fmt.Println(dimStyle.Render(msg.Role.DisplayName()+":") + " " + msg.Content)
	}
}

// sendAndRender sends one message; the delta hook streams the reply to the
// terminal as it arrives.
func sendAndRender(ctrl *controller.Controller, text string) {
	err := ctrl.SendMessage(context.Background(), text)
	fmt.Println()
	if err != nil {
		printControllerError(ctrl)
	}
}

func printControllerError(ctrl *controller.Controller) {
	if msg := ctrl.Snapshot().Err; msg != "" {
		fmt.Println(errorStyle.Render("error: " + msg))
		ctrl.ClearError()
	}
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// credentialsFunc supplies login credentials for /login and /register,
// from command arguments or by prompting, depending on the mode.
type credentialsFunc func(args []string) (email, password string, err error)

func runCommand(ctrl *controller.Controller, creds credentialsFunc, input string) (quit bool) {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "/help":
		printHelp()

	case "/login":
		email, password, err := creds(args)
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			return false
		}
		if err := ctrl.Login(ctx, email, password); err != nil {
			printControllerError(ctrl)
			return false
		}
		fmt.Println(dimStyle.Render("logged in"))
		replayHistory(ctrl)

	case "/register":
		email, password, err := creds(args)
		if err != nil {
			fmt.Println(errorStyle.Render(err.Error()))
			return false
		}
		if err := ctrl.Register(ctx, email, password); err != nil {
			printControllerError(ctrl)
			return false
		}
		fmt.Println(dimStyle.Render("account created"))

	case "/logout":
		ctrl.Logout()
		fmt.Println(dimStyle.Render("logged out"))

	case "/sessions":
		if err := ctrl.RefreshSessions(ctx); err != nil {
			printControllerError(ctrl)
			return false
		}
		snap := ctrl.Snapshot()
		if len(snap.Sessions) == 0 {
			fmt.Println(dimStyle.Render("no sessions"))
		}
		for i, s := range snap.Sessions {
			marker := "  "
			if s.ID == snap.ActiveSessionID {
				marker = "* "
			}
			name := s.Name
			if name == "" {
				name = "(unnamed)"
			}
			fmt.Printf("%s%d. %s  %s\n", marker, i+1, name, dimStyle.Render(s.ID))
		}

	case "/use":
		if len(args) != 1 {
			fmt.Println(errorStyle.Render("usage: /use <number|session-id>"))
			return false
		}
		id := args[0]
		// A small integer refers to the /sessions listing by position.
		if n, err := strconv.Atoi(id); err == nil {
			snap := ctrl.Snapshot()
			if n < 1 || n > len(snap.Sessions) {
				fmt.Println(errorStyle.Render("no such session number"))
				return false
			}
			id = snap.Sessions[n-1].ID
		}
		if err := ctrl.SelectSession(ctx, id); err != nil {
			printControllerError(ctrl)
			return false
		}
		for _, msg := range ctrl.Snapshot().Messages {
			printMessage(msg)
		}

	case "/new":
		name := strings.Join(args, " ")
		if err := ctrl.CreateSession(ctx, name); err != nil {
			printControllerError(ctrl)
			return false
		}
		fmt.Println(dimStyle.Render("session created"))

	case "/rename":
		if len(args) < 2 {
			fmt.Println(errorStyle.Render("usage: /rename <session-id> <name>"))
			return false
		}
		if err := ctrl.RenameSession(ctx, args[0], strings.Join(args[1:], " ")); err != nil {
			printControllerError(ctrl)
		}

	case "/delete":
		if len(args) != 1 {
			fmt.Println(errorStyle.Render("usage: /delete <session-id>"))
			return false
		}
		if err := ctrl.DeleteSession(ctx, args[0]); err != nil {
			printControllerError(ctrl)
		}

	case "/stop":
		ctrl.Stop()

	case "/quit", "/exit":
		return true

	default:
		fmt.Println(errorStyle.Render("unknown command: " + cmd))
	}
	return false
}

// interactiveCredentials prompts for whatever the command line did not
// supply, reading the password without echo.
func interactiveCredentials(line *liner.State) credentialsFunc {
	return func(args []string) (string, string, error) {
		if len(args) == 2 {
			return args[0], args[1], nil
		}
		email, err := line.Prompt("email: ")
		if err != nil {
			return "", "", err
		}
		password, err := line.PasswordPrompt("password: ")
		if err != nil {
			return "", "", err
		}
		return strings.TrimSpace(email), password, nil
	}
}

// pipedCredentials requires both values inline; there is no terminal to
// prompt on.
func pipedCredentials(args []string) (string, string, error) {
	if len(args) != 2 {
		return "", "", fmt.Errorf("usage: /login <email> <password> (piped mode has no prompt)")
	}
	return args[0], args[1], nil
}

func printHelp() {
	fmt.Print(dimStyle.Render(`commands:
  /login               log in and resume the most recent session
  /register            create an account
  /logout              clear all local credentials
  /sessions            list sessions (* marks active)
  /use <n|id>          switch to a session
  /new [name]          create a session
  /rename <id> <name>  rename a session
  /delete <id>         delete a session
  /stop                stop the in-flight reply
  /quit                exit
`))
}
