// Package main is the headless command line client for the completion agent.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dshills/keystorm-copilot/internal/agent"
	"github.com/dshills/keystorm-copilot/internal/completion"
	"github.com/dshills/keystorm-copilot/internal/config"
	"github.com/dshills/keystorm-copilot/internal/logging"
	"github.com/dshills/keystorm-copilot/internal/protocol"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type options struct {
	ConfigPath    string
	LogLevel      string
	WorkspacePath string
	Status        bool
	SignIn        bool
	SignOut       bool
	Version       bool
	Complete      string
	Panel         bool
	Accept        bool
	Timeout       time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts := parseFlags()

	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	logger := logging.New(cfg.LoggingOptions())
	if opts.SignIn {
		// signInConfirm blocks until the user finishes in the browser.
		cfg.Agent.RequestTimeout = 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := agent.Start(cfg.Command(),
		agent.WithLogger(logger),
		agent.WithClientInfo(protocol.NameVersion{Name: cfg.Editor.Name, Version: cfg.Editor.Version}),
		agent.WithTransportOptions(cfg.TransportOptions()...),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start agent: %v\n", err)
		return 1
	}
	defer client.Close()

	if err := handshake(ctx, client, cfg, opts.WorkspacePath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	cmdCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		cmdCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	switch {
	case opts.Version:
		err = printVersion(cmdCtx, os.Stdout, client)
	case opts.SignIn:
		err = signIn(ctx, os.Stdout, client)
	case opts.SignOut:
		err = signOut(cmdCtx, os.Stdout, client)
	case opts.Complete != "":
		err = complete(cmdCtx, os.Stdout, client, cfg, opts, logger)
	default:
		err = printStatus(cmdCtx, os.Stdout, client)
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 130
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func parseFlags() options {
	var opts options
	var showHelp bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file (.toml, .yaml)")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.WorkspacePath, "workspace", "", "Workspace root sent with initialize")
	flag.StringVar(&opts.WorkspacePath, "w", "", "Workspace root (shorthand)")
	flag.BoolVar(&opts.Status, "status", false, "Show account status (default command)")
	flag.BoolVar(&opts.SignIn, "sign-in", false, "Sign in with the device flow")
	flag.BoolVar(&opts.SignOut, "sign-out", false, "Sign out")
	flag.BoolVar(&opts.Version, "version", false, "Show client and agent versions")
	flag.StringVar(&opts.Complete, "complete", "", "Request completions at file:line:char (zero-based)")
	flag.BoolVar(&opts.Panel, "panel", false, "With -complete, stream panel solutions instead of inline completions")
	flag.BoolVar(&opts.Accept, "accept", false, "With -complete, insert the best completion into the file")
	flag.DurationVar(&opts.Timeout, "timeout", 30*time.Second, "Command timeout (0 waits forever)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "copilot-agent - headless client for the completion agent\n\n")
		fmt.Fprintf(os.Stderr, "Usage: copilot-agent [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  copilot-agent                          Show account status\n")
		fmt.Fprintf(os.Stderr, "  copilot-agent -sign-in                 Sign in\n")
		fmt.Fprintf(os.Stderr, "  copilot-agent -complete main.go:10:4   Inline completions\n")
		fmt.Fprintf(os.Stderr, "  copilot-agent -complete main.go:10:4 -panel\n")
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if opts.Complete != "" && opts.WorkspacePath == "" {
		if path, _, err := parseLocation(opts.Complete); err == nil {
			if abs, err := filepath.Abs(path); err == nil {
				opts.WorkspacePath = filepath.Dir(abs)
			}
		}
	}
	return opts
}

func loadConfig(opts options) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func handshake(ctx context.Context, c *agent.Client, cfg *config.Config, root string) error {
	if root != "" {
		abs, err := filepath.Abs(root)
		if err != nil {
			return err
		}
		root = abs
	}
	if _, err := c.Initialize(ctx, root); err != nil {
		return err
	}
	return c.SetEditorInfo(ctx, cfg.EditorInfo())
}

func printStatus(ctx context.Context, w io.Writer, c *agent.Client) error {
	acct, err := c.CheckStatus(ctx, false)
	if err != nil {
		return err
	}
	if acct.SignedIn {
		fmt.Fprintf(w, "Signed in as %s (%s)\n", acct.User, acct.Status)
		return nil
	}
	fmt.Fprintf(w, "Not signed in (%s)\n", acct.Status)
	return nil
}

func signIn(ctx context.Context, w io.Writer, c *agent.Client) error {
	start, err := c.SignInInitiate(ctx)
	if err != nil {
		return err
	}
	if start.Status == protocol.StatusAlreadySignIn {
		fmt.Fprintf(w, "Already signed in as %s\n", start.User)
		return nil
	}

	fmt.Fprintf(w, "Open %s and enter code %s\n", start.VerificationURI, start.UserCode)
	fmt.Fprintf(w, "Waiting for confirmation...\n")
	acct, err := c.SignInConfirm(ctx, start.UserCode)
	if err != nil {
		return err
	}
	if !acct.SignedIn {
		return fmt.Errorf("sign in not completed: %s", acct.Status)
	}
	fmt.Fprintf(w, "Signed in as %s\n", acct.User)
	return nil
}

func signOut(ctx context.Context, w io.Writer, c *agent.Client) error {
	acct, err := c.SignOut(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Signed out (%s)\n", acct.Status)
	return nil
}

func printVersion(ctx context.Context, w io.Writer, c *agent.Client) error {
	fmt.Fprintf(w, "copilot-agent %s\n", version)
	fmt.Fprintf(w, "Commit: %s\n", commit)
	fmt.Fprintf(w, "Built: %s\n", date)

	v, err := c.GetVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "Agent: %s (%s, %s)\n", v.Version, v.BuildType, v.RuntimeVersion)
	return nil
}

func complete(ctx context.Context, w io.Writer, c *agent.Client, cfg *config.Config, opts options, logger *slog.Logger) error {
	path, pos, err := parseLocation(opts.Complete)
	if err != nil {
		return err
	}
	path, err = filepath.Abs(path)
	if err != nil {
		return err
	}
	ed, err := openFileEditor(opts.WorkspacePath, path, pos, protocol.Indent{TabSize: 4, InsertSpaces: true})
	if err != nil {
		return err
	}

	if acct, err := c.CheckStatus(ctx, true); err != nil {
		return err
	} else if !acct.SignedIn {
		return fmt.Errorf("not signed in (%s): run copilot-agent -sign-in", acct.Status)
	}

	loop := completion.NewLoop(logger)
	defer loop.Close()
	m := c.Completions(ed, loop, completion.WithOptions(cfg.CompletionOptions()))

	if opts.ConfigPath != "" {
		watcher, err := config.NewWatcher(opts.ConfigPath, func(next *config.Config) {
			m.SetOptions(next.CompletionOptions())
		}, config.WithEnv(os.LookupEnv), config.WithWatchLogger(logger))
		if err != nil {
			logger.Warn("config reload disabled", "error", err)
		} else {
			defer watcher.Close()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go loop.Run(runCtx)

	post := func(fn func()) bool { return onLoop(ctx, loop, fn) }
	if opts.Panel {
		return completePanel(ctx, w, post, m, ed, opts.Accept)
	}
	return completeInline(ctx, w, post, m, ed, opts.Accept)
}

// onLoop runs fn on the loop and waits for it to finish.
func onLoop(ctx context.Context, loop *completion.Loop, fn func()) bool {
	done := make(chan struct{})
	if !loop.Post(func() {
		defer close(done)
		fn()
	}) {
		return false
	}
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// loopErr explains why work could not run on the loop.
func loopErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return completion.ErrClosed
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func completeInline(ctx context.Context, w io.Writer, post func(func()) bool, m *completion.Manager, ed *fileEditor, accept bool) error {
	if !post(func() { m.TriggerNow(ed.view) }) {
		return loopErr(ctx)
	}
	var snap completion.InlineSnapshot
	for {
		if !post(func() { snap = m.Inline(ed.view) }) {
			return loopErr(ctx)
		}
		if snap.State != completion.StateRequesting {
			break
		}
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}

	if len(snap.Completions) == 0 {
		fmt.Fprintln(w, "No completions")
		return nil
	}
	for i, comp := range snap.Completions {
		fmt.Fprintf(w, "--- completion %d/%d\n%s\n", i+1, len(snap.Completions), comp.DisplayText)
	}
	if !accept {
		post(func() { m.Dismiss(ed.view) })
		return nil
	}

	var acceptErr error
	post(func() { _, acceptErr = m.Accept(ed.view) })
	if acceptErr != nil {
		return acceptErr
	}
	return ed.save()
}

func completePanel(ctx context.Context, w io.Writer, post func(func()) bool, m *completion.Manager, ed *fileEditor, accept bool) error {
	var openErr error
	if !post(func() { _, openErr = m.OpenPanel(ed.view) }) {
		return loopErr(ctx)
	}
	if openErr != nil {
		return openErr
	}

	var snap completion.PanelSnapshot
	for {
		if !post(func() { snap = m.Panel(ed.view) }) {
			return loopErr(ctx)
		}
		if !snap.Streaming {
			break
		}
		if err := sleep(ctx, 50*time.Millisecond); err != nil {
			return err
		}
	}

	if len(snap.Solutions) == 0 {
		fmt.Fprintln(w, "No solutions")
		return nil
	}
	for i, sol := range snap.Solutions {
		fmt.Fprintf(w, "--- solution %d/%d (score %.3f)\n%s\n", i+1, len(snap.Solutions), sol.Score, sol.DisplayText)
	}
	if !accept {
		post(func() { m.ClosePanel(ed.view) })
		return nil
	}

	var acceptErr error
	post(func() { _, acceptErr = m.AcceptPanelSolution(ed.view, snap.Solutions[0].SolutionID) })
	if acceptErr != nil {
		return acceptErr
	}
	return ed.save()
}
