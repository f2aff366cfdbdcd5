// Package commands provides CLI subcommands for fbmsg.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jersoncarin/facebook-message-api/internal/config"
	"github.com/jersoncarin/facebook-message-api/internal/cron"
	"github.com/jersoncarin/facebook-message-api/internal/delivery"
	"github.com/jersoncarin/facebook-message-api/internal/delta"
	"github.com/jersoncarin/facebook-message-api/internal/events"
	"github.com/jersoncarin/facebook-message-api/internal/gateway"
	"github.com/jersoncarin/facebook-message-api/internal/graphql"
	"github.com/jersoncarin/facebook-message-api/internal/listener"
	"github.com/jersoncarin/facebook-message-api/internal/logging"
	"github.com/jersoncarin/facebook-message-api/internal/mqtt"
	"github.com/jersoncarin/facebook-message-api/internal/session"
	"github.com/jersoncarin/facebook-message-api/internal/sink"
)

const (
	lockFileName   = "fbmsg-listen.lock"
	pidFileName    = "fbmsg-listen.pid"
	streamBuffer   = 64
	shutdownWindow = 10 * time.Second
)

// listenRuntime holds the pieces tests replace.
type listenRuntime struct {
	baseURL string
	dialer  mqtt.Dialer
	signals <-chan os.Signal
}

var defaultRuntime listenRuntime

// NewListenCommand creates the listen subcommand.
func NewListenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Listen for Messenger events",
		Long: `Connect to the Messenger real-time stream with the cookies in the app state
file and print one normalized event per line until interrupted.`,
		Example: `  # Human-readable output
  fbmsg listen

  # JSON lines, own messages included, with the local gateway
  fbmsg listen --json --self-listen --gateway`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runListen(cmd, defaultRuntime)
		},
	}

	cmd.Flags().String("appstate", "", "App state cookie file (default ~/.fbmsg/appstate.json)")
	cmd.Flags().Bool("self-listen", true, "Emit events authored by this account")
	cmd.Flags().Bool("events", true, "Emit thread events besides messages")
	cmd.Flags().Bool("emit-ready", false, "Emit a ready event once the stream is acknowledged")
	cmd.Flags().Bool("gateway", false, "Serve the local HTTP gateway")
	cmd.Flags().Bool("json", false, "Print events as JSON lines")

	return cmd
}

func applyListenFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("appstate") {
		cfg.Account.AppStatePath, _ = flags.GetString("appstate")
	}
	if flags.Changed("self-listen") {
		cfg.Listen.SelfListen, _ = flags.GetBool("self-listen")
	}
	if flags.Changed("events") {
		cfg.Listen.ListenEvents, _ = flags.GetBool("events")
	}
	if flags.Changed("emit-ready") {
		cfg.Listen.EmitReady, _ = flags.GetBool("emit-ready")
	}
	if flags.Changed("gateway") {
		cfg.Gateway.Enabled, _ = flags.GetBool("gateway")
	}
}

func runListen(cmd *cobra.Command, rt listenRuntime) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	applyListenFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	jsonOutput, _ := cmd.Flags().GetBool("json")

	logger, err := logging.NewWriter(cmd.ErrOrStderr(), cfg.Logging)
	if err != nil {
		return err
	}

	// Single instance per state dir: two listeners would acknowledge and
	// deliver everything twice.
	stateDir := config.StateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state dir: %w", err)
	}
	lockPath := filepath.Join(stateDir, lockFileName)
	fileLock := flock.New(lockPath)
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("error checking lock file: %w", err)
	}
	if !locked {
		return fmt.Errorf("another listener is already running (lock file %s)", lockPath)
	}
	defer func() { _ = fileLock.Unlock() }()

	if err := writeListenPID(); err != nil {
		return err
	}
	defer func() { _ = removeListenPID() }()

	cookies, err := session.LoadAppState(cfg.AppStatePath())
	if err != nil {
		return err
	}
	sess, err := session.New(session.Credentials{Cookies: cookies})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	_, err = session.Bootstrap(ctx, sess, session.BootstrapOptions{
		UserAgent: cfg.Account.UserAgent,
		Proxy:     cfg.Account.Proxy,
		BaseURL:   rt.baseURL,
	}, logger)
	cancel()
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}

	client := graphql.New(sess, graphql.Options{
		PageID:    cfg.Account.PageID,
		UserAgent: cfg.Account.UserAgent,
		Proxy:     cfg.Account.Proxy,
		BaseURL:   rt.baseURL,
	}, logger)

	acker := delivery.New(client, delivery.Options{
		AutoMarkDelivery: cfg.Listen.AutoMarkDelivery,
		AutoMarkRead:     cfg.Listen.AutoMarkRead,
		RatePerSecond:    cfg.Listen.AckRatePerSecond,
		Burst:            cfg.Listen.AckBurst,
	}, logger)
	defer acker.Close()

	dialer := rt.dialer
	if dialer == nil {
		dialer = mqtt.NewDialer(logger)
	}

	l := listener.New(listener.Config{
		Session: sess,
		Options: listener.Options{
			Online:         cfg.Listen.Online,
			ListenEvents:   cfg.Listen.ListenEvents,
			ListenTyping:   cfg.Listen.ListenTyping,
			UpdatePresence: cfg.Listen.UpdatePresence,
			SelfListen:     cfg.Listen.SelfListen,
			AutoReconnect:  cfg.Listen.AutoReconnect,
			EmitReady:      cfg.Listen.EmitReady,
			PageID:         cfg.Account.PageID,
			Proxy:          cfg.Account.Proxy,
			UserAgent:      cfg.Account.UserAgent,
		},
		Syncer:   client,
		Dialer:   dialer,
		Acker:    acker,
		Photos:   client,
		Resolver: delta.NewResolver(client, logger),
		Logger:   logger,
	})

	sched := cron.NewScheduler(logger)
	if schedule := cfg.Logging.StatsSchedule; schedule != "" {
		if err := sched.Add("stats", schedule, cron.StatsJob(l, logger)); err != nil {
			return err
		}
	}

	stream := sink.NewStream(streamBuffer, logger)
	defer stream.Close()

	printer := &eventPrinter{out: cmd.OutOrStdout(), json: jsonOutput, logger: logger}

	if cfg.Gateway.Enabled {
		server := gateway.New(&gateway.Config{
			Host:  cfg.Gateway.Host,
			Port:  cfg.Gateway.Port,
			Token: cfg.Gateway.Token,
			RateLimit: gateway.RateLimit{
				Enabled: cfg.Gateway.RateLimit.Enabled,
				RPS:     cfg.Gateway.RateLimit.RPS,
				Burst:   cfg.Gateway.RateLimit.Burst,
			},
		}, l, stream, sess.UserID(), logger)
		if err := server.Start(); err != nil {
			return fmt.Errorf("failed to start gateway: %w", err)
		}
		defer func() {
			stream.Close()
			ctx, cancel := context.WithTimeout(context.Background(), shutdownWindow)
			defer cancel()
			if err := server.Stop(ctx); err != nil {
				logger.Warn().Err(err).Msg("Gateway shutdown failed")
			}
		}()
	}

	if err := l.Listen(sink.Multi(printer, stream)); err != nil {
		return err
	}
	logger.Info().Str("user", sess.UserID()).Msg("Listening")
	sched.Start()
	defer sched.Stop()

	signals := rt.signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	finished := make(chan struct{})
	go func() {
		l.Wait()
		close(finished)
	}()

	select {
	case sig := <-signals:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down")
		l.Stop(nil)
		select {
		case <-finished:
		case <-time.After(shutdownWindow):
			logger.Warn().Msg("Listener did not drain in time")
		}
		return nil
	case <-finished:
		return printer.terminal()
	}
}

// eventPrinter writes each delivery to the command output and remembers the
// terminal outcome.
type eventPrinter struct {
	out    io.Writer
	json   bool
	logger zerolog.Logger

	mu   sync.Mutex
	last error
}

func (p *eventPrinter) Handle(err error, e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err != nil {
		p.last = err
		fmt.Fprintf(p.out, "error: %v\n", err)
		return
	}
	if stop, ok := e.(events.StopListen); ok {
		p.last = errors.New(stop.Error)
	}

	if p.json {
		line, merr := events.Marshal(e)
		if merr != nil {
			p.logger.Warn().Err(merr).Msg("Dropping unencodable event")
			return
		}
		fmt.Fprintln(p.out, string(line))
		return
	}
	fmt.Fprintln(p.out, summarize(e))
}

func (p *eventPrinter) terminal() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

// summarize renders a one-line human description of e.
func summarize(e events.Event) string {
	switch v := e.(type) {
	case events.Message:
		return fmt.Sprintf("[message] %s <- %s: %s%s", v.ThreadID, v.SenderID, v.Body, attachmentNote(v.Attachments))
	case events.MessageReply:
		target := ""
		if v.MessageReply != nil {
			target = v.MessageReply.MessageID
		}
		return fmt.Sprintf("[reply] %s <- %s (to %s): %s%s", v.ThreadID, v.SenderID, target, v.Body, attachmentNote(v.Attachments))
	case events.MessageReaction:
		return fmt.Sprintf("[reaction] %s %s on %s by %s", v.ThreadID, v.Reaction, v.MessageID, v.UserID)
	case events.MessageUnsend:
		return fmt.Sprintf("[unsend] %s %s by %s", v.ThreadID, v.MessageID, v.SenderID)
	case events.Typing:
		state := "stopped typing"
		if v.IsTyping {
			state = "typing"
		}
		return fmt.Sprintf("[typ] %s %s in %s", v.From, state, v.ThreadID)
	case events.ReadReceipt:
		return fmt.Sprintf("[read] %s read %s", v.Reader, v.ThreadID)
	case events.Ready:
		return "[ready]"
	case events.StopListen:
		return "[stop_listen] " + v.Error
	case events.ParseError:
		return "[parse_error] " + v.Error
	default:
		line, err := events.Marshal(e)
		if err != nil {
			return "[" + string(e.EventType()) + "]"
		}
		return "[" + string(e.EventType()) + "] " + string(line)
	}
}

func attachmentNote(atts []events.Attachment) string {
	if len(atts) == 0 {
		return ""
	}
	kinds := make([]string, len(atts))
	for i, a := range atts {
		kinds[i] = a.Type
	}
	return " (" + strings.Join(kinds, ", ") + ")"
}

func listenPIDPath() string {
	return filepath.Join(config.StateDir(), pidFileName)
}

func writeListenPID() error {
	return os.WriteFile(listenPIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644)
}

func readListenPID() (int, error) {
	data, err := os.ReadFile(listenPIDPath())
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid pid file")
	}
	return pid, nil
}

func removeListenPID() error {
	return os.Remove(listenPIDPath())
}
