// Command afkd is the singleton coordination daemon (§1). It owns the
// Local-Stream Transport, Reply Dispatcher, and Resolution Watcher
// goroutines and shuts them down cleanly on SIGINT/SIGTERM. The CLI
// surface (`enable|disable|status|setup`) is an external collaborator's
// job (§1); this binary answers the equivalent IPC request types
// (`enable_afk`/`disable_afk`/`status`) over the socket instead. Dispatch
// shape (flag-parsed subcommand, daemon-by-default) and the signal-driven
// `Run()`/shutdown sequence are grounded on cmd/agentd/main.go (teacher).
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agent-afk/afkd/internal/chatapi"
	"github.com/agent-afk/afkd/internal/config"
	"github.com/agent-afk/afkd/internal/dispatcher"
	"github.com/agent-afk/afkd/internal/gate"
	"github.com/agent-afk/afkd/internal/logging"
	"github.com/agent-afk/afkd/internal/metrics"
	"github.com/agent-afk/afkd/internal/paths"
	"github.com/agent-afk/afkd/internal/registry"
	"github.com/agent-afk/afkd/internal/router"
	"github.com/agent-afk/afkd/internal/state"
	"github.com/agent-afk/afkd/internal/store"
	"github.com/agent-afk/afkd/internal/transport"
	"github.com/agent-afk/afkd/internal/watcher"
	"github.com/rs/zerolog"
)

const version = "0.1.0"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "version":
			fmt.Println("afkd " + version)
			return
		case "status":
			runStatusCommand(os.Args[2:])
			return
		}
	}
	runDaemon()
}

// runStatusCommand prints the resolved socket path and config directory.
// It does not dial the socket or contact a running daemon. The real
// `status` CLI surface lives in the external hook executables (§1).
func runStatusCommand(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	home := fs.String("claude-home", "", "override $HOME/.claude for testing")
	fs.Parse(args)

	layout, err := paths.Resolve(*home, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "afkd status:", err)
		os.Exit(1)
	}
	fmt.Printf("socket: %s\nconfig dir: %s\n", layout.SocketPath, layout.ConfigDir)
}

type daemon struct {
	layout paths.Layout
	log    zerolog.Logger

	gate       *gate.Gate
	reg        *registry.Registry
	st         *store.Store
	persister  *state.Persister
	chat       *chatapi.Adapter
	metrics    *metrics.Registry
	r          *router.Router
	listener   *transport.Listener
	dispatch   *dispatcher.Dispatcher
	resWatcher *watcher.Watcher
	cfgWatcher *config.Watcher
}

func runDaemon() {
	claudeHome := flag.String("claude-home", "", "override $HOME/.claude for testing")
	flag.Parse()

	layout, err := paths.Resolve(*claudeHome, "")
	if err != nil {
		fmt.Fprintln(os.Stderr, "afkd: resolving paths:", err)
		os.Exit(1)
	}
	if err := layout.EnsureDirs(); err != nil {
		fmt.Fprintln(os.Stderr, "afkd: creating directories:", err)
		os.Exit(1)
	}

	log, err := logging.New(logging.Options{
		Debug:  os.Getenv("CLAUDE_AFK_DEBUG") == "1",
		LogDir: layout.LogDir,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "afkd: building logger:", err)
		os.Exit(1)
	}

	d, err := newDaemon(layout, log)
	if err != nil {
		log.Fatal().Err(err).Msg("afkd: startup failed")
	}

	if err := d.run(); err != nil {
		log.Fatal().Err(err).Msg("afkd: fatal error")
	}
}

func newDaemon(layout paths.Layout, log zerolog.Logger) (*daemon, error) {
	g, err := gate.Acquire(layout.LockPath)
	if err != nil {
		return nil, err // §4.1: the only fatal startup error
	}

	cfg, err := config.Load(layout.ConfigPath)
	if err != nil {
		log.Warn().Err(err).Msg("afkd: config load failed, using defaults")
		cfg = config.Defaults()
	}

	m := metrics.New()
	reg := registry.New()

	persister := state.New(log, layout.StatePath)

	var st *store.Store
	st = store.New(func() { persister.Save(reg, st) })

	token := os.Getenv("CLAUDE_AFK_TELEGRAM_TOKEN")
	chat := chatapi.New(log, m, token, 3, cfg.StaleThresholdDuration())

	r := router.New(log, reg, st, chat, persister, m, cfg)

	return &daemon{
		layout: layout, log: log, gate: g, reg: reg, st: st,
		persister: persister, chat: chat, metrics: m, r: r,
	}, nil
}

func (d *daemon) run() error {
	defer d.gate.Release()

	if err := d.recoverState(); err != nil {
		d.log.Warn().Err(err).Msg("afkd: state recovery failed, continuing with empty state")
	}

	listener, err := transport.Listen(d.log, d.layout.SocketPath)
	if err != nil {
		return err
	}
	d.listener = listener
	go listener.Serve(func(conn *transport.Conn, frame transport.Frame, respond transport.RespondFunc) {
		d.r.Dispatch(conn, frame, respond)
	})

	d.dispatch = dispatcher.New(d.log, d.r)
	go d.dispatch.Run()

	if os.Getenv("CLAUDE_AFK_DEBUG") == "1" {
		go d.serveMetrics()
	}

	d.resWatcher = watcher.New(d.log, d.r, d.layout.TerminalBindingDir)
	go d.resWatcher.Run()

	if cfgWatcher, err := config.Watch(d.log, d.layout.ConfigPath); err == nil {
		d.cfgWatcher = cfgWatcher
		go func() {
			for cfg := range cfgWatcher.Reloaded {
				d.log.Info().Msg("afkd: config.json changed, reloading")
				d.r.SetConfig(cfg)
			}
		}()
	} else {
		d.log.Debug().Err(err).Msg("afkd: config watch unavailable, edits require a restart")
	}

	d.log.Info().Str("socket", d.layout.SocketPath).Msg("afkd: ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		d.log.Info().Msg("afkd: shutting down")
	case <-d.dispatch.Conflict:
		d.log.Warn().Msg("afkd: ceding long-poll slot after repeated getUpdates conflict, shutting down")
	}
	d.shutdown()
	return nil
}

// recoverState implements §4.12 startup recovery: load ProcessState,
// notify once per orphaned pending request (§3.3), then clear both
// indices before resuming.
func (d *daemon) recoverState() error {
	ps, err := d.persister.Load()
	if err != nil {
		return err
	}

	for id, snap := range ps.SessionWhitelists {
		d.reg.Restore(id, snap)
	}

	orphans := state.Orphans(ps)
	if len(orphans) == 0 {
		return nil
	}

	chatID := d.persister.PairedChatID()
	for _, o := range orphans {
		d.log.Info().Str("message_id", string(o.MessageID)).Msg("afkd: discarding orphaned pending request from previous run")
		if chatID == nil {
			continue
		}
		text := fmt.Sprintf("daemon restarted; previous request expired: %s %s; please re-run if still needed.", o.ToolName, o.CommandText)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		d.chat.SendMessage(ctx, *chatID, text)
		cancel()
	}

	d.st.Clear()
	return d.persister.Save(d.reg, d.st)
}

// serveMetrics exposes the /metrics endpoint (DOMAIN STACK: gated behind
// the same debug flag as file logging). Bind failures are logged, not
// fatal — observability is never load-bearing for correctness.
func (d *daemon) serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", d.metrics.Handler())
	srv := &http.Server{Addr: "127.0.0.1:9090", Handler: mux}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.log.Warn().Err(err).Msg("afkd: metrics server exited")
	}
}

func (d *daemon) shutdown() {
	if d.listener != nil {
		d.listener.Close()
	}
	if d.dispatch != nil {
		d.dispatch.Stop()
	}
	if d.resWatcher != nil {
		d.resWatcher.Stop()
	}
	if d.cfgWatcher != nil {
		d.cfgWatcher.Close()
	}
}
