// Package daemon wires the agent proxy, the approval manager, the notifiers
// and the HTTP API into one long-running process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nikicat/git-sentry/internal/api"
	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/logging"
	"github.com/nikicat/git-sentry/internal/notification"
	"github.com/nikicat/git-sentry/internal/proxy"
	"github.com/nikicat/git-sentry/internal/telegram"
)

// Config holds daemon startup parameters.
type Config struct {
	// Network is "unix" or "tcp"; Address is the socket path or host:port
	// that agent clients connect to.
	Network string
	Address string
	// Upstream is the real agent's socket path.
	Upstream string

	Timeout      time.Duration
	HistoryLimit int
	Policy       proxy.Policy

	// APIListen is the HTTP API address. Empty disables the API.
	APIListen string
	// StateDir holds the API cookie file.
	StateDir string

	// Telegram is used when Telegram.Token is set.
	Telegram telegram.Config
	// Desktop enables freedesktop notifications on the session bus.
	Desktop bool
	// Notifiers are added to the configured ones.
	Notifiers []notification.Notifier

	Audit *logging.Logger

	// OnReady, if set, is called once the agent socket is accepting
	// connections. apiAddr is empty when the API is disabled.
	OnReady func(apiAddr string)
}

// Run starts the daemon, sends READY=1 via sd-notify once the agent socket
// is listening, and blocks until ctx is cancelled. Pending requests are
// failed on the way out. Returns nil on clean shutdown.
func Run(ctx context.Context, cfg Config) error {
	if cfg.Upstream == "" {
		return errors.New("no upstream agent socket configured")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = proxy.DefaultTimeout
	}
	approvals := approval.NewManager(cfg.Timeout, cfg.HistoryLimit)
	defer approvals.Shutdown()

	notifiers := append([]notification.Notifier(nil), cfg.Notifiers...)

	if cfg.Telegram.Token != "" {
		bot := telegram.New(cfg.Telegram, approvals)
		approvals.Subscribe(bot)
		go func() {
			if err := bot.Run(ctx); err != nil && ctx.Err() == nil {
				slog.Error("telegram bot stopped", "error", err)
			}
		}()
		notifiers = append(notifiers, bot)
		slog.Debug("telegram notifications enabled", "chat_id", cfg.Telegram.ChatID)
	}

	if cfg.Desktop {
		bus, err := notification.NewSessionBus()
		if err != nil {
			slog.Warn("failed to connect to session bus, desktop notifications disabled", "error", err)
		} else {
			defer bus.Stop()
			desktop := notification.NewDesktop(bus, approvals)
			approvals.Subscribe(desktop)
			go desktop.ListenActions(ctx, bus.Actions())
			notifiers = append(notifiers, desktop)
			slog.Debug("desktop notifications enabled")
		}
	}

	if len(notifiers) == 0 {
		slog.Warn("no notifier configured, approve requests with the CLI")
		notifiers = append(notifiers, notification.Log{})
	}

	monitor := proxy.NewUpstreamMonitor(cfg.Upstream)
	handler := proxy.NewHandler(proxy.HandlerConfig{
		Approvals: approvals,
		Notifier:  notification.Multi(notifiers),
		Upstream:  proxy.NewUpstream(cfg.Upstream),
		Policy:    cfg.Policy,
		Audit:     cfg.Audit,
	})
	srv := proxy.NewServer(handler)

	var apiAddr string
	if cfg.APIListen != "" {
		auth, err := api.NewAuth(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("create auth: %w", err)
		}
		apiServer, err := api.NewServer(cfg.APIListen, approvals, auth, api.Options{
			Clients:  srv,
			Upstream: monitor,
			Info: api.StatusInfo{
				Listen: api.Endpoint{Network: cfg.Network, Address: cfg.Address},
				Policy: handler.Policy().Kinds(),
			},
		})
		if err != nil {
			return fmt.Errorf("create API server: %w", err)
		}
		apiServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			apiServer.Shutdown(shutdownCtx) //nolint:errcheck
		}()

		ws := apiServer.WSHandler()
		srv.Subscribe(ws)
		monitor.OnChange(ws.BroadcastUpstream)
		apiAddr = apiServer.Addr()
		slog.Info("API server started", "url", "http://"+apiAddr, "cookie_file", apiServer.CookieFilePath())
	}

	go func() {
		if err := monitor.Run(ctx); err != nil {
			slog.Warn("upstream monitor stopped", "error", err)
		}
	}()

	ln, err := proxy.Listen(cfg.Network, cfg.Address)
	if err != nil {
		return err
	}

	slog.Info("daemon ready", "network", cfg.Network, "address", ln.Addr().String(), "upstream", cfg.Upstream)
	SdNotify("READY=1")
	if cfg.OnReady != nil {
		cfg.OnReady(apiAddr)
	}

	err = srv.Serve(ctx, ln)
	slog.Info("daemon shutting down")
	SdNotify("STOPPING=1")
	return err
}
