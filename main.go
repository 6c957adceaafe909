// git-sentry is an SSH agent proxy that asks for out-of-band approval before
// letting signature requests reach the real agent.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/nikicat/git-sentry/internal/api"
	"github.com/nikicat/git-sentry/internal/cli"
	"github.com/nikicat/git-sentry/internal/config"
	"github.com/nikicat/git-sentry/internal/daemon"
	"github.com/nikicat/git-sentry/internal/logging"
	"github.com/nikicat/git-sentry/internal/proxy"
	"github.com/nikicat/git-sentry/internal/service"
	"github.com/nikicat/git-sentry/internal/telegram"
)

// apiDisabled as --listen turns the HTTP API off.
const apiDisabled = "off"

var progName = filepath.Base(os.Args[0])

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve", "daemon":
		runServe(os.Args[2:])
	case "setup":
		runSetup(os.Args[2:])
	case "test":
		runTest(os.Args[2:])
	case "list", "show", "approve", "deny", "history", "status", "watch":
		runCLI(os.Args[1], os.Args[2:])
	case "service":
		runService(os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

Commands:
  serve         Start the agent proxy and API (alias: daemon)
  setup         Print the shell exports that route SSH through the proxy
  test          Send a test message to the Telegram chat
  status        Show daemon status
  list          List pending approval requests
  show          Show details of a pending request
  approve       Approve a pending request
  deny          Deny a pending request
  history       Show resolved requests
  watch         Stream approval events
  service       Manage the systemd user service

Run '%s <command> -h' for command-specific help.
`, progName, progName)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/git-sentry/config.yaml)")
	network := fs.String("network", config.DefaultNetwork, "Listener type: unix or tcp")
	socket := fs.String("socket", "", "Agent socket path, or host:port for tcp (default: $GIT_SENTRY_SOCKET or $XDG_RUNTIME_DIR/git-sentry/agent.sock)")
	upstream := fs.String("upstream", "", "Real agent socket (default: $SSH_AUTH_SOCK)")
	policy := fs.String("policy", "sign", "Comma-separated request kinds that need approval: "+strings.Join(proxy.KnownKinds(), ", "))
	listenAddr := fs.String("listen", config.DefaultListenAddr, "HTTP API listen address, or \"off\"")
	timeout := fs.Duration("timeout", config.DefaultTimeout, "Approval timeout")
	historyLimit := fs.Int("history-limit", config.DefaultHistoryLimit, "Maximum number of resolved requests to keep in history")
	logLevel := fs.String("log-level", config.DefaultLogLevel, "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/git-sentry)")
	notifications := fs.Bool("notifications", true, "Enable desktop notifications for approval requests")
	botToken := fs.String("bot-token", "", "Telegram bot token (default: $"+config.EnvBotToken+")")
	chatID := fs.Int64("chat-id", 0, "Telegram chat ID (default: $"+config.EnvChatID+")")
	fs.Parse(args)

	fileCfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("%v", err)
	}

	// Explicit flags win over the file; the file wins over env and defaults.
	set := setFlags(fs)
	if set["state-dir"] {
		fileCfg.StateDir = *stateDirFlag
	}
	if set["listen"] {
		fileCfg.Listen = *listenAddr
	}
	if set["network"] {
		fileCfg.Serve.Network = *network
	}
	if set["socket"] {
		fileCfg.Serve.Socket = *socket
	}
	if set["upstream"] {
		fileCfg.Serve.Upstream = *upstream
	}
	if set["policy"] {
		fileCfg.Serve.Policy = strings.Split(*policy, ",")
	}
	if set["timeout"] {
		fileCfg.Serve.Timeout = config.Duration(*timeout)
	}
	if set["history-limit"] {
		fileCfg.Serve.HistoryLimit = *historyLimit
	}
	if set["log-level"] {
		fileCfg.Serve.LogLevel = *logLevel
	}
	if set["log-format"] {
		fileCfg.Serve.LogFormat = *logFormat
	}
	if set["notifications"] {
		fileCfg.Serve.Notifications = notifications
	}
	if set["bot-token"] {
		fileCfg.Telegram.Token = *botToken
	}
	if set["chat-id"] {
		fileCfg.Telegram.ChatID = *chatID
	}

	cfg := fileCfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		fatal("invalid configuration:\n%v", err)
	}
	gated, err := proxy.ParsePolicy(cfg.Serve.Policy)
	if err != nil {
		fatal("%v", err)
	}

	level := parseLogLevel(cfg.Serve.LogLevel)
	setupLogging(level, cfg.Serve.LogFormat)

	stateDir := cfg.StateDir
	if stateDir == "" {
		stateDir, err = getStateDir()
		if err != nil {
			fatal("%v", err)
		}
	}

	apiListen := cfg.Listen
	if apiListen == apiDisabled {
		apiListen = ""
	}

	desktop := true
	if cfg.Serve.Notifications != nil {
		desktop = *cfg.Serve.Notifications
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	err = daemon.Run(ctx, daemon.Config{
		Network:      cfg.Serve.Network,
		Address:      cfg.Serve.Socket,
		Upstream:     cfg.Serve.Upstream,
		Timeout:      time.Duration(cfg.Serve.Timeout),
		HistoryLimit: cfg.Serve.HistoryLimit,
		Policy:       gated,
		APIListen:    apiListen,
		StateDir:     stateDir,
		Telegram: telegram.Config{
			Token:   cfg.Telegram.Token,
			ChatID:  cfg.Telegram.ChatID,
			BaseURL: cfg.Telegram.APIURL,
		},
		Desktop: desktop,
		Audit:   logging.New(level, cfg.Serve.Network),
	})
	if err != nil {
		fatal("%v", err)
	}
}

func setupLogging(level slog.Level, format string) {
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		// When running under systemd, the journal adds its own timestamps.
		underSystemd := os.Getenv("INVOCATION_ID") != ""
		opts := &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    underSystemd,
		}
		if underSystemd {
			opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
				if a.Key == slog.TimeKey {
					return slog.Attr{}
				}
				return a
			}
		}
		handler = tint.NewHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func runSetup(args []string) {
	fs := flag.NewFlagSet("setup", flag.ExitOnError)
	botToken := fs.String("bot-token", "", "Telegram bot token")
	chatID := fs.Int64("chat-id", 0, "Telegram chat ID")
	socket := fs.String("socket", "", "Agent socket path (default: $XDG_RUNTIME_DIR/git-sentry/agent.sock)")
	fs.Parse(args)

	if *socket == "" {
		*socket = config.DefaultSocketPath()
	}

	fmt.Println("Add the following to your ~/.bashrc or ~/.zshrc:")
	fmt.Println()
	if *botToken != "" {
		fmt.Printf("export %s=%q\n", config.EnvBotToken, *botToken)
	}
	if *chatID != 0 {
		fmt.Printf("export %s=\"%d\"\n", config.EnvChatID, *chatID)
	}
	fmt.Printf("export %s=%q\n", config.EnvAuthSock, *socket)
	fmt.Println()
	fmt.Printf("Start the daemon first with: %s serve --upstream \"$SSH_AUTH_SOCK\"\n", progName)
	fmt.Printf("or install it as a user service: %s service install --start --upstream \"$SSH_AUTH_SOCK\"\n", progName)
}

func runTest(args []string) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/git-sentry/config.yaml)")
	botToken := fs.String("bot-token", "", "Telegram bot token (default: $"+config.EnvBotToken+")")
	chatID := fs.Int64("chat-id", 0, "Telegram chat ID (default: $"+config.EnvChatID+")")
	fs.Parse(args)

	fileCfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("%v", err)
	}
	set := setFlags(fs)
	if set["bot-token"] {
		fileCfg.Telegram.Token = *botToken
	}
	if set["chat-id"] {
		fileCfg.Telegram.ChatID = *chatID
	}
	cfg := fileCfg.WithDefaults()
	if !cfg.Telegram.Enabled() {
		fatal("telegram requires both a bot token and a chat ID (--bot-token/--chat-id or %s/%s)", config.EnvBotToken, config.EnvChatID)
	}

	bot := telegram.New(telegram.Config{
		Token:   cfg.Telegram.Token,
		ChatID:  cfg.Telegram.ChatID,
		BaseURL: cfg.Telegram.APIURL,
	}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := bot.SendMessage(ctx, "🔐 git-sentry test message: connection successful!"); err != nil {
		fatal("%v", err)
	}
	fmt.Println("✓ Telegram connection test passed")
}

func runCLI(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/git-sentry/config.yaml)")
	stateDirFlag := fs.String("state-dir", "", "State directory (default: $XDG_STATE_HOME/git-sentry)")
	serverAddr := fs.String("server", config.DefaultListenAddr, "API server address")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("%v", err)
	}
	set := setFlags(fs)
	if !set["state-dir"] && cfg.StateDir != "" {
		*stateDirFlag = cfg.StateDir
	}
	if !set["server"] && cfg.Listen != "" && cfg.Listen != apiDisabled {
		*serverAddr = cfg.Listen
	}

	stateDir := *stateDirFlag
	if stateDir == "" {
		stateDir, err = getStateDir()
		if err != nil {
			fatal("%v", err)
		}
	}

	auth, err := api.LoadAuth(stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "error: %s is not running (no cookie file found)\n", progName)
			fmt.Fprintf(os.Stderr, "Start the service first with: %s serve\n", progName)
			os.Exit(1)
		}
		fatal("loading auth: %v", err)
	}

	client := cli.NewClient(*serverAddr, auth.Token())
	formatter := cli.NewFormatter(os.Stdout, *jsonOutput)

	requireID := func() string {
		if fs.NArg() < 1 {
			fmt.Fprintf(os.Stderr, "usage: %s %s <request-id>\n", progName, cmd)
			os.Exit(1)
		}
		return fs.Arg(0)
	}

	switch cmd {
	case "status":
		st, err := client.Status()
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatStatus(st)

	case "list":
		requests, err := client.List()
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatRequests(requests)

	case "show":
		req, err := client.Show(requireID())
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatRequest(req)

	case "approve":
		id, err := client.Approve(requireID())
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatAction("approved", id)

	case "deny":
		id, err := client.Deny(requireID())
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatAction("denied", id)

	case "history":
		entries, err := client.History()
		if err != nil {
			fatal("%v", err)
		}
		formatter.FormatHistory(entries)

	case "watch":
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if err := client.Watch(ctx, func(ev cli.Event) { formatter.FormatEvent(ev) }); err != nil {
			fatal("%v", err)
		}
	}
}

// runService handles the "service" subcommand group (install/uninstall/status).
func runService(args []string) {
	if len(args) == 0 {
		printServiceUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "install":
		runServiceInstall(args[1:])
	case "uninstall":
		if err := service.Uninstall(); err != nil {
			fatal("%v", err)
		}
	case "status":
		service.Status()
	case "-h", "--help", "help":
		printServiceUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown service command: %s\n\n", args[0])
		printServiceUsage()
		os.Exit(1)
	}
}

func runServiceInstall(args []string) {
	fs := flag.NewFlagSet("service install", flag.ExitOnError)
	start := fs.Bool("start", false, "Start the service immediately after installing")
	configPath := fs.String("config", "", "Config file path to embed in the unit file")
	upstream := fs.String("upstream", "", "Real agent socket to embed in the unit file")
	fs.Parse(args)

	if err := service.Install(service.Options{
		ConfigPath: *configPath,
		Upstream:   *upstream,
		Start:      *start,
	}); err != nil {
		fatal("%v", err)
	}
}

func printServiceUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s service <command> [options]

Commands:
  install       Install and enable the systemd user service
  uninstall     Stop, disable, and remove the systemd user service
  status        Show the service status

Install options:
  --start       Start the service immediately after installing
  --config      Config file path to embed in the unit file's ExecStart
  --upstream    Real agent socket to embed in the unit file's ExecStart
`, progName)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getStateDir() (string, error) {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home dir: %w", err)
		}
		stateHome = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(stateHome, "git-sentry"), nil
}

// loadConfig loads a config file. An explicit path that doesn't exist is an error.
// A missing default path is silently ignored (returns empty config).
func loadConfig(explicitPath string) (*config.Config, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return nil, fmt.Errorf("config file not found: %s", explicitPath)
		}
		cfg, err := config.Load(explicitPath)
		if err != nil {
			return nil, fmt.Errorf("load config %s: %w", explicitPath, err)
		}
		return cfg, nil
	}

	defaultPath := config.DefaultPath()
	if defaultPath == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", defaultPath, err)
	}
	return cfg, nil
}

// setFlags returns the set of flag names that were explicitly provided on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	m := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { m[f.Name] = true })
	return m
}
