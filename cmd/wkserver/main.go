package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/pflag"

	"wkserver/internal/caldav"
	"wkserver/internal/calendar"
	"wkserver/internal/config"
	"wkserver/internal/ics"
	appLog "wkserver/internal/log"
	"wkserver/internal/model"
	"wkserver/internal/web"
)

const version = "0.3.0"

const defaultConfigPath = "/etc/wkserver/config.yaml"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	envFiles   []string
	listen     string
	logFile    string
	logLevel   string
	quiet      bool
	verbose    bool
	version    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "wkserver: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flags.version {
		fmt.Println("wkserver", version)
		return nil
	}

	if err := config.LoadDotEnv(flags.envFiles...); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", flags.configPath, err)
	}
	if err := applyFlags(conf, flags); err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return fmt.Errorf("invalid config %s:\n%w", flags.configPath, err)
	}

	level, err := appLog.ParseLevel(conf.Log.Level)
	if err != nil {
		return err
	}
	if err := appLog.Configure(appLog.Options{File: conf.Log.File, Level: level}); err != nil {
		return err
	}

	appLog.Info("wkserver starting", "version", version)
	for _, w := range conf.Warnings() {
		appLog.Warn("config: " + w)
	}
	appLog.Info("effective config",
		"config_path", flags.configPath,
		"listen", conf.Listen(),
		"tls", conf.TLSEnabled(),
		"calendars", len(conf.Calendars),
		"interval", conf.PollInterval().String(),
		"query_timeout", conf.QueryTimeout().String(),
		"timezone", conf.Sync.Timezone,
		"rebind", conf.Sync.Rebind,
	)

	engine, err := buildEngine(conf)
	if err != nil {
		return err
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A failed first binding is not fatal; the rebind schedule retries.
	if ok, err := engine.Connect(ctx); err != nil {
		appLog.Error("initial CalDAV binding failed", err)
	} else if !ok {
		appLog.Warn("CalDAV server lists no calendars; will retry on rebind schedule")
	}

	scheduler, err := startRebind(conf.Sync.Rebind, engine)
	if err != nil {
		return err
	}

	if err := engine.Run(); err != nil {
		return err
	}

	srv := web.NewServer(conf, engine)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.ListenAndServe() }()

	var runErr error
	select {
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	case runErr = <-serveErr:
		if runErr != nil {
			appLog.Error("WebSocket server failed", runErr)
		}
	}

	cronDone := scheduler.Stop()
	engine.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("HTTP shutdown incomplete", err)
	}
	select {
	case <-cronDone.Done():
	case <-shutdownCtx.Done():
		appLog.Warn("rebind job still running at exit")
	}

	appLog.Info("wkserver exiting")
	return runErr
}

func parseFlags(args []string) (flagConfig, error) {
	var cfg flagConfig

	fs := pflag.NewFlagSet("wkserver", pflag.ContinueOnError)
	fs.StringVar(&cfg.configPath, "config", defaultConfigPath, "Path to config file (.yaml or .toml)")
	fs.StringSliceVar(&cfg.envFiles, "env-file", nil, "Load environment variables from these files (default .env)")
	fs.StringVar(&cfg.listen, "listen", "", "host:port to listen on (overrides websocket.address/port)")
	fs.StringVar(&cfg.logFile, "logfile", "", `Log destination: a path, "stdout" or "stderr" (overrides log.file)`)
	fs.StringVar(&cfg.logLevel, "loglevel", "", "DEBUG, INFO, WARNING or ERROR (overrides log.level)")
	fs.BoolVarP(&cfg.quiet, "quiet", "q", false, "Only log errors")
	fs.BoolVar(&cfg.verbose, "verbose", false, "Log everything, including debug messages")
	fs.BoolVarP(&cfg.version, "version", "v", false, "Show version and exit")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if fs.NArg() > 0 {
		return cfg, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	if cfg.quiet && cfg.verbose {
		return cfg, errors.New("--quiet and --verbose are mutually exclusive")
	}
	return cfg, nil
}

// applyFlags lets CLI flags override the file.
func applyFlags(conf *config.Config, flags flagConfig) error {
	if flags.listen != "" {
		host, portStr, err := net.SplitHostPort(flags.listen)
		if err != nil {
			return fmt.Errorf("--listen: %w", err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return fmt.Errorf("--listen: invalid port %q", portStr)
		}
		conf.WebSocket.Address = host
		conf.WebSocket.Port = port
	}
	if flags.logFile != "" {
		conf.Log.File = flags.logFile
	}
	switch {
	case flags.logLevel != "":
		conf.Log.Level = flags.logLevel
	case flags.quiet:
		conf.Log.Level = string(appLog.LevelError)
	case flags.verbose:
		conf.Log.Level = string(appLog.LevelDebug)
	}
	return nil
}

func buildEngine(conf *config.Config) (*calendar.Engine, error) {
	loc, err := conf.Location()
	if err != nil {
		return nil, err
	}

	source, err := caldav.NewClient(caldav.Options{
		URL:                conf.CalDAV.URL,
		Username:           conf.CalDAV.Username,
		Password:           conf.CalDAV.Password,
		InsecureSkipVerify: conf.CalDAV.InsecureSkipVerify,
		Timeout:            conf.CalDAVTimeout(),
	})
	if err != nil {
		return nil, err
	}

	defs := make([]calendar.Definition, 0, len(conf.Calendars))
	for _, c := range conf.Calendars {
		kind, _ := model.ParseKind(c.Type)
		defs = append(defs, calendar.Definition{Name: c.Name, Kind: kind, RemoteName: c.RemoteName})
	}
	registry, err := calendar.NewRegistry(defs)
	if err != nil {
		return nil, err
	}

	normalizer := ics.NewNormalizer(ics.Options{Location: loc})
	return calendar.NewEngine(source, normalizer, registry, calendar.Options{
		Interval:     conf.PollInterval(),
		QueryTimeout: conf.QueryTimeout(),
		Location:     loc,
	}), nil
}

// startRebind re-runs Connect on schedule so calendars created on the
// server later, or a failed first binding, recover without a restart.
// An empty schedule returns a scheduler with no jobs.
func startRebind(schedule string, engine *calendar.Engine) (*cron.Cron, error) {
	logger := cronLogger{}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if schedule != "" {
		_, err := c.AddFunc(schedule, func() {
			ok, err := engine.Connect(context.Background())
			switch {
			case err != nil:
				appLog.Error("rebind failed", err)
			case !ok:
				appLog.Warn("rebind: CalDAV server lists no calendars")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("sync.rebind %q: %w", schedule, err)
		}
	}
	c.Start()
	return c, nil
}

// cronLogger routes cron's own messages into the application log.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
