// Package main runs a playersync session: it hosts one or joins one, with a
// headless simulation standing in for the game.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/playersync/internal/bans"
	"github.com/cory-johannsen/playersync/internal/config"
	"github.com/cory-johannsen/playersync/internal/headless"
	"github.com/cory-johannsen/playersync/internal/observability"
	"github.com/cory-johannsen/playersync/internal/players"
	"github.com/cory-johannsen/playersync/internal/protocol"
	"github.com/cory-johannsen/playersync/internal/server"
	"github.com/cory-johannsen/playersync/internal/session"
	"github.com/cory-johannsen/playersync/internal/storage/postgres"
	"github.com/cory-johannsen/playersync/internal/transport"
	"github.com/cory-johannsen/playersync/internal/transport/loopback"
	"github.com/cory-johannsen/playersync/internal/transport/wstransport"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	mode := flag.String("mode", "", "host or join; overrides session.mode")
	username := flag.String("username", "", "overrides session.username")
	useLoopback := flag.Bool("loopback", false, "run a host and one client in-process over the loopback transport")
	seed := flag.Uint64("seed", 0, "seed for the wandering avatar; 0 picks one from the clock")
	listBans := flag.Bool("bans", false, "print the ban list and exit")
	unban := flag.String("unban", "", "lift the ban on an address and exit")
	withConsole := flag.Bool("console", true, "read kick/ban commands from stdin while hosting")
	flag.Parse()

	overrides := map[string]any{}
	if *mode != "" {
		overrides["session.mode"] = *mode
	}
	if *username != "" {
		overrides["session.username"] = *username
	}
	cfg, err := config.LoadWithOverrides(*configPath, overrides)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	list, closeBans, err := openBans(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("opening ban list", zap.String("backend", cfg.Bans.Backend), zap.Error(err))
	}
	defer closeBans()

	switch {
	case *listBans:
		for _, addr := range list.Addresses() {
			fmt.Fprintln(os.Stdout, addr)
		}
		return
	case *unban != "":
		removed, err := list.Remove(*unban)
		if err != nil {
			logger.Fatal("lifting ban", zap.String("remote_addr", *unban), zap.Error(err))
		}
		logger.Info("ban lifted", zap.String("remote_addr", *unban), zap.Bool("was_banned", removed))
		return
	}

	if *seed == 0 {
		*seed = uint64(time.Now().UnixNano())
	}

	lifecycle := server.NewLifecycle(logger)
	var hosted *sessionService
	if *useLoopback {
		hosted = addLoopbackDemo(lifecycle, cfg, list, *seed, logger)
	} else {
		tr := wstransport.New(cfg.Transport, logger.Named("transport"))
		hosted = addParticipant(lifecycle, cfg, cfg.Session, tr, list, *seed, logger)
	}
	if *withConsole && (*useLoopback || cfg.Session.Mode == config.ModeHost) {
		lifecycle.Add("console", &console{
			in:     os.Stdin,
			out:    os.Stdout,
			target: hosted.operator,
			logger: logger.Named("console"),
		})
	}

	logger.Info("playersync ready",
		zap.String("mode", cfg.Session.Mode),
		zap.String("username", cfg.Session.Username),
		zap.String("addr", cfg.Session.Addr()),
		zap.Bool("loopback", *useLoopback),
		zap.Duration("startup", time.Since(start)),
	)
	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("running session", zap.Error(err))
	}
}

// openBans builds the configured ban list. The returned function releases it.
func openBans(ctx context.Context, cfg config.Config, logger *zap.Logger) (bans.List, func(), error) {
	noop := func() {}
	switch cfg.Bans.Backend {
	case config.BanBackendFile:
		f, err := bans.OpenFile(cfg.Bans.File)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("ban list loaded", zap.String("file", f.Path()), zap.Int("bans", len(f.Addresses())))
		return f, noop, nil
	case config.BanBackendPostgres:
		store, closeFn, err := postgres.OpenBans(ctx, cfg.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		return store, closeFn, nil
	default:
		m, err := bans.NewMemory()
		if err != nil {
			return nil, nil, err
		}
		return m, noop, nil
	}
}

// addParticipant registers a session and the headless world it syncs. The
// session goes first so it is subscribed before the world spawns the local
// avatar, and stops last.
//
// Postcondition: Returns the registered session service.
func addParticipant(
	lc *server.Lifecycle,
	cfg config.Config,
	sess config.SessionConfig,
	tr transport.Transport,
	list bans.List,
	seed uint64,
	logger *zap.Logger,
) *sessionService {
	world := headless.New(headless.Options{
		Simulation: cfg.Simulation,
		Seed:       seed,
		Logger:     logger.With(zap.String("player", sess.Username)),
	})
	opts := session.Options{
		Session:      sess,
		PollInterval: cfg.Transport.PollInterval,
		Transport:    tr,
		Host:         world,
		Bans:         list,
		Notify:       notifications(logger.With(zap.String("player", sess.Username))),
		Logger:       logger,
	}

	svc := &sessionService{}
	if sess.Mode == config.ModeHost {
		svc.open = func() (runningSession, error) { return session.NewServer(opts) }
	} else {
		svc.open = func() (runningSession, error) { return session.NewClient(opts) }
	}
	lc.Add(sess.Mode+" session "+sess.Username, svc)
	lc.Add("simulation "+sess.Username, &server.FuncService{
		StartFn: func(context.Context) error {
			world.Start()
			return nil
		},
		StopFn: world.Stop,
	})
	return svc
}

// addLoopbackDemo registers a host and one joining client that talk over an
// in-process hub. It returns the host's session service.
func addLoopbackDemo(lc *server.Lifecycle, cfg config.Config, list bans.List, seed uint64, logger *zap.Logger) *sessionService {
	hub := loopback.NewHub()

	hostCfg := cfg.Session
	hostCfg.Mode = config.ModeHost
	hosted := addParticipant(lc, cfg, hostCfg, loopback.New(hub, protocol.DefaultHost), list, seed, logger)

	joinCfg := cfg.Session
	joinCfg.Mode = config.ModeJoin
	joinCfg.Host = protocol.DefaultHost
	joinCfg.Username = protocol.NormalizeUsername("Guest of " + hostCfg.Username)
	addParticipant(lc, cfg, joinCfg, loopback.New(hub, "127.0.0.2"), list, seed+1, logger)
	return hosted
}

// notifications logs roster changes the way a lobby screen would show them.
func notifications(logger *zap.Logger) session.Notifications {
	return session.Notifications{
		OnLogin: func(local players.State) {
			logger.Info("joined session", zap.Int16("id", local.ID))
		},
		OnMeta: func(roster []players.State) {
			labels := make([]string, 0, len(roster))
			for _, p := range roster {
				labels = append(labels, p.Label())
			}
			logger.Info("roster received", zap.Strings("players", labels))
		},
		OnJoin: func(p players.State) {
			logger.Info("player connected", zap.String("player", p.Label()))
		},
		OnLeave: func(p players.State) {
			logger.Info("player disconnected", zap.String("player", p.Label()))
		},
		OnDisconnect: func(reason string, code protocol.NetworkError) {
			logger.Warn("session ended", zap.String("reason", reason), zap.Stringer("code", code))
		},
	}
}
