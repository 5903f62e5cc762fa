package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/config"
	"github.com/l1jgo/handoff/internal/console"
	"github.com/l1jgo/handoff/internal/data"
	"github.com/l1jgo/handoff/internal/field"
	"github.com/l1jgo/handoff/internal/handler"
	"github.com/l1jgo/handoff/internal/logging"
	"github.com/l1jgo/handoff/internal/migrate"
	gonet "github.com/l1jgo/handoff/internal/net"
	"github.com/l1jgo/handoff/internal/net/packet"
	"github.com/l1jgo/handoff/internal/persist"
	"github.com/l1jgo/handoff/internal/scripting"
	"github.com/l1jgo/handoff/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config/channel.toml", "path to the channel config")
	flag.Parse()
	if p := os.Getenv("HANDOFF_CHANNEL_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.LoadChannel(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging, string(cfg.Server.Kind))
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	self := authority.Owner{Kind: authority.KindFromConfig(cfg.Server.Kind), Channel: cfg.Server.ChannelID}
	console.Banner(string(cfg.Server.Kind), cfg.Server.Name, cfg.Server.ChannelID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(sctx)
	}()

	charset, err := packet.LookupCharset(cfg.Client.Charset)
	if err != nil {
		return fmt.Errorf("client charset: %w", err)
	}

	// Authority
	console.Section("authority")
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Authority.DialTimeout)
	auth, err := authority.Dial(dialCtx, cfg.Authority.Address, cfg.Authority.DialTimeout, log.Named("authority"))
	cancel()
	if err != nil {
		return fmt.Errorf("authority: %w", err)
	}
	defer auth.Close()
	console.OK("authority reachable at " + cfg.Authority.Address)

	// Optional Postgres: character names and flush before handoff
	var (
		players authority.PlayerInfoProvider
		flusher migrate.Flusher
	)
	if cfg.Database.Enabled {
		console.Section("database")
		dbCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		db, err := persist.NewDB(dbCtx, cfg.Database, log)
		if err == nil {
			err = db.RunMigrations(dbCtx)
		}
		cancel()
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		defer db.Close()
		chars := persist.NewCharacterRepo(db)
		players, flusher = chars, chars
		console.OK("PostgreSQL connected, schema up to date")
	}

	// Portal data and hooks
	var (
		portals *data.PortalTable
		engine  *scripting.Engine
	)
	if self.Kind == authority.KindGame {
		console.Section("data")
		if cfg.Data.PortalList != "" {
			portals, err = data.LoadPortalTable(cfg.Data.PortalList)
			if err != nil {
				return fmt.Errorf("portals: %w", err)
			}
		}
		console.Stat("portals", portals.Count())
		console.Stat("map pins", len(cfg.MapChannels))

		if cfg.Data.ScriptsDir != "" {
			engine, err = scripting.NewEngine(cfg.Data.ScriptsDir, log.Named("lua"))
			if err != nil {
				return fmt.Errorf("scripting: %w", err)
			}
			defer engine.Close()
			if engine.HasPortalHook() {
				console.OK("on_portal hook loaded")
			}
		}
	}

	deps := &handler.Deps{
		Config:    cfg,
		Self:      self,
		Authority: auth,
		Coordinator: migrate.New(auth, flusher, self, migrate.Options{
			Timeout: cfg.Authority.RPCTimeout,
			Login:   authority.Owner{Kind: authority.KindLogin, Channel: cfg.Authority.LoginChannel},
			Log:     log.Named("migrate"),
		}),
		Fields:    field.NewManager(log.Named("field")),
		Portals:   portals,
		Scripting: engine,
		Players:   players,
		Flusher:   flusher,
		Log:       log,
	}
	reg := packet.NewRegistry(charset, log)
	handler.RegisterAll(reg, deps)

	srv := gonet.NewServer(reg, handler.NewLifecycle(deps), gonet.Options{
		InQueueSize:      cfg.Network.InQueueSize,
		OutQueueSize:     cfg.Network.OutQueueSize,
		PacketsPerSecond: cfg.Network.PacketsPerSecond,
		MaxViolations:    cfg.Session.MaxViolations,
		ReadTimeout:      cfg.Network.ReadTimeout,
		WriteTimeout:     cfg.Network.WriteTimeout,
	}, log)
	if err := srv.Listen(cfg.Network.BindAddress); err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Network.BindAddress, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv.AcceptLoop()
		return nil
	})

	var httpSrv *http.Server
	if cfg.Network.WSBindAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/ws", srv.WSHandler())
		httpSrv = &http.Server{
			Addr:              cfg.Network.WSBindAddress,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("websocket listener: %w", err)
			}
			return nil
		})
	}

	endpoint := authority.Endpoint{Owner: self, IPAddress: cfg.Server.PublicIP, Port: cfg.Server.Port}
	g.Go(func() error {
		auth.RunHeartbeat(gctx, endpoint, cfg.Authority.HeartbeatInterval, cfg.Authority.RPCTimeout, log)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", zap.Int("sessions", srv.Count()))
		sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if httpSrv != nil {
			_ = httpSrv.Shutdown(sctx)
		}
		return srv.Shutdown(sctx)
	})

	fmt.Println()
	console.Section("ready")
	console.Ready(fmt.Sprintf("%s listening on %s", self, srv.Addr()))
	if httpSrv != nil {
		console.Ready("websocket on " + cfg.Network.WSBindAddress + "/ws")
	}
	console.Ready(fmt.Sprintf("advertised as %s:%d", cfg.Server.PublicIP, cfg.Server.Port))
	fmt.Println()

	err = g.Wait()
	log.Info("channel stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		log.Warn("some sessions did not finish cleanup in time")
		return nil
	}
	return err
}
