package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	stdnet "net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/l1jgo/handoff/internal/authority"
	"github.com/l1jgo/handoff/internal/config"
	"github.com/l1jgo/handoff/internal/console"
	"github.com/l1jgo/handoff/internal/logging"
	"github.com/l1jgo/handoff/internal/persist"
	"github.com/l1jgo/handoff/internal/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "config/authority.toml", "path to the authority config")
	flag.Parse()
	if p := os.Getenv("HANDOFF_AUTHORITY_CONFIG"); p != "" {
		*cfgPath = p
	}

	cfg, err := config.LoadAuthority(*cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.Logging, "authority")
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	console.Banner("authority", cfg.Server.Name, 0)

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

	g, gctx := errgroup.WithContext(ctx)

	// Registry backend
	console.Section("registry")
	var (
		reg    authority.Registry
		memory *authority.MemoryRegistry
	)
	switch cfg.Registry.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Registry.RedisAddr,
			Password: cfg.Registry.RedisPassword,
			DB:       cfg.Registry.RedisDB,
		})
		defer rdb.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		reg = authority.NewRedisRegistry(rdb, cfg.Registry.RedisPrefix, cfg.Registry.TicketTTL)
		console.OK("redis registry at " + cfg.Registry.RedisAddr)
	default:
		memory = authority.NewMemoryRegistry(cfg.Registry.TicketTTL)
		reg = memory
		console.OK("in-memory registry")
	}

	// Optional Postgres: player lookup and migration journal
	var (
		players authority.PlayerInfoProvider
		journal authority.Journal
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
		console.OK("PostgreSQL connected, schema up to date")

		players = persist.NewCharacterRepo(db)
		journalRepo := persist.NewJournalRepo(db)
		writer := persist.NewJournalWriter(journalRepo, 4096, 128, time.Second, log.Named("journal"))
		journal = writer
		g.Go(func() error { return writer.Run(gctx) })
		if cfg.Database.JournalRetention > 0 {
			g.Go(func() error {
				pruneJournal(gctx, journalRepo, cfg.Database.JournalRetention, log)
				return nil
			})
		}
	}

	dir := authority.DirectoryFromConfig(cfg.Channels, 3*cfg.Registry.HeartbeatInterval)
	console.Stat("static channels", len(cfg.Channels))

	svc := authority.NewService(reg, dir, players, authority.Options{
		TicketTTL: cfg.Registry.TicketTTL,
		Journal:   journal,
		Log:       log.Named("service"),
	})

	if memory != nil && cfg.Registry.SweepInterval > 0 {
		g.Go(func() error {
			sweep(gctx, memory, cfg.Registry.SweepInterval, log)
			return nil
		})
	}

	srv, healthSrv := authority.NewGRPCServer(svc, log.Named("grpc"))
	lis, err := stdnet.Listen("tcp", cfg.GRPC.BindAddress)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.GRPC.BindAddress, err)
	}

	g.Go(func() error {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		stopServer(srv, healthSrv, log)
		return nil
	})

	fmt.Println()
	console.Section("ready")
	console.Ready("gRPC listening on " + lis.Addr().String())
	fmt.Println()

	err = g.Wait()
	log.Info("authority stopped")
	return err
}

// stopServer drains in-flight RPCs, forcing a stop after a grace period.
func stopServer(srv *grpc.Server, healthSrv *health.Server, log *zap.Logger) {
	log.Info("shutting down")
	healthSrv.Shutdown()

	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn("graceful stop timed out, forcing")
		srv.Stop()
	}
}

func sweep(ctx context.Context, reg *authority.MemoryRegistry, interval time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			if n := reg.Sweep(now); n > 0 {
				log.Debug("registry swept", zap.Int("removed", n))
			}
		case <-ctx.Done():
			return
		}
	}
}

func pruneJournal(ctx context.Context, repo *persist.JournalRepo, retention time.Duration, log *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			n, err := repo.Prune(ctx, now.Add(-retention))
			if err != nil {
				log.Error("journal prune failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("journal pruned", zap.Int64("rows", n))
			}
		case <-ctx.Done():
			return
		}
	}
}
