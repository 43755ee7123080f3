// Command shard runs one game server shard: the client-facing session
// listener, the shard-to-shard rpc endpoint, the request engine and the
// location unload sweeper, over a pluggable persistence back end.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/ElevenGiants/eleven-server-sub000/internal/auth"
	"github.com/ElevenGiants/eleven-server-sub000/internal/config"
	"github.com/ElevenGiants/eleven-server-sub000/internal/gsjs"
	"github.com/ElevenGiants/eleven-server-sub000/internal/metrics"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers/pgsql"
	"github.com/ElevenGiants/eleven-server-sub000/internal/pers/redisback"
	"github.com/ElevenGiants/eleven-server-sub000/internal/rpc"
	"github.com/ElevenGiants/eleven-server-sub000/internal/rq"
	"github.com/ElevenGiants/eleven-server-sub000/internal/session"
	"github.com/ElevenGiants/eleven-server-sub000/internal/world"
)

const defaultConfigPath = "config/shard.yaml"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutting down", "signal", sig)
		cancel()
	}()

	if err := run(ctx); err != nil {
		slog.Error("fatal", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfgPath := defaultConfigPath
	if p := os.Getenv("ELEVEN_SHARD_CONFIG"); p != "" {
		cfgPath = p
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	})))
	slog.Info("shard starting", "shard_id", cfg.ShardID, "log_level", cfg.LogLevel)

	backend, err := newBackend(ctx, cfg.Pers)
	if err != nil {
		return fmt.Errorf("setting up persistence: %w", err)
	}
	gw := pers.NewGateway(backend)
	defer gw.Close()

	validator, err := newValidator(ctx, cfg)
	if err != nil {
		return fmt.Errorf("setting up auth: %w", err)
	}

	// The script layer registers its hooks and methods here; the
	// runtime itself evaluates no game logic.
	hooks := gsjs.Hooks{}
	registry := gsjs.NewRegistry()

	router := rpc.NewRouter(cfg.ShardID, cfg.Net.GameServers)
	w := world.New(gw, router, hooks)

	// Ownership chain walks prefer the live instance over the stored
	// body: re-homing must see uncommitted location changes.
	router.SetResolver(func(ctx context.Context, tsid string) (map[string]any, error) {
		if e, ok := w.Peek(tsid); ok {
			return e.Serialize(), nil
		}
		return gw.Read(ctx, tsid)
	})

	queues := rq.NewManager(w, gw, cfg.Game.RequestTimeout)

	// Item timers expire on timer goroutines; the callback must run on
	// the queue that serializes the item's mutations.
	w.SetTimerDispatch(func(tsid string, fn func()) {
		owner, err := router.OwnerRoot(ctx, tsid)
		if err != nil {
			owner = tsid
		}
		err = queues.Get(owner).Push("timer", func(context.Context) (any, error) {
			fn()
			return nil, nil
		}, nil, rq.PushOpts{})
		if err != nil {
			slog.Debug("timer callback dropped", "tsid", tsid, "error", err)
		}
	})

	var self config.ShardEntry
	for _, gs := range cfg.Net.GameServers {
		entry := gs
		if entry.RPCPort == 0 {
			entry.RPCPort = cfg.RPC.BasePort + entry.ID
		}
		if entry.ID == cfg.ShardID {
			self = entry
		}
		client := rpc.NewClient(rpc.ClientConfig{
			Addr:            fmt.Sprintf("%s:%d", entry.Host, entry.RPCPort),
			MaxMsgSize:      cfg.Net.MaxMsgSize,
			Timeout:         cfg.RPC.Timeout,
			ReconnectWindow: cfg.RPC.ReconnectWindow,
			SweepInterval:   cfg.RPC.SweepInterval,
		})
		defer client.Close()
		router.RegisterClient(entry.ID, client)
	}

	rpcBind := fmt.Sprintf("%s:%d", cfg.Net.BindAddress, self.RPCPort)
	rpcServer := rpc.NewServer(rpcBind, cfg.Net.MaxMsgSize, router, queues, registry)

	sessMgr := session.NewManager()
	sessServer, err := session.NewServer(cfg.Net, w, queues, validator, hooks, registry, sessMgr)
	if err != nil {
		return fmt.Errorf("setting up session server: %w", err)
	}

	sweeper := rq.NewUnloadSweeper(w, queues, cfg.Game.LocUnloadInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rpcServer.Run(gctx) })
	g.Go(func() error { return sessServer.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error { return metrics.Serve(gctx, cfg.Metrics.Bind) })
	g.Go(func() error {
		<-gctx.Done()
		// Best-effort farewell before the listeners die.
		sessMgr.SendToAll(map[string]any{
			"type": "server_message", "action": "CLOSE",
		})
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	// Drain every queue so in-flight mutations reach the store.
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := queues.Shutdown(drainCtx); err != nil {
		slog.Warn("queue drain incomplete", "error", err)
	}
	slog.Info("shard stopped", "shard_id", cfg.ShardID)
	return nil
}

func newBackend(ctx context.Context, cfg config.Pers) (pers.Backend, error) {
	switch cfg.BackEnd {
	case "pgsql", "":
		if err := pgsql.Migrate(ctx, cfg.PgSQL.DSN()); err != nil {
			return nil, err
		}
		return pgsql.New(ctx, cfg.PgSQL.DSN())
	case "redis":
		return redisback.New(ctx, cfg.Redis.Addr, cfg.Redis.DB, cfg.Redis.Prefix)
	case "inmem":
		slog.Warn("using in-memory persistence, data is lost on exit")
		return pers.NewInMem(), nil
	default:
		return nil, fmt.Errorf("unknown persistence back end %q", cfg.BackEnd)
	}
}

func newValidator(ctx context.Context, cfg config.Config) (auth.Validator, error) {
	if cfg.Auth.Module == "accounts" {
		pool, err := pgxpool.New(ctx, cfg.Pers.PgSQL.DSN())
		if err != nil {
			return nil, fmt.Errorf("connecting accounts database: %w", err)
		}
		return auth.NewAccounts(pool), nil
	}
	return auth.New(cfg.Auth)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
