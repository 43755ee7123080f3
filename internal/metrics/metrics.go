// Package metrics exposes the runtime's Prometheus collectors and the
// optional /metrics HTTP listener.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Sessions connected to this shard.
	SessionsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eleven_sessions_connected",
		Help: "Currently connected client sessions.",
	})

	// Request engine.
	RequestQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "eleven_request_queue_depth",
		Help: "Depth of per-owner request queues.",
	}, []string{"owner_tag"})
	RequestsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleven_requests_processed_total",
		Help: "Requests executed, by outcome.",
	}, []string{"outcome"})
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eleven_request_timeouts_total",
		Help: "Requests that overran the per-request budget.",
	})

	// Persistence gateway.
	PersOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleven_pers_ops_total",
		Help: "Persistence operations, by op and outcome.",
	}, []string{"op", "outcome"})

	// Inter-shard rpc.
	RpcInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eleven_rpc_inflight",
		Help: "Outbound rpc requests awaiting a response.",
	})
	RpcTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "eleven_rpc_timeouts_total",
		Help: "Outbound rpc requests failed by the timeout sweep.",
	})

	// Live-object cache.
	CacheObjects = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "eleven_cache_objects",
		Help: "Entities in the live-object cache.",
	})
	CacheLoads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "eleven_cache_loads_total",
		Help: "Cache-miss loads, by outcome.",
	}, []string{"outcome"})
)

// Serve runs the /metrics listener until ctx is cancelled. A bind of
// "" disables the listener.
func Serve(ctx context.Context, bind string) error {
	if bind == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: bind, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			slog.Warn("metrics listener shutdown", "error", err)
		}
	}()

	slog.Info("metrics listener started", "bind", bind)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
