package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/config"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/transport"
	"github.com/mirkobrombin/go-warden/v1/world"
)

// openTransport connects the configured transport. The returned cleanup
// closes the transport and any connection it was built on.
func openTransport(ctx context.Context, cfg *config.Config) (transport.Transport, func(), error) {
	switch cfg.Transport.Kind {
	case "memory":
		tr := transport.NewInMemory()
		return tr, func() { _ = tr.Close() }, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Transport.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis transport %s: %w", cfg.Transport.RedisAddr, err)
		}
		tr := transport.NewRedis(client)
		return tr, func() { _ = tr.Close(); _ = client.Close() }, nil
	case "nats":
		conn, err := nats.Connect(cfg.Transport.NATSURL)
		if err != nil {
			return nil, nil, fmt.Errorf("nats transport %s: %w", cfg.Transport.NATSURL, err)
		}
		tr := transport.NewNATS(conn)
		return tr, func() { _ = tr.Close(); conn.Close() }, nil
	case "kafka":
		tr, err := transport.NewKafka(cfg.Transport.KafkaBrokers, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("kafka transport: %w", err)
		}
		return tr, func() { _ = tr.Close() }, nil
	case "websocket":
		if cfg.IsAuthority() {
			// the authority serves the hub on top of an in-process bus
			tr := transport.NewInMemory()
			return tr, func() { _ = tr.Close() }, nil
		}
		tr, err := transport.DialWebSocket(ctx, cfg.Transport.WebSocketURL)
		if err != nil {
			return nil, nil, fmt.Errorf("websocket transport %s: %w", cfg.Transport.WebSocketURL, err)
		}
		return tr, func() { _ = tr.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport.Kind)
}

// openTable builds the authority lock table. A Redis table is reset since
// lock state does not survive an authority restart.
func openTable(ctx context.Context, cfg *config.Config, w *world.Memory, tr transport.Transport, logger pslog.Logger) (lock.Table, func(), error) {
	opts := []lock.Option{lock.WithEvents(tr), lock.WithLogger(logger)}
	if cfg.Lock.Backend != "redis" {
		return lock.NewInMemory(w.Alive, opts...), func() {}, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.Lock.RedisAddr})
	table := lock.NewRedis(client, w.Alive, opts...)
	if err := table.Reset(ctx); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("reset redis lock table: %w", err)
	}
	return table, func() { _ = client.Close() }, nil
}

// setupTracing installs a stdout span exporter when enabled.
func setupTracing(cfg *config.Config) func(context.Context) error {
	if !cfg.Trace.Stdout {
		return func(context.Context) error { return nil }
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return func(context.Context) error { return nil }
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// serveHTTP runs srv until ctx ends.
func serveHTTP(ctx context.Context, srv *http.Server, logger pslog.Logger) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("http.listening", "addr", srv.Addr)
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	if e := <-errc; e != nil && !errors.Is(e, http.ErrServerClosed) {
		err = errors.Join(err, e)
	}
	return err
}

func metricsServer(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
}

func openWorld(ctx context.Context, path string) (*world.Memory, error) {
	store, err := world.OpenStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.LoadMemory(ctx)
}
