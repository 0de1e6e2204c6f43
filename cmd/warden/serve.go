package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-warden/v1/authority"
	"github.com/mirkobrombin/go-warden/v1/core"
	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/transport"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the authority node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !a.cfg.IsAuthority() {
				return fmt.Errorf("serve requires node.role=authority")
			}
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	shutdownTracing := setupTracing(cfg)
	defer func() { _ = shutdownTracing(context.Background()) }()

	w, err := openWorld(ctx, cfg.World.Path)
	if err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	w.SetAlive(cfg.Node.ID, true)

	tr, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	table, closeTable, err := openTable(ctx, cfg, w, tr, logger)
	if err != nil {
		return err
	}
	defer closeTable()

	auth, err := authority.New(authority.Config{
		Table:    table,
		Resolver: w,
		Liveness: w,
		Policy:   w,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	w.OnDestroy(func(res device.Resource) { auth.Purge(context.Background(), res) })

	reg := rpc.NewRegistry()
	if err := auth.Register(reg); err != nil {
		return err
	}
	gw, err := rpc.NewGateway(reg, tr, rpc.Config{
		NodeID:        cfg.Node.ID,
		Authority:     true,
		AllowList:     authority.Endpoints(),
		SweepInterval: cfg.RPC.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	var presence *core.Presence
	if cfg.Presence.TTL > 0 {
		presence, err = core.NewPresence(cfg.Presence.TTL, w.SetAlive, func(id int32) {
			n, err := auth.ReleaseHolder(context.Background(), id)
			if err != nil {
				logger.Warn("serve.presence.release_failed", "holder", id, "error", err)
				return
			}
			logger.Info("serve.presence.expired", "holder", id, "released", n)
		})
		if err != nil {
			return err
		}
	}

	node, err := core.New(core.Config{
		ID:        cfg.Node.ID,
		Transport: tr,
		Gateway:   gw,
		Authority: auth,
		Presence:  presence,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	registry := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(registry)

	g, gctx := errgroup.WithContext(ctx)
	if err := node.Start(gctx); err != nil {
		return err
	}
	g.Go(node.Wait)
	g.Go(func() error {
		<-gctx.Done()
		return node.Close()
	})
	if cfg.Metrics.Listen != "" {
		srv := metricsServer(cfg.Metrics.Listen, registry)
		g.Go(func() error { return serveHTTP(gctx, srv, logger) })
	}
	if cfg.Transport.Kind == "websocket" {
		mux := http.NewServeMux()
		mux.Handle("/ws", transport.NewHub(tr))
		srv := &http.Server{Addr: cfg.Transport.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error { return serveHTTP(gctx, srv, logger) })
	}
	logger.Info("serve.ready", "transport", cfg.Transport.Kind, "lock_backend", cfg.Lock.Backend, "devices", len(w.Fixture().Nodes))
	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
