package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warden/v1/authority"
	"github.com/mirkobrombin/go-warden/v1/core"
	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/session"
	"github.com/mirkobrombin/go-warden/v1/wire"
	"github.com/mirkobrombin/go-warden/v1/world"
)

const tickInterval = 250 * time.Millisecond

func newClientCommand(a *app) *cobra.Command {
	var (
		zone uint16
		root string
	)
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Open a session on a control node and cycle its devices",
		Long: `Opens a session on the control node at --root and reads commands from
stdin, one per line: "a" steps back, "d" steps forward, "q" quits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if a.cfg.IsAuthority() {
				return fmt.Errorf("client requires node.role=client")
			}
			pos, err := device.ParseVec3i(root)
			if err != nil {
				return err
			}
			return a.client(cmd.Context(), device.At(zone, pos), os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().Uint16Var(&zone, "zone", 0, "zone of the control node")
	cmd.Flags().StringVar(&root, "root", "0,0,0", "position of the control node as x,y,z")
	cmd.Flags().String("mode", "", "session mode: single or bulk")
	if err := bindFlags(a.v, cmd.Flags(), map[string]string{"session.mode": "mode"}); err != nil {
		panic(err)
	}
	return cmd
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) printf(format string, args ...any) {
	l.mu.Lock()
	fmt.Fprintf(l.w, format, args...)
	l.mu.Unlock()
}

func (a *app) client(ctx context.Context, root device.Resource, in io.Reader, out io.Writer) error {
	cfg, logger := a.cfg, a.logger
	console := &lockedWriter{w: out}

	// the client keeps its own replica of the wiring graph
	w, err := openWorld(ctx, cfg.World.Path)
	if err != nil {
		return fmt.Errorf("load world: %w", err)
	}
	tr, closeTransport, err := openTransport(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeTransport()

	reg := rpc.NewRegistry()
	if err := authority.RegisterRemote(reg); err != nil {
		return err
	}
	gw, err := rpc.NewGateway(reg, tr, rpc.Config{
		NodeID:        cfg.Node.ID,
		AllowList:     authority.Endpoints(),
		SweepInterval: cfg.RPC.SweepInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	node, err := core.New(core.Config{
		ID:        cfg.Node.ID,
		Transport: tr,
		Gateway:   gw,
		Heartbeat: cfg.Presence.Heartbeat,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	node.OnNotice(func(n wire.Notice) { console.printf("! %s\n", n.Text) })
	if err := node.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	s, err := session.New(session.Config{
		Node:      node,
		Caller:    gw,
		Graph:     w,
		Lifecycle: w,
		Notifier:  world.NotifierFunc(func(_ int32, text string) { console.printf("! %s\n", text) }),
		Mode:      cfg.SessionMode(),
		MaxDepth:  cfg.Session.MaxDepth,
		Timeout:   cfg.Session.Timeout,
		Context:   cfg.Session.Context,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	closed := make(chan struct{}, 1)
	s.OnSlotChanged(func(slot int, res device.Resource) { console.printf("> %d %s\n", slot, res) })
	s.OnClosed(func() {
		select {
		case closed <- struct{}{}:
		default:
		}
	})
	if err := s.Open(ctx, root); err != nil {
		return err
	}
	defer s.Close(context.Background())

	inputDone := make(chan error, 1)
	go func() { inputDone <- driveInput(ctx, in, s) }()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-inputDone:
			return err
		case <-closed:
			console.printf("session closed\n")
			return nil
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// cursor is the input side of a session.
type cursor interface {
	Press(dir session.Direction)
	Release(ctx context.Context, dir session.Direction)
}

// driveInput turns every "a" or "d" of in into one press and release of the
// matching direction and returns on "q" or end of input.
func driveInput(ctx context.Context, in io.Reader, c cursor) error {
	sc := bufio.NewScanner(in)
	for sc.Scan() {
		for _, r := range strings.TrimSpace(sc.Text()) {
			var dir session.Direction
			switch r {
			case 'a':
				dir = session.Backward
			case 'd':
				dir = session.Forward
			case 'q':
				return nil
			default:
				continue
			}
			c.Press(dir)
			c.Release(ctx, dir)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return sc.Err()
}
