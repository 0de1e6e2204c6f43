package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/world"
)

func newWorldCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "world",
		Short: "Manage the world database",
	}
	var (
		devices int
		actors  []int32
	)
	seed := &cobra.Command{
		Use:   "seed",
		Short: "Write a demo panel: one control node, a relay and N devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := demoFixture(devices, actors)
			if err != nil {
				return err
			}
			return saveFixture(cmd.Context(), a.cfg.World.Path, f)
		},
	}
	seed.Flags().IntVar(&devices, "devices", 4, "number of devices wired to the panel")
	seed.Flags().Int32SliceVar(&actors, "actors", []int32{1, 2, 3}, "node ids marked alive")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the world database as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showFixture(cmd.Context(), a.cfg.World.Path, os.Stdout)
		},
	}
	cmd.AddCommand(seed, show)
	return cmd
}

// demoFixture lays out a control node at the origin with a relay on top of
// it; the first half of the devices hang off the control node directly, the
// rest off the relay.
func demoFixture(devices int, actors []int32) (world.Fixture, error) {
	if devices < 1 {
		return world.Fixture{}, fmt.Errorf("at least one device required")
	}
	w := world.NewMemory()
	origin := device.Vec3i{}
	relay := device.Vec3i{Y: 1}
	w.Place(0, origin, device.KindControl)
	w.Place(0, relay, device.KindRelay)
	if err := w.Wire(0, origin, relay); err != nil {
		return world.Fixture{}, err
	}
	for i := 0; i < devices; i++ {
		pos := device.Vec3i{X: int32(i + 1)}
		parent := origin
		if i >= (devices+1)/2 {
			pos.Y = 1
			parent = relay
		}
		w.Place(0, pos, device.KindLeaf)
		if err := w.Wire(0, parent, pos); err != nil {
			return world.Fixture{}, err
		}
	}
	for _, id := range actors {
		w.SetAlive(id, true)
	}
	return w.Fixture(), nil
}

func saveFixture(ctx context.Context, path string, f world.Fixture) error {
	store, err := world.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.Save(ctx, f)
}

func showFixture(ctx context.Context, path string, out io.Writer) error {
	store, err := world.OpenStore(path)
	if err != nil {
		return err
	}
	defer store.Close()
	f, err := store.Load(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(f)
}
