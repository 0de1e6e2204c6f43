package lock

import (
	"context"
	"strconv"

	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/logutil"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/transport"
)

// Liveness reports whether a holder still exists and is alive.
type Liveness func(holder int32) bool

// Entry is a single lock table row.
type Entry struct {
	Resource device.Resource `json:"resource"`
	Holder   int32           `json:"holder"`
}

// Table is the authoritative resource to holder map. It is only mutated on
// the authority node.
type Table interface {
	// TryAcquire grants res to holder if it is free, held by holder already or
	// held by a holder that is no longer alive.
	TryAcquire(ctx context.Context, res device.Resource, holder int32) (bool, error)
	// Release removes the entry of res. It is a no-op for free resources.
	Release(ctx context.Context, res device.Resource) error
	// Holder returns the current holder of res.
	Holder(ctx context.Context, res device.Resource) (int32, bool, error)
	// IsHeldByLiveHolder distinguishes a contended resource from a stale entry.
	IsHeldByLiveHolder(ctx context.Context, res device.Resource) (bool, error)
	// ReleaseEntity removes every entry whose resource carries entity id.
	ReleaseEntity(ctx context.Context, entityID int32) (int, error)
	// ReleaseHolder removes every entry held by holder.
	ReleaseHolder(ctx context.Context, holder int32) (int, error)
	// Snapshot returns a copy of all entries.
	Snapshot(ctx context.Context) ([]Entry, error)
}

// Option configures a Table implementation.
type Option func(*options)

type options struct {
	events transport.Transport
	logger pslog.Logger
}

// WithEvents publishes grants and releases on tr.
func WithEvents(tr transport.Transport) Option {
	return func(o *options) { o.events = tr }
}

// WithLogger sets the logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = logutil.WithSubsystem(o.logger, "lock")
	return o
}

func (o options) granted(ctx context.Context, res device.Resource, holder int32) {
	metrics.LockGrantCounter.Inc()
	o.logger.Debug("lock.granted", "resource", res.String(), "holder", holder)
	if o.events != nil {
		if err := o.events.Publish(ctx, "lock:"+res.Key(), []byte(strconv.Itoa(int(holder)))); err != nil {
			o.logger.Warn("lock.event.publish_failed", "resource", res.String(), "error", err)
		}
	}
}

func (o options) released(ctx context.Context, res device.Resource, holder int32) {
	metrics.LockReleaseCounter.Inc()
	o.logger.Debug("lock.released", "resource", res.String(), "holder", holder)
	if o.events != nil {
		if err := o.events.Publish(ctx, "unlock:"+res.Key(), []byte(strconv.Itoa(int(holder)))); err != nil {
			o.logger.Warn("lock.event.publish_failed", "resource", res.String(), "error", err)
		}
	}
}
