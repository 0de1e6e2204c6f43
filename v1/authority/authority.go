// Package authority runs the lock decisions of the authority node: all or
// nothing batch acquisition with rollback, batch release and the single
// device hand-off used by cycling sessions.
package authority

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/device"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/lock"
	"github.com/mirkobrombin/go-warden/v1/logutil"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/wire"
	"github.com/mirkobrombin/go-warden/v1/world"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/authority")

// EndpointLockForClient is the rpc name of LockForClient.
const EndpointLockForClient = "authority.LockForClient"

// Notices shown to a requester whose batch was denied.
const (
	NoticeInUse    = "device in use"
	NoticeDenied   = "access denied"
	NoticeNotFound = "device not found"
)

// Broadcaster delivers batch outcomes. Granted outcomes go to every node,
// denials only to the requester.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg wire.LockBatchBroadcast) error
}

// Config wires an Authority to its collaborators.
type Config struct {
	Table       lock.Table
	Resolver    world.Resolver
	Liveness    world.Liveness
	Policy      world.Policy
	Notifier    world.Notifier
	Broadcaster Broadcaster
	Logger      pslog.Logger
}

// Authority serialises every lock decision of the node.
type Authority struct {
	mu          sync.Mutex
	table       lock.Table
	resolver    world.Resolver
	liveness    world.Liveness
	policy      world.Policy
	notifier    world.Notifier
	broadcaster Broadcaster
	logger      pslog.Logger
}

// New returns an Authority. Table, Resolver and Liveness are required.
func New(cfg Config) (*Authority, error) {
	if cfg.Table == nil || cfg.Resolver == nil || cfg.Liveness == nil {
		return nil, fmt.Errorf("authority: table, resolver and liveness are required")
	}
	return &Authority{
		table:       cfg.Table,
		resolver:    cfg.Resolver,
		liveness:    cfg.Liveness,
		policy:      cfg.Policy,
		notifier:    cfg.Notifier,
		broadcaster: cfg.Broadcaster,
		logger:      logutil.WithSubsystem(cfg.Logger, "authority"),
	}, nil
}

// SetBroadcaster replaces the broadcaster. It exists for nodes that own both
// the authority and the transport it broadcasts on.
func (a *Authority) SetBroadcaster(b Broadcaster) {
	a.mu.Lock()
	a.broadcaster = b
	a.mu.Unlock()
}

// SetNotifier replaces the notifier, for the same reason as SetBroadcaster.
func (a *Authority) SetNotifier(n world.Notifier) {
	a.mu.Lock()
	a.notifier = n
	a.mu.Unlock()
}

// Table returns the lock table.
func (a *Authority) Table() lock.Table { return a.table }

func (a *Authority) allowed(holder int32, res device.Resource, scope string) bool {
	return a.policy == nil || a.policy.Allowed(holder, res, scope)
}

// acquireOne runs the per entry checks of a walk. fresh reports whether the
// entry was not already held by holder.
func (a *Authority) acquireOne(ctx context.Context, e device.Resource, holder int32, scope string) (res device.Resource, fresh bool, err error) {
	res, ok := a.resolver.Resolve(e)
	if !ok {
		return e, false, fmt.Errorf("%w: %s", warperrors.ErrResolution, e)
	}
	if !a.allowed(holder, res, scope) {
		return res, false, fmt.Errorf("%w: holder %d may not open %s", warperrors.ErrPolicyViolation, holder, res)
	}
	cur, held, err := a.table.Holder(ctx, res)
	if err != nil {
		return res, false, err
	}
	if held && cur == holder {
		return res, false, nil
	}
	live, err := a.table.IsHeldByLiveHolder(ctx, res)
	if err != nil {
		return res, false, err
	}
	if live {
		return res, false, fmt.Errorf("%w: %s held by %d", warperrors.ErrContention, res, cur)
	}
	ok, err = a.table.TryAcquire(ctx, res, holder)
	if err != nil {
		return res, false, err
	}
	if !ok {
		return res, false, fmt.Errorf("%w: %s", warperrors.ErrContention, res)
	}
	return res, true, nil
}

// AcquireAll locks every entry of b for b.Holder or none of them. The
// outcome is broadcast; a denial also notifies the requester unless it no
// longer exists. The returned error describes the first failing entry.
func (a *Authority) AcquireAll(ctx context.Context, b device.Batch) (_ wire.Outcome, err error) {
	ctx, span := tracer.Start(ctx, "Authority.AcquireAll", trace.WithAttributes(
		attribute.Int("warden.lock.holder", int(b.Holder)),
		attribute.Int("warden.lock.entries", len(b.Entries)),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	primary, ok := b.Primary()
	if !ok {
		return wire.Denied, warperrors.ErrNoResources
	}
	log := a.logger.With("holder", b.Holder, "context", b.Context, "size", len(b.Entries))

	a.mu.Lock()
	var acquired []device.Resource
	var failure error
	for i, e := range b.Entries {
		res, fresh, err := a.acquireOne(ctx, e, b.Holder, b.Context)
		if err != nil {
			failure = err
			break
		}
		if i == 0 {
			primary = res
		}
		if fresh {
			acquired = append(acquired, res)
		}
	}
	if failure != nil {
		for _, res := range acquired {
			if err := a.table.Release(ctx, res); err != nil {
				log.Error("authority.rollback.failed", "resource", res.String(), "error", err)
			}
		}
		if len(acquired) > 0 {
			metrics.RollbackCounter.Inc()
		}
	}
	broadcaster, notifier := a.broadcaster, a.notifier
	a.mu.Unlock()

	msg := wire.LockBatchBroadcast{Outcome: wire.Granted, Primary: primary, RequesterID: b.Holder, Context: b.Context}
	if failure == nil {
		log.Info("authority.batch.granted", "primary", primary.String())
		a.broadcast(ctx, broadcaster, msg)
		return wire.Granted, nil
	}

	metrics.LockDenyCounter.Inc()
	msg.Outcome = wire.Denied
	if !a.liveness.Alive(b.Holder) {
		log.Debug("authority.batch.denied_silently", "error", failure)
		return wire.Denied, failure
	}
	log.Info("authority.batch.denied", "rolled_back", len(acquired), "error", failure)
	notice(notifier, b.Holder, failure)
	a.broadcast(ctx, broadcaster, msg)
	return wire.Denied, failure
}

func (a *Authority) broadcast(ctx context.Context, b Broadcaster, msg wire.LockBatchBroadcast) {
	if b == nil {
		return
	}
	if err := b.Broadcast(ctx, msg); err != nil {
		a.logger.Warn("authority.broadcast.failed", "outcome", msg.Outcome.String(), "requester", msg.RequesterID, "error", err)
	}
}

func notice(n world.Notifier, holder int32, reason error) {
	if n == nil {
		return
	}
	text := NoticeInUse
	switch {
	case errors.Is(reason, warperrors.ErrPolicyViolation):
		text = NoticeDenied
	case errors.Is(reason, warperrors.ErrResolution):
		text = NoticeNotFound
	}
	n.Notice(holder, text)
}

// ReleaseAll frees the entries of b that are held by b.Holder or by a dead
// holder. An id addressed entry whose device is gone is purged from the
// table by id; a positional entry that no longer resolves ends the release.
func (a *Authority) ReleaseAll(ctx context.Context, b device.Batch) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range b.Entries {
		res, ok := a.resolver.Resolve(e)
		if !ok {
			if e.ByPosition() {
				a.logger.Debug("authority.release.stale", "resource", e.String(), "holder", b.Holder)
				return nil
			}
			if _, err := a.table.ReleaseEntity(ctx, e.EntityID); err != nil {
				return err
			}
			continue
		}
		if err := a.releaseOwned(ctx, res, b.Holder); err != nil {
			return err
		}
	}
	return nil
}

func (a *Authority) releaseOwned(ctx context.Context, res device.Resource, holder int32) error {
	cur, held, err := a.table.Holder(ctx, res)
	if err != nil || !held {
		return err
	}
	if cur != holder && a.liveness.Alive(cur) {
		a.logger.Warn("authority.release.foreign", "resource", res.String(), "holder", holder, "owner", cur)
		return nil
	}
	return a.table.Release(ctx, res)
}

// Acquire locks a single device for holder. It neither broadcasts nor
// notifies.
func (a *Authority) Acquire(ctx context.Context, res device.Resource, holder int32, scope string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, _, err := a.acquireOne(ctx, res, holder, scope)
	if err != nil {
		if isDenial(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Release frees a single device if holder owns it.
func (a *Authority) Release(ctx context.Context, res device.Resource, holder int32) error {
	return a.ReleaseAll(ctx, device.Batch{Entries: []device.Resource{res}, Holder: holder})
}

// LockRequest is the argument of LockForClient.
type LockRequest struct {
	Resource device.Resource  `json:"resource"`
	Holder   int32            `json:"holder"`
	Previous *device.Resource `json:"previous,omitempty"`
	Context  string           `json:"context,omitempty"`
}

// LockForClient hands holder's lock over from Previous to Resource in one
// step. Previous is released whatever the outcome on Resource. Asking for
// the device already held returns true.
func (a *Authority) LockForClient(ctx context.Context, req LockRequest) (bool, error) {
	target, ok := a.resolver.Resolve(req.Resource)
	if !ok {
		target = req.Resource
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Previous != nil {
		prev, ok := a.resolver.Resolve(*req.Previous)
		if ok && prev.Key() == target.Key() {
			cur, held, err := a.table.Holder(ctx, prev)
			if err != nil {
				return false, err
			}
			if held && cur == req.Holder {
				return true, nil
			}
		}
		if ok {
			if err := a.releaseOwned(ctx, prev, req.Holder); err != nil {
				return false, err
			}
		}
	}
	_, _, err := a.acquireOne(ctx, req.Resource, req.Holder, req.Context)
	switch {
	case err == nil:
		return true, nil
	case isDenial(err):
		a.logger.Debug("authority.handoff.denied", "resource", req.Resource.String(), "holder", req.Holder, "error", err)
		return false, nil
	default:
		return false, err
	}
}

// HandleBatch processes a batch forwarded by a client.
func (a *Authority) HandleBatch(ctx context.Context, req wire.LockBatchRequest) error {
	switch req.Kind {
	case wire.Lock:
		_, err := a.AcquireAll(ctx, req.Batch())
		if err != nil && !isDenial(err) {
			return err
		}
		return nil
	case wire.Unlock:
		return a.ReleaseAll(ctx, req.Batch())
	}
	return fmt.Errorf("authority: unknown batch kind %d", req.Kind)
}

func isDenial(err error) bool {
	return errors.Is(err, warperrors.ErrContention) || errors.Is(err, warperrors.ErrResolution) ||
		errors.Is(err, warperrors.ErrPolicyViolation) || errors.Is(err, warperrors.ErrNoResources)
}

// Register exposes the authority endpoints on reg.
func (a *Authority) Register(reg *rpc.Registry) error {
	return rpc.Register(reg, EndpointLockForClient, a.LockForClient)
}

// RegisterRemote declares the authority endpoints on a client registry so
// the gateway can validate its allow-list. Calls never run locally since a
// client gateway forwards them to the authority.
func RegisterRemote(reg *rpc.Registry) error {
	return rpc.Register(reg, EndpointLockForClient, func(context.Context, LockRequest) (bool, error) {
		return false, warperrors.ErrNotAuthority
	})
}

// Endpoints lists the names Register adds, for use as an rpc allow-list.
func Endpoints() []string { return []string{EndpointLockForClient} }

// Purge drops every lock of a device that no longer exists.
func (a *Authority) Purge(ctx context.Context, res device.Resource) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.table.Release(ctx, res); err != nil {
		a.logger.Warn("authority.purge.failed", "resource", res.String(), "error", err)
	}
}

// ReleaseHolder drops every lock of holder, used when a peer goes away.
func (a *Authority) ReleaseHolder(ctx context.Context, holder int32) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.table.ReleaseHolder(ctx, holder)
}
