// Package session implements the client side cursor over the devices wired
// to a control node.
//
// A session locks the control node (single mode) or every discovered device
// (bulk mode) through its node, then cycles over the devices. In single mode
// exactly one device lock is held and cycling hands it over through the
// authority's LockForClient endpoint; a denied device is skipped until every
// device has been tried once. In bulk mode cycling only moves the active
// slot. Any timeout, transport error, disconnection or destruction of a
// device in the list tears the session down and releases what it holds.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/authority"
	"github.com/mirkobrombin/go-warden/v1/clock"
	"github.com/mirkobrombin/go-warden/v1/device"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/logutil"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/rpc"
	"github.com/mirkobrombin/go-warden/v1/topology"
	"github.com/mirkobrombin/go-warden/v1/wire"
	"github.com/mirkobrombin/go-warden/v1/world"
)

// Notices shown to the local user.
const (
	NoticeNoDevice = "no device connected"
	NoticeAllInUse = "all devices in use"
)

// DefaultTimeout bounds lock requests and the wait for the opening grant.
const DefaultTimeout = 2 * time.Second

// State is the lifecycle state of a session.
type State uint8

const (
	Idle State = iota
	Cycling
	Closing
)

func (s State) String() string {
	switch s {
	case Cycling:
		return "cycling"
	case Closing:
		return "closing"
	}
	return "idle"
}

// Direction selects the cycling direction.
type Direction int

const (
	Forward  Direction = 1
	Backward Direction = -1
)

// Node is the part of core.Node a session uses.
type Node interface {
	ID() int32
	Lock(ctx context.Context, b device.Batch) error
	Unlock(ctx context.Context, b device.Batch) error
	OnBroadcast(fn func(wire.LockBatchBroadcast)) func()
}

// Caller submits rpc calls, usually an *rpc.Gateway.
type Caller interface {
	Call(ctx context.Context, name string, args any, cb rpc.Callbacks, callerID int32, timeout time.Duration) error
}

// Config configures a Session.
type Config struct {
	Node      Node
	Caller    Caller
	Graph     topology.Graph
	Lifecycle world.Lifecycle
	// Notifier shows session notices to the local user.
	Notifier world.Notifier
	Mode     device.Mode
	MaxDepth int
	Timeout  time.Duration
	// Context is the policy context sent with every lock request.
	Context string
	Clock   clock.Clock
	Logger  pslog.Logger
}

// Session is a cursor over the devices reachable from a control node.
type Session struct {
	id     string
	node   Node
	caller Caller
	graph  topology.Graph
	life   world.Lifecycle
	notes  world.Notifier
	mode   device.Mode
	depth  int
	wait   time.Duration
	scope  string
	clock  clock.Clock
	logger pslog.Logger
	disc   *topology.Discoverer

	mu        sync.Mutex
	state     State
	opening   bool
	deadline  time.Time
	root      device.Resource
	controls  []device.Resource
	leaves    []device.Resource
	grant     []device.Resource
	slot      int
	held      *device.Resource
	requested *device.Resource
	releasing *device.Resource
	target    int
	dir       Direction
	attempts  int
	inflight  bool
	epoch     uint64
	gen       uint64
	pressed   map[Direction]bool
	unsubs    []func()
	unlisten  func()
	slotFns   []func(int, device.Resource)
	closeFns  []func()
}

// New returns an idle session.
func New(cfg Config) (*Session, error) {
	if cfg.Node == nil || cfg.Caller == nil || cfg.Graph == nil {
		return nil, fmt.Errorf("session: node, caller and graph are required")
	}
	id, err := uuid.GenerateUUID()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = topology.DefaultMaxDepth
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Notifier == nil {
		cfg.Notifier = world.NotifierFunc(func(int32, string) {})
	}
	return &Session{
		id:      id,
		node:    cfg.Node,
		caller:  cfg.Caller,
		graph:   cfg.Graph,
		life:    cfg.Lifecycle,
		notes:   cfg.Notifier,
		mode:    cfg.Mode,
		depth:   cfg.MaxDepth,
		wait:    cfg.Timeout,
		scope:   cfg.Context,
		clock:   cfg.Clock,
		logger:  logutil.WithSubsystem(cfg.Logger, "session").With("session", id, "holder", cfg.Node.ID()),
		disc:    topology.NewDiscoverer(cfg.Graph),
		slot:    -1,
		pressed: make(map[Direction]bool),
	}, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// OnSlotChanged registers fn for every change of the active device.
func (s *Session) OnSlotChanged(fn func(slot int, res device.Resource)) {
	s.mu.Lock()
	s.slotFns = append(s.slotFns, fn)
	s.mu.Unlock()
}

// OnClosed registers fn for every teardown.
func (s *Session) OnClosed(fn func()) {
	s.mu.Lock()
	s.closeFns = append(s.closeFns, fn)
	s.mu.Unlock()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Opening reports whether the session waits for its opening grant.
func (s *Session) Opening() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opening
}

// InFlight reports whether a lock request is outstanding.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight
}

// Slot returns the active slot, or -1.
func (s *Session) Slot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slot
}

// Current returns the active device.
func (s *Session) Current() (device.Resource, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.slot < 0 || s.slot >= len(s.leaves) {
		return device.Resource{}, false
	}
	return s.leaves[s.slot], true
}

// Leaves returns a copy of the device list.
func (s *Session) Leaves() []device.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.Resource(nil), s.leaves...)
}

// Held returns the locks the session holds.
func (s *Session) Held() []device.Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heldLocked()
}

func (s *Session) heldLocked() []device.Resource {
	var out []device.Resource
	if !s.opening {
		out = append(out, s.grant...)
	}
	if s.held != nil {
		out = append(out, *s.held)
	}
	return out
}

func (s *Session) holdsLocked(res device.Resource) bool {
	for _, h := range s.heldLocked() {
		if h.Key() == res.Key() {
			return true
		}
	}
	return false
}

// Open discovers the devices behind root and asks for the opening grant.
// It fails with ErrNoResources, after notifying the user, when no device is
// wired to root.
func (s *Session) Open(ctx context.Context, root device.Resource) error {
	s.mu.Lock()
	if s.state != Idle || s.opening {
		s.mu.Unlock()
		return fmt.Errorf("session: already open")
	}
	controls, leaves := s.disc.Discover(root, s.depth)
	if len(leaves) == 0 || len(controls) == 0 {
		s.mu.Unlock()
		s.notes.Notice(s.node.ID(), NoticeNoDevice)
		return warperrors.ErrNoResources
	}
	s.root = root
	s.controls, s.leaves = controls, leaves
	s.subscribeLocked()
	batch := device.Batch{Holder: s.node.ID(), Context: s.scope}
	if s.mode == device.ModeBulk {
		batch.Entries = append(append([]device.Resource(nil), controls...), leaves...)
	} else {
		batch.Entries = []device.Resource{controls[0]}
	}
	s.grant = batch.Entries
	s.opening = true
	s.deadline = s.clock.Now().Add(s.wait)
	epoch := s.epoch
	s.mu.Unlock()

	unlisten := s.node.OnBroadcast(func(msg wire.LockBatchBroadcast) { s.onBroadcast(ctx, epoch, msg) })
	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		unlisten()
		return warperrors.ErrSessionClosed
	}
	s.unlisten = unlisten
	s.mu.Unlock()

	s.logger.Info("session.opening", "root", root.String(), "mode", s.mode.String(), "controls", len(controls), "devices", len(leaves))
	if err := s.node.Lock(ctx, batch); err != nil {
		s.teardown(ctx, "lock request failed", err)
		return err
	}
	return nil
}

func (s *Session) subscribeLocked() {
	for _, fn := range s.unsubs {
		fn()
	}
	s.unsubs = s.unsubs[:0]
	if s.life == nil {
		return
	}
	epoch := s.epoch
	watch := func(res device.Resource) {
		s.unsubs = append(s.unsubs, s.life.Subscribe(res, func() {
			s.destroyed(epoch, res)
		}))
	}
	for _, c := range s.controls {
		watch(c)
	}
	for _, l := range s.leaves {
		watch(l)
	}
}

func (s *Session) destroyed(epoch uint64, res device.Resource) {
	s.mu.Lock()
	stale := s.epoch != epoch
	s.mu.Unlock()
	if stale {
		return
	}
	s.teardown(context.Background(), "device destroyed", fmt.Errorf("%w: %s", warperrors.ErrResolution, res))
}

func (s *Session) onBroadcast(ctx context.Context, epoch uint64, msg wire.LockBatchBroadcast) {
	if msg.RequesterID != s.node.ID() {
		return
	}
	s.mu.Lock()
	if s.epoch != epoch || !s.opening || len(s.grant) == 0 || msg.Primary.Key() != s.grant[0].Key() {
		s.mu.Unlock()
		return
	}
	if msg.Outcome == wire.Denied {
		// the authority rolled the batch back, nothing to release
		s.grant = nil
		s.mu.Unlock()
		s.teardown(ctx, "opening denied", warperrors.ErrContention)
		return
	}
	s.opening = false
	s.state = Cycling
	metrics.SessionGauge.Inc()
	s.logger.Info("session.opened", "held", len(s.grant))
	if s.mode == device.ModeBulk {
		s.slot = 0
		res := s.leaves[0]
		fns := s.slotFns
		s.mu.Unlock()
		for _, fn := range fns {
			fn(0, res)
		}
		return
	}
	s.attempts = 0
	s.dir = Forward
	call := s.prepareLocked(0)
	s.mu.Unlock()
	call(ctx)
}

// Press records the start of a cycling gesture.
func (s *Session) Press(dir Direction) {
	s.mu.Lock()
	s.pressed[dir] = true
	s.mu.Unlock()
}

// Release commits a gesture started with Press.
func (s *Session) Release(ctx context.Context, dir Direction) {
	s.mu.Lock()
	if !s.pressed[dir] {
		s.mu.Unlock()
		return
	}
	s.pressed[dir] = false
	s.mu.Unlock()
	s.Step(ctx, dir)
}

// Step moves the cursor one device in dir. Input is ignored while a lock
// request is in flight or the session is not cycling. Moving forward past
// the last device re-runs discovery before wrapping.
func (s *Session) Step(ctx context.Context, dir Direction) {
	s.mu.Lock()
	if s.state != Cycling || s.inflight {
		s.mu.Unlock()
		return
	}
	next := s.slot + int(dir)
	if next >= len(s.leaves) {
		if !s.refreshLocked() {
			s.mu.Unlock()
			s.notes.Notice(s.node.ID(), NoticeNoDevice)
			s.teardown(ctx, "no device left", warperrors.ErrNoResources)
			return
		}
		next = 0
	}
	if next < 0 {
		next = len(s.leaves) - 1
	}
	if s.mode == device.ModeBulk {
		s.slot = next
		res := s.leaves[next]
		fns := s.slotFns
		s.mu.Unlock()
		for _, fn := range fns {
			fn(next, res)
		}
		return
	}
	s.attempts = 0
	s.dir = dir
	call := s.prepareLocked(next)
	s.mu.Unlock()
	call(ctx)
}

// refreshLocked re-runs discovery. In bulk mode the list is kept since the
// grant covers the devices found at open only.
func (s *Session) refreshLocked() bool {
	if s.mode == device.ModeBulk {
		return len(s.leaves) > 0
	}
	controls, leaves := s.disc.Discover(s.root, s.depth)
	if len(leaves) == 0 {
		return false
	}
	s.controls, s.leaves = controls, leaves
	s.subscribeLocked()
	if s.slot >= len(s.leaves) {
		s.slot = -1
	}
	return true
}

// prepareLocked starts the lock attempt on target and returns the call to
// issue once the mutex is released.
func (s *Session) prepareLocked(target int) func(context.Context) {
	s.gen++
	gen := s.gen
	s.attempts++
	s.inflight = true
	s.target = target
	res := s.leaves[target]
	s.requested = &res
	req := authority.LockRequest{Resource: res, Holder: s.node.ID(), Previous: s.held, Context: s.scope}
	if s.held != nil {
		prev := *s.held
		s.releasing = &prev
		s.held = nil
	}
	return func(ctx context.Context) {
		s.logger.Debug("session.lock.request", "slot", target, "resource", res.String(), "attempt", s.attemptsSnapshot())
		err := s.caller.Call(ctx, authority.EndpointLockForClient, req, rpc.Callbacks{
			OnSuccess: func(r rpc.Result) {
				ok, err := rpc.As[bool](r)
				if err != nil {
					s.onFailure(ctx, gen, err)
					return
				}
				s.onResult(ctx, gen, res, ok)
			},
			OnError:   func(err error) { s.onFailure(ctx, gen, err) },
			OnTimeout: func() { s.onTimeout(ctx, gen) },
			OnLate: func(r rpc.Result) {
				// the timeout teardown moved gen on, so a late grant is released
				if ok, err := rpc.As[bool](r); err == nil && ok {
					s.onResult(ctx, gen, res, true)
				}
			},
		}, s.node.ID(), s.wait)
		if err != nil {
			s.onFailure(ctx, gen, err)
		}
	}
}

func (s *Session) attemptsSnapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Session) onResult(ctx context.Context, gen uint64, res device.Resource, ok bool) {
	s.mu.Lock()
	if s.gen != gen || s.state != Cycling {
		orphan := ok && !s.holdsLocked(res) && (s.requested == nil || s.requested.Key() != res.Key())
		s.mu.Unlock()
		s.logger.Debug("session.lock.stale_result", "resource", res.String(), "granted", ok)
		if orphan {
			// the session moved on before the grant arrived
			batch := device.Batch{Entries: []device.Resource{res}, Holder: s.node.ID(), Context: s.scope}
			if err := s.node.Unlock(ctx, batch); err != nil {
				s.logger.Warn("session.release.failed", "resource", res.String(), "error", err)
			}
		}
		return
	}
	s.inflight = false
	s.releasing = nil
	if ok {
		s.held = &res
		s.requested = nil
		s.slot = s.target
		slot := s.slot
		fns := s.slotFns
		s.mu.Unlock()
		s.logger.Debug("session.lock.granted", "slot", slot, "resource", res.String())
		for _, fn := range fns {
			fn(slot, res)
		}
		return
	}
	s.requested = nil
	if s.attempts >= len(s.leaves) {
		s.mu.Unlock()
		s.notes.Notice(s.node.ID(), NoticeAllInUse)
		s.teardown(ctx, "all devices in use", warperrors.ErrContention)
		return
	}
	next := (s.target + int(s.dir) + len(s.leaves)) % len(s.leaves)
	call := s.prepareLocked(next)
	s.mu.Unlock()
	call(ctx)
}

func (s *Session) onFailure(ctx context.Context, gen uint64, err error) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	s.teardown(ctx, "lock request failed", err)
}

func (s *Session) onTimeout(ctx context.Context, gen uint64) {
	s.mu.Lock()
	stale := s.gen != gen
	s.mu.Unlock()
	if stale {
		return
	}
	// teardown unlocks the requested device too, in case the grant happened
	// and only the response was lost. A grant that lands after that unlock
	// comes back through OnLate.
	s.teardown(ctx, "lock request timed out", warperrors.ErrTimeout)
}

// Tick checks the opening deadline and that the active device is still
// wired to one of the control nodes.
func (s *Session) Tick(ctx context.Context) {
	s.mu.Lock()
	if s.opening && !s.clock.Now().Before(s.deadline) {
		s.mu.Unlock()
		s.teardown(ctx, "opening timed out", warperrors.ErrTimeout)
		return
	}
	if s.state != Cycling || s.slot < 0 || s.inflight {
		s.mu.Unlock()
		return
	}
	cur := s.leaves[s.slot]
	controls := s.controls
	s.mu.Unlock()
	if !topology.Connected(s.graph, cur, controls) {
		s.notes.Notice(s.node.ID(), NoticeNoDevice)
		s.teardown(ctx, "device disconnected", warperrors.ErrNoResources)
	}
}

// Close tears the session down. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) {
	s.teardown(ctx, "closed", nil)
}

func (s *Session) teardown(ctx context.Context, reason string, cause error) {
	s.mu.Lock()
	if s.state == Closing || (s.state == Idle && !s.opening) {
		s.mu.Unlock()
		return
	}
	wasCycling := s.state == Cycling
	s.state = Closing
	s.epoch++
	s.gen++

	release := append([]device.Resource(nil), s.grant...)
	if s.held != nil {
		release = append(release, *s.held)
	}
	if s.requested != nil {
		release = append(release, *s.requested)
	}
	if s.releasing != nil {
		release = append(release, *s.releasing)
	}
	unsubs := s.unsubs
	unlisten := s.unlisten
	s.unsubs, s.unlisten = nil, nil
	s.grant, s.held, s.requested, s.releasing = nil, nil, nil, nil
	s.controls, s.leaves = nil, nil
	s.slot = -1
	s.inflight, s.opening = false, false
	s.attempts = 0
	s.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	if unlisten != nil {
		unlisten()
	}
	if len(release) > 0 {
		batch := device.Batch{Entries: release, Holder: s.node.ID(), Context: s.scope}
		if err := s.node.Unlock(ctx, batch); err != nil {
			s.logger.Warn("session.release.failed", "error", err)
		}
	}
	if wasCycling {
		metrics.SessionGauge.Dec()
	}
	if cause != nil {
		s.logger.Info("session.closed", "reason", reason, "released", len(release), "error", cause)
	} else {
		s.logger.Info("session.closed", "reason", reason, "released", len(release))
	}

	s.mu.Lock()
	s.state = Idle
	fns := s.closeFns
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
