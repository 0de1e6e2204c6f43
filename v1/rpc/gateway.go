package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"github.com/mirkobrombin/go-warden/v1/clock"
	warperrors "github.com/mirkobrombin/go-warden/v1/errors"
	"github.com/mirkobrombin/go-warden/v1/logutil"
	"github.com/mirkobrombin/go-warden/v1/metrics"
	"github.com/mirkobrombin/go-warden/v1/transport"
	"github.com/mirkobrombin/go-warden/v1/wire"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-warden/v1/rpc")

// DefaultSweepInterval is the period of the pending call deadline sweep.
const DefaultSweepInterval = 930 * time.Millisecond

// NoDeadline disables the timeout of a call.
const NoDeadline time.Duration = -1

// Callbacks are the reactions to a call. Exactly one of OnSuccess, OnError
// and OnTimeout fires per call. OnError receives a *RemoteError when the
// endpoint failed on the authority.
//
// OnLate, when set, receives a successful response that arrives after
// OnTimeout fired, as long as it comes within one more timeout period. The
// authority may still have acted on a call the caller gave up on.
type Callbacks struct {
	OnSuccess func(Result)
	OnError   func(error)
	OnTimeout func()
	OnLate    func(Result)
}

func (c Callbacks) success(r Result) {
	if c.OnSuccess != nil {
		c.OnSuccess(r)
	}
}

func (c Callbacks) fail(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

func (c Callbacks) timeout() {
	if c.OnTimeout != nil {
		c.OnTimeout()
	}
}

func (c Callbacks) late(r Result) {
	if c.OnLate != nil {
		c.OnLate(r)
	}
}

// Config configures a Gateway.
type Config struct {
	// NodeID is the id of the local node, used as reply address.
	NodeID int32
	// Authority makes the gateway execute calls in-process.
	Authority bool
	// AllowList names the endpoints that may be invoked.
	AllowList     []string
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        pslog.Logger
}

type pendingCall struct {
	endpoint string
	deadline time.Time
	timeout  time.Duration
	never    bool
	cb       Callbacks
}

// Gateway submits calls and, on the authority, serves them.
type Gateway struct {
	reg      *Registry
	tr       transport.Transport
	id       int32
	auth     bool
	allowed  map[string]struct{}
	interval time.Duration
	clock    clock.Clock
	logger   pslog.Logger

	mu       sync.Mutex
	pending  map[int32]*pendingCall
	late     map[int32]*pendingCall
	nextID   int32
	sweeping bool
	closed   bool
	stop     chan struct{}
}

// NewGateway validates the allow-list against reg, seals it and returns a
// gateway publishing on tr.
func NewGateway(reg *Registry, tr transport.Transport, cfg Config) (*Gateway, error) {
	if reg == nil {
		return nil, fmt.Errorf("rpc: nil registry")
	}
	if tr == nil && !cfg.Authority {
		return nil, fmt.Errorf("rpc: transport required on non-authority nodes")
	}
	allowed := make(map[string]struct{}, len(cfg.AllowList))
	for _, name := range cfg.AllowList {
		if _, ok := reg.lookup(name); !ok {
			return nil, fmt.Errorf("rpc: allow-listed endpoint %q is not registered", name)
		}
		allowed[name] = struct{}{}
	}
	reg.Seal()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	return &Gateway{
		reg:      reg,
		tr:       tr,
		id:       cfg.NodeID,
		auth:     cfg.Authority,
		allowed:  allowed,
		interval: cfg.SweepInterval,
		clock:    cfg.Clock,
		logger:   logutil.WithSubsystem(cfg.Logger, "rpc").With("node", cfg.NodeID),
		pending:  make(map[int32]*pendingCall),
		late:     make(map[int32]*pendingCall),
		nextID:   math.MinInt32,
		stop:     make(chan struct{}),
	}, nil
}

// Authority reports whether the gateway executes calls in-process.
func (g *Gateway) Authority() bool { return g.auth }

func (g *Gateway) resolve(name string, args any) (*endpoint, error) {
	if _, ok := g.allowed[name]; !ok {
		return nil, fmt.Errorf("%w: endpoint %q not allowed", warperrors.ErrPolicyViolation, name)
	}
	ep, ok := g.reg.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %q not registered", warperrors.ErrPolicyViolation, name)
	}
	if !ep.accepts(args) {
		return nil, fmt.Errorf("%w: endpoint %q does not accept %T", warperrors.ErrPolicyViolation, name, args)
	}
	return ep, nil
}

// Call invokes endpoint with args on behalf of callerID. A policy violation
// is returned immediately and no callback fires. On the authority the
// endpoint runs before Call returns; otherwise the request is published and
// one of the callbacks fires later. A negative timeout never expires.
func (g *Gateway) Call(ctx context.Context, name string, args any, cb Callbacks, callerID int32, timeout time.Duration) error {
	ctx, span := tracer.Start(ctx, "Gateway.Call", trace.WithAttributes(
		attribute.String("warden.rpc.endpoint", name),
		attribute.Bool("warden.rpc.local", g.auth),
	))
	defer span.End()

	ep, err := g.resolve(name, args)
	if err != nil {
		metrics.CallCounter.WithLabelValues("policy").Inc()
		g.logger.Warn("rpc.call.rejected", "endpoint", name, "caller", callerID, "error", err)
		span.RecordError(err)
		return err
	}

	if g.auth {
		v, err := ep.invoke(ctx, args)
		if err != nil {
			metrics.CallCounter.WithLabelValues("error").Inc()
			g.logger.Warn("rpc.call.local_failed", "endpoint", name, "caller", callerID, "error", err)
			cb.fail(err)
			return nil
		}
		metrics.CallCounter.WithLabelValues("local").Inc()
		cb.success(Result{value: v})
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("rpc: encode args for %q: %w", name, err)
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return warperrors.ErrConnectionClosed
	}
	id := g.allocate()
	pc := &pendingCall{endpoint: name, cb: cb, timeout: timeout, never: timeout < 0}
	if !pc.never {
		pc.deadline = g.clock.Now().Add(timeout)
	}
	g.pending[id] = pc
	metrics.PendingGauge.Set(float64(len(g.pending)))
	if !g.sweeping {
		g.sweeping = true
		go g.sweepLoop(g.stop)
	}
	g.mu.Unlock()

	span.SetAttributes(attribute.Int("warden.rpc.correlation", int(id)))
	data, err := wire.Seal(wire.KindCall, g.id, nil, wire.CallRequest{
		Endpoint:      name,
		Args:          raw,
		CallerID:      callerID,
		CorrelationID: id,
	})
	if err == nil {
		err = g.tr.Publish(ctx, wire.TopicCalls, data)
	}
	if err != nil {
		g.mu.Lock()
		delete(g.pending, id)
		metrics.PendingGauge.Set(float64(len(g.pending)))
		g.mu.Unlock()
		metrics.CallCounter.WithLabelValues("transport").Inc()
		span.RecordError(err)
		return fmt.Errorf("rpc: publish %q: %w", name, err)
	}
	g.logger.Debug("rpc.call.sent", "endpoint", name, "caller", callerID, "correlation", id)
	return nil
}

// allocate returns the next free correlation id. The counter wraps silently.
func (g *Gateway) allocate() int32 {
	for {
		id := g.nextID
		g.nextID++
		_, used := g.pending[id]
		_, waiting := g.late[id]
		if !used && !waiting {
			return id
		}
	}
}

// Pending returns the number of outstanding calls.
func (g *Gateway) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

func (g *Gateway) sweepLoop(stop chan struct{}) {
	for {
		select {
		case <-g.clock.After(g.interval):
		case <-stop:
			return
		}
		g.Sweep()
		g.mu.Lock()
		if (len(g.pending) == 0 && len(g.late) == 0) || g.closed {
			g.sweeping = false
			g.mu.Unlock()
			return
		}
		g.mu.Unlock()
	}
}

// Sweep runs one deadline pass, firing OnTimeout for every expired call.
// Expired calls with an OnLate callback stay reachable by their correlation
// id for one more timeout period.
func (g *Gateway) Sweep() {
	now := g.clock.Now()
	var expired []*pendingCall
	g.mu.Lock()
	for id, pc := range g.late {
		if !now.Before(pc.deadline) {
			delete(g.late, id)
		}
	}
	for id, pc := range g.pending {
		if pc.never || now.Before(pc.deadline) {
			continue
		}
		delete(g.pending, id)
		expired = append(expired, pc)
		if pc.cb.OnLate != nil {
			pc.deadline = now.Add(pc.timeout)
			g.late[id] = pc
		}
		g.logger.Info("rpc.call.timeout", "endpoint", pc.endpoint, "correlation", id)
	}
	metrics.PendingGauge.Set(float64(len(g.pending)))
	g.mu.Unlock()
	for _, pc := range expired {
		metrics.CallCounter.WithLabelValues("timeout").Inc()
		pc.cb.timeout()
	}
}

// ServeRequest executes a request received by the authority and publishes
// the response on the caller's node topic.
func (g *Gateway) ServeRequest(ctx context.Context, req wire.CallRequest) error {
	ctx, span := tracer.Start(ctx, "Gateway.Serve", trace.WithAttributes(
		attribute.String("warden.rpc.endpoint", req.Endpoint),
		attribute.Int("warden.rpc.caller", int(req.CallerID)),
	))
	defer span.End()
	if !g.auth {
		return warperrors.ErrNotAuthority
	}

	resp := wire.CallResponse{CorrelationID: req.CorrelationID}
	payload, err := g.execute(ctx, req)
	if err != nil {
		g.logger.Error("rpc.serve.failed", "endpoint", req.Endpoint, "caller", req.CallerID,
			"correlation", req.CorrelationID, "error", err)
		span.RecordError(err)
		resp.Error = true
		payload, _ = json.Marshal(err.Error())
	}
	resp.Payload = payload

	data, err := wire.Seal(wire.KindResponse, g.id, nil, resp)
	if err != nil {
		return err
	}
	return g.tr.Publish(ctx, wire.NodeTopic(req.CallerID), data)
}

func (g *Gateway) execute(ctx context.Context, req wire.CallRequest) (json.RawMessage, error) {
	if _, ok := g.allowed[req.Endpoint]; !ok {
		return nil, fmt.Errorf("%w: endpoint %q not allowed", warperrors.ErrPolicyViolation, req.Endpoint)
	}
	ep, ok := g.reg.lookup(req.Endpoint)
	if !ok {
		return nil, fmt.Errorf("%w: endpoint %q not registered", warperrors.ErrPolicyViolation, req.Endpoint)
	}
	args, err := ep.decode(req.Args)
	if err != nil {
		return nil, fmt.Errorf("%w: bad arguments for %q: %v", warperrors.ErrPolicyViolation, req.Endpoint, err)
	}
	v, err := ep.invoke(ctx, args)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// HandleResponse completes the pending call matching resp. A success for a
// call that already timed out goes to its OnLate callback. Other responses
// for unknown correlation ids are logged and dropped.
func (g *Gateway) HandleResponse(resp wire.CallResponse) {
	g.mu.Lock()
	pc, ok := g.pending[resp.CorrelationID]
	if ok {
		delete(g.pending, resp.CorrelationID)
		metrics.PendingGauge.Set(float64(len(g.pending)))
	}
	late, isLate := g.late[resp.CorrelationID]
	if !ok && isLate {
		delete(g.late, resp.CorrelationID)
	}
	g.mu.Unlock()
	if !ok && isLate {
		g.logger.Info("rpc.response.late", "endpoint", late.endpoint, "correlation", resp.CorrelationID, "error", resp.Error)
		if !resp.Error {
			metrics.CallCounter.WithLabelValues("late").Inc()
			late.cb.late(Result{raw: resp.Payload})
		}
		return
	}
	if !ok {
		g.logger.Info("rpc.response.dropped", "correlation", resp.CorrelationID, "error", warperrors.ErrUnknownCorrelation)
		return
	}
	if resp.Error {
		var msg string
		if err := json.Unmarshal(resp.Payload, &msg); err != nil {
			msg = string(resp.Payload)
		}
		metrics.CallCounter.WithLabelValues("error").Inc()
		pc.cb.fail(&RemoteError{Endpoint: pc.endpoint, Message: msg})
		return
	}
	metrics.CallCounter.WithLabelValues("success").Inc()
	pc.cb.success(Result{raw: resp.Payload})
}

// Close stops the sweep. Outstanding calls receive OnError with
// ErrConnectionClosed.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.stop)
	outstanding := make([]*pendingCall, 0, len(g.pending))
	for id, pc := range g.pending {
		outstanding = append(outstanding, pc)
		delete(g.pending, id)
	}
	clear(g.late)
	metrics.PendingGauge.Set(0)
	g.mu.Unlock()
	for _, pc := range outstanding {
		pc.cb.fail(warperrors.ErrConnectionClosed)
	}
	return nil
}
