// Package world defines the collaborators the lock authority and sessions
// consult about the environment they run in, plus an in-memory world that
// implements all of them.
package world

import (
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/mirkobrombin/go-warden/v1/device"
	"github.com/mirkobrombin/go-warden/v1/topology"
)

// Resolver maps a resource reference to the device currently backing it.
// Id addressed references resolve by entity id, the others by position.
// The returned resource always carries the device's entity id and position.
type Resolver interface {
	Resolve(res device.Resource) (device.Resource, bool)
}

// Liveness reports whether a holder still exists.
type Liveness interface {
	Alive(holder int32) bool
}

// Policy decides whether holder may open res in the given context.
type Policy interface {
	Allowed(holder int32, res device.Resource, context string) bool
}

// Lifecycle delivers destruction notices for a device.
type Lifecycle interface {
	// Subscribe calls fn once when res is destroyed. The returned function
	// detaches fn and is safe to call more than once.
	Subscribe(res device.Resource, fn func()) func()
}

// Notifier shows a message to the user behind holder.
type Notifier interface {
	Notice(holder int32, text string)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(holder int32, text string)

// Notice implements Notifier.
func (f NotifierFunc) Notice(holder int32, text string) { f(holder, text) }

type tile struct {
	zone uint16
	pos  device.Vec3i
}

type node struct {
	res      device.Resource
	kind     device.Kind
	children []device.Vec3i
	parent   *device.Vec3i
}

// Memory is a mutable world held in memory. It implements Resolver,
// Liveness, Policy, Lifecycle and topology.Graph.
type Memory struct {
	mu         sync.RWMutex
	nodes      map[tile]*node
	byID       map[int32]tile
	alive      map[int32]bool
	denied     map[int32]map[string]bool
	subs       map[string]map[int]func()
	hooks      []func(device.Resource)
	nextSub    int
	nextEntity int32
}

// NewMemory returns an empty world.
func NewMemory() *Memory {
	return &Memory{
		nodes:      make(map[tile]*node),
		byID:       make(map[int32]tile),
		alive:      make(map[int32]bool),
		denied:     make(map[int32]map[string]bool),
		subs:       make(map[string]map[int]func()),
		nextEntity: 1,
	}
}

// Place creates a device of kind at pos and returns it. Placing over an
// existing device replaces it.
func (m *Memory) Place(zone uint16, pos device.Vec3i, kind device.Kind) device.Resource {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextEntity
	m.nextEntity++
	return m.placeLocked(zone, pos, kind, id)
}

func (m *Memory) placeLocked(zone uint16, pos device.Vec3i, kind device.Kind, id int32) device.Resource {
	t := tile{zone: zone, pos: pos}
	if old, ok := m.nodes[t]; ok {
		delete(m.byID, old.res.EntityID)
	}
	res := device.Resource{Zone: zone, Pos: pos, EntityID: id}
	m.nodes[t] = &node{res: res, kind: kind}
	m.byID[id] = t
	if id >= m.nextEntity {
		m.nextEntity = id + 1
	}
	return res
}

// Wire connects parent to child in zone.
func (m *Memory) Wire(zone uint16, parent, child device.Vec3i) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.nodes[tile{zone, parent}]
	if !ok {
		return fmt.Errorf("world: no device at %d:%s", zone, parent)
	}
	c, ok := m.nodes[tile{zone, child}]
	if !ok {
		return fmt.Errorf("world: no device at %d:%s", zone, child)
	}
	p.children = append(p.children, child)
	pp := parent
	c.parent = &pp
	return nil
}

// Unwire removes the link between parent and child.
func (m *Memory) Unwire(zone uint16, parent, child device.Vec3i) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.nodes[tile{zone, parent}]; ok {
		p.children = without(p.children, child)
	}
	if c, ok := m.nodes[tile{zone, child}]; ok && c.parent != nil && *c.parent == parent {
		c.parent = nil
	}
}

func without(list []device.Vec3i, v device.Vec3i) []device.Vec3i {
	out := list[:0]
	for _, p := range list {
		if p != v {
			out = append(out, p)
		}
	}
	return out
}

// Destroy removes the device behind res and notifies its subscribers and
// the destroy hooks.
func (m *Memory) Destroy(res device.Resource) bool {
	m.mu.Lock()
	t, ok := m.tileLocked(res)
	if !ok {
		m.mu.Unlock()
		return false
	}
	n := m.nodes[t]
	delete(m.nodes, t)
	delete(m.byID, n.res.EntityID)
	if n.parent != nil {
		if p, ok := m.nodes[tile{t.zone, *n.parent}]; ok {
			p.children = without(p.children, t.pos)
		}
	}
	for _, c := range n.children {
		if cn, ok := m.nodes[tile{t.zone, c}]; ok {
			cn.parent = nil
		}
	}
	key := n.res.Key()
	var fire []func()
	for _, fn := range m.subs[key] {
		fire = append(fire, fn)
	}
	delete(m.subs, key)
	hooks := slices.Clone(m.hooks)
	m.mu.Unlock()

	for _, fn := range fire {
		fn()
	}
	for _, h := range hooks {
		h(n.res)
	}
	return true
}

// OnDestroy registers fn to run after any device is destroyed.
func (m *Memory) OnDestroy(fn func(device.Resource)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, fn)
	m.mu.Unlock()
}

func (m *Memory) tileLocked(res device.Resource) (tile, bool) {
	if !res.ByPosition() {
		t, ok := m.byID[res.EntityID]
		return t, ok
	}
	t := tile{res.Zone, res.Pos}
	_, ok := m.nodes[t]
	return t, ok
}

// Resolve implements Resolver.
func (m *Memory) Resolve(res device.Resource) (device.Resource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tileLocked(res)
	if !ok {
		return device.Resource{}, false
	}
	return m.nodes[t].res, true
}

// Node implements topology.Graph.
func (m *Memory) Node(zone uint16, pos device.Vec3i) (topology.Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nodes[tile{zone, pos}]
	if !ok {
		return topology.Node{}, false
	}
	out := topology.Node{
		Resource: n.res,
		Kind:     n.kind,
		Children: append([]device.Vec3i(nil), n.children...),
	}
	if n.parent != nil {
		p := *n.parent
		out.Parent = &p
	}
	return out, true
}

// SetAlive marks holder as present or gone.
func (m *Memory) SetAlive(holder int32, alive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alive {
		m.alive[holder] = true
		return
	}
	delete(m.alive, holder)
}

// Alive implements Liveness.
func (m *Memory) Alive(holder int32) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.alive[holder]
}

// Deny forbids holder from opening res.
func (m *Memory) Deny(holder int32, res device.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.denied[holder]
	if !ok {
		set = make(map[string]bool)
		m.denied[holder] = set
	}
	set[res.Key()] = true
}

// Allow lifts a previous Deny.
func (m *Memory) Allow(holder int32, res device.Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.denied[holder], res.Key())
}

// Allowed implements Policy. The context is not consulted.
func (m *Memory) Allowed(holder int32, res device.Resource, _ string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return !m.denied[holder][res.Key()]
}

// Subscribe implements Lifecycle.
func (m *Memory) Subscribe(res device.Resource, fn func()) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := res.Key()
	if r, ok := m.resolveKeyLocked(res); ok {
		key = r
	}
	id := m.nextSub
	m.nextSub++
	set, ok := m.subs[key]
	if !ok {
		set = make(map[int]func())
		m.subs[key] = set
	}
	set[id] = fn
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs[key], id)
			m.mu.Unlock()
		})
	}
}

func (m *Memory) resolveKeyLocked(res device.Resource) (string, bool) {
	t, ok := m.tileLocked(res)
	if !ok {
		return "", false
	}
	return m.nodes[t].res.Key(), true
}

// Subscribers returns the number of active lifecycle subscriptions.
func (m *Memory) Subscribers() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, set := range m.subs {
		n += len(set)
	}
	return n
}

// Fixture is a serialisable snapshot of a world.
type Fixture struct {
	Nodes  []FixtureNode `json:"nodes"`
	Wires  []FixtureWire `json:"wires"`
	Actors []int32       `json:"actors"`
}

// FixtureNode describes one device.
type FixtureNode struct {
	Zone     uint16       `json:"zone"`
	Pos      device.Vec3i `json:"pos"`
	EntityID int32        `json:"entity"`
	Kind     device.Kind  `json:"kind"`
}

// FixtureWire links two devices of a zone.
type FixtureWire struct {
	Zone   uint16       `json:"zone"`
	Parent device.Vec3i `json:"parent"`
	Child  device.Vec3i `json:"child"`
}

// Fixture returns a snapshot of the devices, wiring and live actors, sorted
// for stable output.
func (m *Memory) Fixture() Fixture {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var f Fixture
	for t, n := range m.nodes {
		f.Nodes = append(f.Nodes, FixtureNode{Zone: t.zone, Pos: t.pos, EntityID: n.res.EntityID, Kind: n.kind})
		for _, c := range n.children {
			f.Wires = append(f.Wires, FixtureWire{Zone: t.zone, Parent: t.pos, Child: c})
		}
	}
	for id := range m.alive {
		f.Actors = append(f.Actors, id)
	}
	sort.Slice(f.Nodes, func(i, j int) bool { return f.Nodes[i].EntityID < f.Nodes[j].EntityID })
	sort.Slice(f.Wires, func(i, j int) bool {
		a, b := f.Wires[i], f.Wires[j]
		if a.Parent != b.Parent {
			return lessVec(a.Parent, b.Parent)
		}
		return lessVec(a.Child, b.Child)
	})
	sort.Slice(f.Actors, func(i, j int) bool { return f.Actors[i] < f.Actors[j] })
	return f
}

func lessVec(a, b device.Vec3i) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}

// NewMemoryFrom builds a world from f.
func NewMemoryFrom(f Fixture) (*Memory, error) {
	m := NewMemory()
	m.mu.Lock()
	for _, n := range f.Nodes {
		m.placeLocked(n.Zone, n.Pos, n.Kind, n.EntityID)
	}
	for _, id := range f.Actors {
		m.alive[id] = true
	}
	m.mu.Unlock()
	for _, w := range f.Wires {
		if err := m.Wire(w.Zone, w.Parent, w.Child); err != nil {
			return nil, err
		}
	}
	return m, nil
}
