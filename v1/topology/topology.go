// Package topology discovers the devices wired to a control node.
package topology

import "github.com/mirkobrombin/go-warden/v1/device"

// DefaultMaxDepth bounds discovery when no depth is configured.
const DefaultMaxDepth = 5

// maxChain bounds the parent walk of Connected on miswired graphs.
const maxChain = 64

// Node is a tile of the wiring graph.
type Node struct {
	Resource device.Resource
	Kind     device.Kind
	// Children are the positions this node feeds.
	Children []device.Vec3i
	// Parent is the position feeding this node, nil for roots.
	Parent *device.Vec3i
}

// Graph looks up wiring graph nodes.
type Graph interface {
	Node(zone uint16, pos device.Vec3i) (Node, bool)
}

type step struct {
	pos   device.Vec3i
	depth int
}

// Discoverer walks a Graph breadth first. Its work queue is reused between
// calls, so a Discoverer must not be shared between goroutines.
type Discoverer struct {
	graph Graph
	queue []step
}

// NewDiscoverer returns a Discoverer over g.
func NewDiscoverer(g Graph) *Discoverer {
	return &Discoverer{graph: g, queue: make([]step, 0, 32)}
}

// Discover returns the control nodes and leaf devices reachable from root
// within maxDepth hops. A control node found below the root is recorded but
// not expanded. There is no visited set: a node reachable through several
// paths is reported once per path. maxDepth 0 classifies the root alone; a
// negative maxDepth uses DefaultMaxDepth.
func (d *Discoverer) Discover(root device.Resource, maxDepth int) (controls, leaves []device.Resource) {
	if maxDepth < 0 {
		maxDepth = DefaultMaxDepth
	}
	d.queue = append(d.queue[:0], step{pos: root.Pos})
	for head := 0; head < len(d.queue); head++ {
		cur := d.queue[head]
		n, ok := d.graph.Node(root.Zone, cur.pos)
		if !ok {
			continue
		}
		switch n.Kind {
		case device.KindControl:
			controls = append(controls, n.Resource)
			if cur.depth > 0 {
				continue
			}
		case device.KindLeaf:
			leaves = append(leaves, n.Resource)
		}
		if cur.depth >= maxDepth {
			continue
		}
		for _, c := range n.Children {
			d.queue = append(d.queue, step{pos: c, depth: cur.depth + 1})
		}
	}
	d.queue = d.queue[:0]
	return controls, leaves
}

// Connected reports whether leaf is still fed, directly or through relays,
// by one of controls.
func Connected(g Graph, leaf device.Resource, controls []device.Resource) bool {
	pos := leaf.Pos
	for hops := 0; hops <= maxChain; hops++ {
		n, ok := g.Node(leaf.Zone, pos)
		if !ok {
			return false
		}
		if n.Kind == device.KindControl {
			for _, c := range controls {
				if c.Zone == leaf.Zone && c.Pos == pos {
					return true
				}
			}
		}
		if n.Parent == nil {
			return false
		}
		pos = *n.Parent
	}
	return false
}
