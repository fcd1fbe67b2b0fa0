package dht

import (
	"sync"

	"github.com/busybox42/ringdht/pkg/routing"
	"github.com/busybox42/ringdht/pkg/types"
)

// FingerCount is one finger per bit of the identifier space.
const FingerCount = routing.IdentifierSize * 8

// FingerTable holds the node's view of the ring. Finger i points at the
// first known node at or after self + 2^i; finger 0 is the successor.
// A nil finger is unknown.
type FingerTable struct {
	self        *types.Node
	fingers     [FingerCount]*types.Node
	predecessor *types.Node
	mu          sync.RWMutex
}

func NewFingerTable(self *types.Node) *FingerTable {
	return &FingerTable{self: self}
}

func (ft *FingerTable) Self() *types.Node {
	return ft.self
}

// Successor is the first known finger, or self when the table is empty.
func (ft *FingerTable) Successor() *types.Node {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	for _, f := range ft.fingers {
		if f != nil {
			return f
		}
	}
	return ft.self
}

func (ft *FingerTable) SetSuccessor(node *types.Node) {
	ft.SetFinger(0, node)
}

func (ft *FingerTable) Predecessor() *types.Node {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.predecessor
}

func (ft *FingerTable) SetPredecessor(node *types.Node) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.predecessor = node
}

// Start is the ring position finger i is responsible for.
func (ft *FingerTable) Start(i int) routing.Identifier {
	return ft.self.Identifier().AddPowerOfTwo(i)
}

func (ft *FingerTable) Finger(i int) *types.Node {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	return ft.fingers[i]
}

// SetFinger stores node as finger i. Pointing a finger at self clears it.
func (ft *FingerTable) SetFinger(i int, node *types.Node) {
	if node != nil && node.Identifier().Equal(ft.self.Identifier()) {
		node = nil
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.fingers[i] = node
}

// ClosestPreceding returns the known node closest to target while still
// strictly before it, or self if there is none.
func (ft *FingerTable) ClosestPreceding(target routing.Identifier) *types.Node {
	self := ft.self.Identifier()

	ft.mu.RLock()
	defer ft.mu.RUnlock()

	for i := FingerCount - 1; i >= 0; i-- {
		f := ft.fingers[i]
		if f == nil {
			continue
		}
		id := f.Identifier()
		if id.IsBetween(self, target) && !id.Equal(target) {
			return f
		}
	}
	return ft.self
}

// Remove forgets every reference to the node at id, typically after it
// stopped answering.
func (ft *FingerTable) Remove(id routing.Identifier) {
	ft.mu.Lock()
	defer ft.mu.Unlock()

	for i, f := range ft.fingers {
		if f != nil && f.Identifier().Equal(id) {
			ft.fingers[i] = nil
		}
	}
	if ft.predecessor != nil && ft.predecessor.Identifier().Equal(id) {
		ft.predecessor = nil
	}
}

// Nodes lists each distinct known peer once.
func (ft *FingerTable) Nodes() []*types.Node {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	seen := make(map[routing.Identifier]bool)
	nodes := make([]*types.Node, 0, 8)
	add := func(n *types.Node) {
		if n == nil || seen[n.Identifier()] {
			return
		}
		seen[n.Identifier()] = true
		nodes = append(nodes, n)
	}
	for _, f := range ft.fingers {
		add(f)
	}
	add(ft.predecessor)
	return nodes
}
