// Package closing implements the three-stage shutdown protocol shared by
// every resource of the runtime (app, engine, extension thread, bridge
// connection).
//
// Stage 1 (notify): Close marks a node closing and closes every child known
// at that moment. Stage 2 (complete): once all of those children reported
// closed, the node runs its own teardown and reports closed to its parent.
// Stage 3 (destroy): a closed root, or a closed child whose parent is not
// closing, is destroyed children first. A node that decides to close itself
// calls the same Close.
package closing

import (
	"sync"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Executor runs a hook on the thread that owns a node.
type Executor func(task func()) error

// LoopExecutor posts hooks to loop.
func LoopExecutor(loop *runloop.Loop) Executor {
	return func(task func()) error {
		return loop.Post(task, runloop.Back)
	}
}

// Hooks are the node-specific parts of the protocol. Both are optional.
type Hooks struct {
	// Teardown performs the node's own closing work once its children are
	// closed. It must call done exactly once when finished.
	Teardown func(done func())
	// Destroy releases the node. It runs once, after every child was
	// destroyed.
	Destroy func()
}

// Node is one resource in the closing tree. It is safe for concurrent use.
type Node struct {
	name  string
	hooks Hooks
	exec  Executor

	mu        sync.Mutex
	parent    *Node
	children  []*Node
	pending   map[*Node]struct{}
	closing   bool
	tearing   bool
	closed    bool
	destroyed bool

	closedCh    chan struct{}
	destroyedCh chan struct{}
}

// NewNode creates a node. A nil exec runs hooks on the calling goroutine.
func NewNode(name string, hooks Hooks, exec Executor) *Node {
	return &Node{
		name:        name,
		hooks:       hooks,
		exec:        exec,
		closedCh:    make(chan struct{}),
		destroyedCh: make(chan struct{}),
	}
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// AddChild attaches child. It fails with ALREADY_CLOSED once n is closing.
func (n *Node) AddChild(child *Node) error {
	child.mu.Lock()
	hasParent := child.parent != nil
	child.mu.Unlock()
	if hasParent {
		return errors.InvalidArgument("node %q already has a parent", child.name)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closing {
		return errors.AlreadyClosed(n.name)
	}
	child.mu.Lock()
	child.parent = n
	child.mu.Unlock()
	n.children = append(n.children, child)
	return nil
}

// Children returns the attached children.
func (n *Node) Children() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Node(nil), n.children...)
}

// Close starts closing n and every child it currently has. Calling Close on a
// node that is already closing does nothing.
func (n *Node) Close() {
	n.mu.Lock()
	if n.closing {
		n.mu.Unlock()
		return
	}
	n.closing = true
	snapshot := append([]*Node(nil), n.children...)
	n.pending = make(map[*Node]struct{}, len(snapshot))
	for _, c := range snapshot {
		n.pending[c] = struct{}{}
	}
	n.mu.Unlock()

	for _, c := range snapshot {
		c.Close()
	}
	n.maybeTeardown()
}

// IsClosing reports whether Close was called.
func (n *Node) IsClosing() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closing
}

// IsClosed reports whether the node completed Stage 2.
func (n *Node) IsClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// Closed is closed when the node completes Stage 2.
func (n *Node) Closed() <-chan struct{} {
	return n.closedCh
}

// Destroyed is closed after the Destroy hook of the node ran.
func (n *Node) Destroyed() <-chan struct{} {
	return n.destroyedCh
}

func (n *Node) childClosed(child *Node) {
	n.mu.Lock()
	if !n.closing {
		for i, c := range n.children {
			if c == child {
				n.children = append(n.children[:i], n.children[i+1:]...)
				break
			}
		}
		n.mu.Unlock()
		child.destroy(func() {})
		return
	}
	delete(n.pending, child)
	n.mu.Unlock()
	n.maybeTeardown()
}

// maybeTeardown starts Stage 2 once every snapshot child has closed.
func (n *Node) maybeTeardown() {
	n.mu.Lock()
	ready := n.closing && len(n.pending) == 0 && !n.tearing
	if ready {
		n.tearing = true
	}
	n.mu.Unlock()
	if ready {
		n.teardown()
	}
}

func (n *Node) teardown() {
	var once sync.Once
	done := func() {
		once.Do(n.markClosed)
	}
	if n.hooks.Teardown == nil {
		done()
		return
	}
	n.run(func() { n.hooks.Teardown(done) })
}

func (n *Node) markClosed() {
	n.mu.Lock()
	n.closed = true
	parent := n.parent
	n.mu.Unlock()
	close(n.closedCh)

	if parent != nil {
		parent.childClosed(n)
		return
	}
	n.destroy(func() {})
}

// destroy destroys the subtree rooted at n, children first, then calls done.
func (n *Node) destroy(done func()) {
	n.mu.Lock()
	if n.destroyed {
		n.mu.Unlock()
		done()
		return
	}
	n.destroyed = true
	children := append([]*Node(nil), n.children...)
	n.mu.Unlock()

	self := func() {
		n.run(func() {
			if n.hooks.Destroy != nil {
				n.hooks.Destroy()
			}
			close(n.destroyedCh)
			done()
		})
	}
	if len(children) == 0 {
		self()
		return
	}

	var mu sync.Mutex
	remaining := len(children)
	for _, c := range children {
		c.destroy(func() {
			mu.Lock()
			remaining--
			last := remaining == 0
			mu.Unlock()
			if last {
				self()
			}
		})
	}
}

// run executes task on the node's executor, or inline when there is none or
// the owning thread no longer accepts work.
func (n *Node) run(task func()) {
	if n.exec == nil || n.exec(task) != nil {
		task()
	}
}
