package closing

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// journal records destroy calls across goroutines.
type journal struct {
	mu        sync.Mutex
	destroyed []string
	counts    map[string]int
}

func newJournal() *journal {
	return &journal{counts: make(map[string]int)}
}

func (j *journal) hooks(name string) Hooks {
	return Hooks{Destroy: func() {
		j.mu.Lock()
		defer j.mu.Unlock()
		j.destroyed = append(j.destroyed, name)
		j.counts[name]++
	}}
}

func (j *journal) order() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.destroyed...)
}

func (j *journal) index(name string) int {
	for i, n := range j.order() {
		if n == name {
			return i
		}
	}
	return -1
}

func waitDestroyed(t *testing.T, n *Node) {
	t.Helper()
	select {
	case <-n.Destroyed():
	case <-time.After(2 * time.Second):
		t.Fatalf("node %s was never destroyed", n.Name())
	}
}

func TestCloseLeafRoot(t *testing.T) {
	j := newJournal()
	root := NewNode("root", j.hooks("root"), nil)

	root.Close()
	waitDestroyed(t, root)
	assert.True(t, root.IsClosed())
	assert.Equal(t, []string{"root"}, j.order())
}

func TestDestroyOrderAndIdempotence(t *testing.T) {
	j := newJournal()
	root := NewNode("app", j.hooks("app"), nil)
	var nodes []*Node
	for e := 0; e < 2; e++ {
		engine := NewNode(fmt.Sprintf("engine%d", e), j.hooks(fmt.Sprintf("engine%d", e)), nil)
		require.NoError(t, root.AddChild(engine))
		nodes = append(nodes, engine)
		for c := 0; c < 3; c++ {
			name := fmt.Sprintf("thread%d.%d", e, c)
			child := NewNode(name, j.hooks(name), nil)
			require.NoError(t, engine.AddChild(child))
			nodes = append(nodes, child)
		}
	}

	root.Close()
	root.Close()
	waitDestroyed(t, root)
	for _, n := range nodes {
		n.Close()
	}

	for name, count := range j.counts {
		assert.Equal(t, 1, count, "%s destroyed more than once", name)
	}
	assert.Len(t, j.order(), 9)
	for e := 0; e < 2; e++ {
		engine := fmt.Sprintf("engine%d", e)
		for c := 0; c < 3; c++ {
			assert.Less(t, j.index(fmt.Sprintf("thread%d.%d", e, c)), j.index(engine))
		}
		assert.Less(t, j.index(engine), j.index("app"))
	}
}

func TestInFlightChildrenDelayParent(t *testing.T) {
	j := newJournal()
	root := NewNode("root", j.hooks("root"), nil)

	release := make(chan struct{})
	slowHooks := j.hooks("slow")
	slowHooks.Teardown = func(done func()) {
		go func() {
			<-release
			done()
		}()
	}
	slow := NewNode("slow", slowHooks, nil)
	fast := NewNode("fast", j.hooks("fast"), nil)
	require.NoError(t, root.AddChild(slow))
	require.NoError(t, root.AddChild(fast))

	root.Close()
	assert.True(t, fast.IsClosed())
	assert.False(t, root.IsClosed(), "parent waits for every child known at close time")
	assert.Empty(t, j.order(), "nothing is destroyed before the root is closed")

	close(release)
	waitDestroyed(t, root)
	assert.Equal(t, "root", j.order()[2])
}

func TestSelfClosedChildIsDetachedAndDestroyed(t *testing.T) {
	j := newJournal()
	root := NewNode("app", j.hooks("app"), nil)
	conn := NewNode("conn", j.hooks("conn"), nil)
	require.NoError(t, root.AddChild(conn))

	conn.Close()
	waitDestroyed(t, conn)
	assert.False(t, root.IsClosing())
	assert.Empty(t, root.Children())

	root.Close()
	waitDestroyed(t, root)
	assert.Equal(t, []string{"conn", "app"}, j.order())
}

func TestAddChildWhileClosing(t *testing.T) {
	release := make(chan struct{})
	root := NewNode("root", Hooks{Teardown: func(done func()) {
		go func() {
			<-release
			done()
		}()
	}}, nil)
	root.Close()

	err := root.AddChild(NewNode("late", Hooks{}, nil))
	assert.True(t, errors.Is(err, errors.ErrCodeAlreadyClosed))
	close(release)
	waitDestroyed(t, root)
}

func TestAddChildTwice(t *testing.T) {
	a := NewNode("a", Hooks{}, nil)
	b := NewNode("b", Hooks{}, nil)
	child := NewNode("c", Hooks{}, nil)
	require.NoError(t, a.AddChild(child))

	err := b.AddChild(child)
	assert.True(t, errors.Is(err, errors.ErrCodeInvalidArgument))
}

func TestHooksRunOnExecutorLoop(t *testing.T) {
	loop := runloop.New()
	require.NoError(t, loop.Start())
	defer func() {
		loop.Stop(false)
		<-loop.Done()
	}()

	var teardownOnLoop, destroyOnLoop bool
	node := NewNode("thread", Hooks{
		Teardown: func(done func()) {
			teardownOnLoop = loop.InLoop()
			done()
		},
		Destroy: func() {
			destroyOnLoop = loop.InLoop()
		},
	}, LoopExecutor(loop))

	node.Close()
	waitDestroyed(t, node)
	assert.True(t, teardownOnLoop)
	assert.True(t, destroyOnLoop)
}

func TestExecutorFailureRunsInline(t *testing.T) {
	loop := runloop.New()
	loop.Stop(false)

	var destroyed bool
	node := NewNode("orphan", Hooks{Destroy: func() { destroyed = true }}, LoopExecutor(loop))
	node.Close()

	waitDestroyed(t, node)
	assert.True(t, destroyed)
}

func TestConcurrentClose(t *testing.T) {
	j := newJournal()
	root := NewNode("root", j.hooks("root"), nil)
	for i := 0; i < 10; i++ {
		name := fmt.Sprintf("c%d", i)
		require.NoError(t, root.AddChild(NewNode(name, j.hooks(name), nil)))
	}

	var wg sync.WaitGroup
	for _, c := range root.Children() {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			n.Close()
		}(c)
	}
	root.Close()
	wg.Wait()

	waitDestroyed(t, root)
	require.Eventually(t, func() bool { return len(j.order()) == 11 }, time.Second, time.Millisecond)
	j.mu.Lock()
	defer j.mu.Unlock()
	for name, count := range j.counts {
		assert.Equal(t, 1, count, "%s destroyed more than once", name)
	}
}
