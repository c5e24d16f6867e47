// Package pathtable correlates the commands an extension sends with the
// results it receives, and the commands it receives with the results it
// returns.
//
// A Table belongs to one extension and is only touched from that extension's
// thread. A registered handler sees any number of non-final results followed
// by exactly one terminal result: a final result, or a synthesized TIMEOUT or
// CLOSED result when the path is force-closed.
package pathtable

import (
	"sort"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/aptima-ai/aptima-framework-sub006/errors"
	"github.com/aptima-ai/aptima-framework-sub006/logging"
	"github.com/aptima-ai/aptima-framework-sub006/message"
	"github.com/aptima-ai/aptima-framework-sub006/metrics"
	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Direction tells whether a path tracks a sent or a received command.
type Direction int

const (
	// Out tracks a command this extension sent.
	Out Direction = iota
	// In tracks a command this extension received and has not fully answered.
	In
)

func (d Direction) String() string {
	if d == In {
		return "in"
	}
	return "out"
}

// Handler receives the results of an outbound command.
type Handler func(res *message.CommandResult)

// Entry is one open path.
type Entry struct {
	CmdID    string
	CmdName  string
	Dir      Direction
	Created  time.Time
	Deadline time.Time        // Zero means no deadline
	Handler  Handler          // Out paths
	ReplyTo  message.Location // In paths
}

type key struct {
	id  string
	dir Direction
}

// Table is a per-extension path table.
type Table struct {
	owner          string
	clock          clock.Clock
	logger         *logging.Logger
	metrics        *metrics.Metrics
	defaultTimeout time.Duration

	entries map[key]*Entry
	timer   *runloop.Timer
}

// Option configures a Table.
type Option func(*Table)

// WithClock sets the clock used for creation times and deadlines.
func WithClock(c clock.Clock) Option {
	return func(t *Table) {
		t.clock = c
	}
}

// WithLogger sets the table logger.
func WithLogger(logger *logging.Logger) Option {
	return func(t *Table) {
		t.logger = logger
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) {
		t.metrics = m
	}
}

// WithDefaultTimeout gives out-paths opened without a deadline one that many
// units after creation. Zero disables the default.
func WithDefaultTimeout(d time.Duration) Option {
	return func(t *Table) {
		t.defaultTimeout = d
	}
}

// New creates an empty table for the extension named owner.
func New(owner string, opts ...Option) *Table {
	t := &Table{
		owner:   owner,
		clock:   clock.New(),
		logger:  logging.NewNop(),
		entries: make(map[key]*Entry),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.WithComponent("pathtable")
	return t
}

// Open registers a path. Opening an id twice in the same direction fails
// with INVALID_ARGUMENT.
func (t *Table) Open(e Entry) error {
	if e.CmdID == "" {
		return errors.InvalidArgument("path without a command id")
	}
	k := key{id: e.CmdID, dir: e.Dir}
	if _, dup := t.entries[k]; dup {
		return errors.InvalidArgument("%s path %s already open on %s", e.Dir, e.CmdID, t.owner)
	}
	if e.Created.IsZero() {
		e.Created = t.clock.Now()
	}
	if e.Deadline.IsZero() && e.Dir == Out && t.defaultTimeout > 0 {
		e.Deadline = e.Created.Add(t.defaultTimeout)
	}
	t.entries[k] = &e
	t.metrics.PathOpened(e.Dir.String())
	return nil
}

// Get returns a copy of an open entry.
func (t *Table) Get(id string, dir Direction) (Entry, bool) {
	e, ok := t.entries[key{id: id, dir: dir}]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries returns the open paths of one direction, oldest first.
func (t *Table) Entries(dir Direction) []Entry {
	var out []Entry
	for k, e := range t.entries {
		if k.dir == dir {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Created.Before(out[j].Created)
	})
	return out
}

// Len returns the number of open paths.
func (t *Table) Len() int {
	return len(t.entries)
}

// Close removes a path without invoking its handler.
func (t *Table) Close(id string, dir Direction) bool {
	return t.remove(key{id: id, dir: dir}, "closed") != nil
}

// HandleResult routes res to the out-path of its command. A non-final result
// leaves the path open; a final one closes it before the handler runs. It
// reports false for results of unknown or already closed paths, which are
// dropped.
func (t *Table) HandleResult(res *message.CommandResult) bool {
	k := key{id: res.ID, dir: Out}
	e, ok := t.entries[k]
	if !ok {
		t.logger.MessageDropped(message.KindCommandResult.String(), res.OriginalName, "no open path for "+res.ID)
		return false
	}
	if res.Final {
		t.remove(k, "final")
	}
	if e.Handler != nil {
		e.Handler(res)
	}
	return true
}

// CompleteIn looks up the in-path of a received command when a result for it
// is returned. A final result closes the path.
func (t *Table) CompleteIn(id string, final bool) (Entry, bool) {
	k := key{id: id, dir: In}
	e, ok := t.entries[k]
	if !ok {
		return Entry{}, false
	}
	if final {
		t.remove(k, "final")
	}
	return *e, true
}

// Sweep force-closes every path whose deadline is at or before now. Out-paths
// receive a synthesized final TIMEOUT result. It returns the number of paths
// closed.
func (t *Table) Sweep(now time.Time) int {
	var expired []*Entry
	for _, e := range t.entries {
		if !e.Deadline.IsZero() && !e.Deadline.After(now) {
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].Deadline.Before(expired[j].Deadline)
	})

	closed := 0
	for _, e := range expired {
		// An earlier handler may have closed or replaced this path.
		if !t.removeEntry(e, "timeout") {
			continue
		}
		closed++
		t.logger.PathTimeout(e.CmdID, e.CmdName, now.Sub(e.Created))
		if e.Dir == Out && e.Handler != nil {
			e.Handler(synthesize(e, message.StatusTimeout, "path timed out"))
		}
	}
	return closed
}

// FailAll force-closes every path. Out-paths receive a synthesized final
// result with the given status.
func (t *Table) FailAll(status message.StatusCode, detail string) int {
	all := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Created.Before(all[j].Created)
	})
	closed := 0
	for _, e := range all {
		if !t.removeEntry(e, "closed") {
			continue
		}
		closed++
		if e.Dir == Out && e.Handler != nil {
			e.Handler(synthesize(e, status, detail))
		}
	}
	return closed
}

// Attach installs a periodic sweep on loop. It must be called on the loop
// goroutine, as must Detach.
func (t *Table) Attach(loop *runloop.Loop, interval time.Duration) error {
	if t.timer != nil {
		return errors.InvalidArgument("path table of %s already attached", t.owner)
	}
	timer, err := loop.NewTimer(interval, runloop.Forever, func() {
		t.Sweep(loop.Now())
	})
	if err != nil {
		return err
	}
	if err := timer.Start(); err != nil {
		_ = timer.Close()
		return err
	}
	t.timer = timer
	return nil
}

// Detach stops and closes the sweep timer.
func (t *Table) Detach() error {
	if t.timer == nil {
		return nil
	}
	err := t.timer.Close()
	t.timer = nil
	return err
}

func (t *Table) remove(k key, reason string) *Entry {
	e, ok := t.entries[k]
	if !ok {
		return nil
	}
	delete(t.entries, k)
	t.metrics.PathClosed(k.dir.String(), reason)
	return e
}

// removeEntry removes e only if it is still the open entry for its key.
func (t *Table) removeEntry(e *Entry, reason string) bool {
	k := key{id: e.CmdID, dir: e.Dir}
	if t.entries[k] != e {
		return false
	}
	return t.remove(k, reason) != nil
}

func synthesize(e *Entry, status message.StatusCode, detail string) *message.CommandResult {
	return &message.CommandResult{
		Header:       message.Header{Name: e.CmdName},
		ID:           e.CmdID,
		OriginalName: e.CmdName,
		Status:       status,
		Final:        true,
		Detail:       detail,
	}
}
