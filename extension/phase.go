package extension

import (
	"fmt"
	"time"

	"github.com/aptima-ai/aptima-framework-sub006/runloop"
)

// Phase is a lifecycle phase. Phases only move forward, one step at a time.
type Phase int

const (
	PhaseInit Phase = iota
	PhaseConfigured
	PhaseInitialized
	PhaseStarting
	PhaseStarted
	PhaseStopped
	PhaseDeinitializing
	PhaseDeinitialized
)

var phaseNames = [...]string{
	PhaseInit:           "INIT",
	PhaseConfigured:     "CONFIGURED",
	PhaseInitialized:    "INITIALIZED",
	PhaseStarting:       "STARTING",
	PhaseStarted:        "STARTED",
	PhaseStopped:        "STOPPED",
	PhaseDeinitializing: "DEINITIALIZING",
	PhaseDeinitialized:  "DEINITIALIZED",
}

func (p Phase) String() string {
	if p < 0 || int(p) >= len(phaseNames) {
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
	return phaseNames[p]
}

// CanSend reports whether an extension in phase p may send messages.
func (p Phase) CanSend() bool {
	return p == PhaseStarting || p == PhaseStarted || p == PhaseStopped
}

// Accepts reports whether messages addressed to an extension in phase p are
// handed to its logic rather than buffered or rejected.
func (p Phase) Accepts() bool {
	return p == PhaseStarted || p == PhaseStopped
}

// phaseOp is an outstanding acknowledgment. It completes when the logic acks
// op, moving the extension to next. The overdue timer only reports; it never
// completes the operation.
type phaseOp struct {
	op      string
	next    Phase
	started time.Time
	overdue *runloop.Timer
}

func (o *phaseOp) cancel() {
	if o.overdue != nil {
		_ = o.overdue.Close()
		o.overdue = nil
	}
}
