package vm

import (
	"encoding/json"
	"sync/atomic"

	"construct/internal/domain"
)

// TaskID identifies the goroutine-scoped unit of work an evaluation belongs
// to. Evaluations on the same task form a parent/child chain.
type TaskID uint64

var taskCounter atomic.Uint64

// NewTaskID mints a task identity for one top-level unit of work.
func NewTaskID() TaskID { return TaskID(taskCounter.Add(1)) }

// Eval is one evaluation context. It is born with a monotonic id and
// carries seq 0 until its commit. Exactly one of issue, event or pdus is
// set. An eval has at most one child at a time; construction links it under
// the youngest ancestor on the same task and destruction unlinks it.
type Eval struct {
	id   uint64
	seq  uint64
	opts Opts
	task TaskID

	// exactly one of the three input shapes
	issue *domain.Event
	event *domain.Event
	pdus  []json.RawMessage

	reg    *Registry
	parent *Eval
	child  *Eval
}

func (e *Eval) ID() uint64    { return e.id }
func (e *Eval) Seq() uint64   { return e.seq }
func (e *Eval) Opts() Opts    { return e.opts }
func (e *Eval) Task() TaskID  { return e.task }
func (e *Eval) Parent() *Eval { return e.parent }
func (e *Eval) Child() *Eval  { return e.child }

// SetIssue marks this eval as originating a local event.
func (e *Eval) SetIssue(ev *domain.Event) { e.issue, e.event, e.pdus = ev, nil, nil }

// SetEvent marks this eval as processing one remote event.
func (e *Eval) SetEvent(ev *domain.Event) { e.issue, e.event, e.pdus = nil, ev, nil }

// SetPDUs marks this eval as processing a remote batch.
func (e *Eval) SetPDUs(pdus []json.RawMessage) { e.issue, e.event, e.pdus = nil, nil, pdus }

// Event returns the single event under evaluation, if this eval carries one.
func (e *Eval) Event() *domain.Event {
	if e.event != nil {
		return e.event
	}
	return e.issue
}

// PDUs returns the batch under evaluation, nil for single-event shapes.
func (e *Eval) PDUs() []json.RawMessage { return e.pdus }

// Root walks to the top of this eval's parent chain.
func (e *Eval) Root() *Eval {
	r := e
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// hasEventID reports whether id appears in any of this eval's three input
// shapes.
func (e *Eval) hasEventID(id domain.EventID) bool {
	if e.event != nil && e.event.EventID == id {
		return true
	}
	if e.issue != nil && e.issue.EventID == id {
		return true
	}
	for _, raw := range e.pdus {
		var probe struct {
			EventID domain.EventID `json:"event_id"`
		}
		if json.Unmarshal(raw, &probe) == nil && probe.EventID == id {
			return true
		}
	}
	return false
}

// Close unlinks the eval from the registry and its parent. Closing an eval
// that still has a child is a caller bug.
func (e *Eval) Close() {
	if e.child != nil {
		panic("vm: eval closed with live child")
	}
	e.reg.remove(e)
}
