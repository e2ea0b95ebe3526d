// Package binding implements the module binding helper of spec.md §4.G:
// a declarative table of (pipe, optional input/filter/output callbacks)
// that a module installs on load and removes on unload, with a
// deferred one-shot seeding of every bound output trigger so that a
// freshly loaded module gets a deterministic initial observation.
package binding

import (
	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
)

// Entry declares the bindings a module wants on one pipe. Any of Input,
// Filter, Output may be nil.
type Entry struct {
	Pipe   *datapipe.Datapipe
	Input  datapipe.InputTriggerFunc
	Filter datapipe.FilterFunc
	Output datapipe.OutputTriggerFunc

	bound    bool
	inputID  datapipe.CallbackID
	filterID datapipe.CallbackID
	outputID datapipe.CallbackID
}

// Table is a module's full set of bindings, installed and removed together.
type Table struct {
	name    string
	entries []*Entry
	loop    *loop.Loop
}

// NewTable constructs a binding table. name must be unique among tables
// sharing the same Loop, since it keys the deferred seed task's idle id.
func NewTable(name string, l *loop.Loop, entries ...*Entry) *Table {
	return &Table{name: name, entries: entries, loop: l}
}

// Install registers each entry's non-nil callbacks on its pipe and marks
// the entry bound. Already-bound entries are left untouched.
func (t *Table) Install() {
	for _, e := range t.entries {
		if e.bound {
			continue
		}
		if e.Input != nil {
			e.inputID, _ = e.Pipe.AddInputTrigger(e.Input)
		}
		if e.Filter != nil {
			e.filterID, _ = e.Pipe.AddFilter(e.Filter)
		}
		if e.Output != nil {
			e.outputID, _ = e.Pipe.AddOutputTrigger(e.Output)
		}
		e.bound = true
	}
}

// Remove reverses Install, clearing the bound flag on each entry.
func (t *Table) Remove() {
	for _, e := range t.entries {
		if !e.bound {
			continue
		}
		if e.Input != nil {
			e.Pipe.RemoveInputTrigger(e.inputID)
		}
		if e.Filter != nil {
			e.Pipe.RemoveFilter(e.filterID)
		}
		if e.Output != nil {
			e.Pipe.RemoveOutputTrigger(e.outputID)
		}
		e.bound = false
	}
}

func (t *Table) seedTaskID() loop.TaskID {
	return loop.TaskID("binding-seed:" + t.name)
}

// InitBindings installs the table and schedules one idle task that, when
// run, invokes every bound output trigger once with its pipe's currently
// cached value (spec.md §4.G, §5).
func (t *Table) InitBindings() {
	t.Install()
	t.loop.PostIdle(t.seedTaskID(), t.seedOutputs)
}

func (t *Table) seedOutputs() {
	for _, e := range t.entries {
		if e.bound && e.Output != nil {
			e.Output(e.Pipe.CachedValue())
		}
	}
}

// QuitBindings cancels the pending seed task (if it hasn't run yet) and
// removes the bindings.
func (t *Table) QuitBindings() {
	t.loop.CancelIdle(t.seedTaskID())
	t.Remove()
}
