// Package datapipe implements the named, typed, addressable state
// channels that every policy decision in MCE flows through (spec.md
// §4.B). A Datapipe holds at most one cached value of a declared type
// and runs three ordered callback phases — input triggers, filters,
// output triggers — on every Execute.
//
// Per spec.md §9 ("Globally declared, pointer-identified channels"),
// channel identity here is a stable name held in a Registry, not a
// pointer; per spec.md §9 ("Legacy mutation of cached datapipe values
// from outside the fabric"), there is no exported setter for the
// cached value other than Execute.
package datapipe

import (
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/mceerrors"
	"github.com/christophe-duc/mce/pkg/value"
)

// CachingPolicy determines whether and when a Datapipe retains a published value.
type CachingPolicy int

const (
	// CacheNone never retains the value past the end of one Execute.
	CacheNone CachingPolicy = iota
	// CacheIndata caches the raw input value, before filtering.
	CacheIndata
	// CacheOutdata caches the final, filtered output value.
	CacheOutdata
)

// InputTriggerFunc observes the raw value published into a pipe.
type InputTriggerFunc func(value.Value)

// FilterFunc transforms the value flowing through a mutable pipe.
type FilterFunc func(value.Value) value.Value

// OutputTriggerFunc observes the final value after filtering.
type OutputTriggerFunc func(value.Value)

// CallbackID identifies a registered trigger or filter so it can later be removed.
type CallbackID uint64

type triggerSlot struct {
	id      CallbackID
	fn      func(value.Value)
	removed bool
}

type filterSlot struct {
	id      CallbackID
	fn      FilterFunc
	removed bool
}

// Config describes a Datapipe at construction time.
type Config struct {
	Name        string
	Tag         value.Tag
	ElementTag  value.Tag // only meaningful when Tag == value.List
	ElementSize int       // nonzero only for input-event-like records
	ReadOnly    bool
	Policy      CachingPolicy
	Initial     value.Value
	Log         *logrus.Entry
	Loop        *loop.Loop
}

// Datapipe is a named state channel. See package doc and spec.md §4.B.
type Datapipe struct {
	name        string
	tag         value.Tag
	elemTag     value.Tag
	elementSize int
	readOnly    bool
	policy      CachingPolicy
	initial     value.Value

	cached    *value.Value
	executing bool
	phase     string
	nextID    CallbackID
	inputs    []triggerSlot
	filters   []filterSlot
	outputs   []triggerSlot
	gcPending bool

	log  *logrus.Entry
	loop *loop.Loop
}

// New constructs a Datapipe. The pipe starts in the READY state with its
// declared initial value installed (if the caching policy retains one).
func New(cfg Config) *Datapipe {
	p := &Datapipe{
		name:        cfg.Name,
		tag:         cfg.Tag,
		elemTag:     cfg.ElementTag,
		elementSize: cfg.ElementSize,
		readOnly:    cfg.ReadOnly,
		policy:      cfg.Policy,
		initial:     cfg.Initial,
		log:         cfg.Log,
		loop:        cfg.Loop,
	}
	if p.policy != CacheNone {
		v := cfg.Initial
		p.cached = &v
	}
	return p
}

// Name returns the pipe's stable, process-unique name.
func (p *Datapipe) Name() string { return p.name }

// Tag returns the pipe's declared type.
func (p *Datapipe) Tag() value.Tag { return p.tag }

// ElementSize returns the fixed record size hint, nonzero only for
// input-event-like payloads (spec.md §9, §4.B).
func (p *Datapipe) ElementSize() int { return p.elementSize }

// ReadOnly reports whether filters may be registered on this pipe.
func (p *Datapipe) ReadOnly() bool { return p.readOnly }

// CachedValue returns the last cached value, or the declared initial value
// if the pipe's caching policy is CacheNone (which never retains anything).
func (p *Datapipe) CachedValue() value.Value {
	if p.cached == nil {
		return p.initial
	}
	return *p.cached
}

func (p *Datapipe) setCached(v value.Value) {
	if p.policy == CacheNone {
		return
	}
	cp := v.Copy()
	p.cached = &cp
}

func logf(log *logrus.Entry, format string, args ...interface{}) {
	if log != nil {
		log.Warnf(format, args...)
	}
}

// Execute publishes input into the pipe per the seven-step procedure of
// spec.md §4.B: cache (if Indata/Outdata), run input triggers, fold
// through filters if mutable, cache (if Outdata), run output triggers.
// Re-entrancy (a trigger, filter, or output trigger calling Execute
// again on this same pipe) is detected at entry: the inner call logs a
// warning naming the pipe and the outer phase it interrupted, and
// returns immediately without running any of its own phases, so that
// the outer call's remaining filters and output triggers still run
// normally (spec.md §5, §7, §8.5).
func (p *Datapipe) Execute(input value.Value) value.Value {
	if p.executing {
		logf(p.log, "datapipe %s: re-entered during %s, ignoring nested execute", p.name, p.phase)
		return input
	}
	p.executing = true
	defer func() { p.executing = false }()

	if p.policy == CacheIndata || p.policy == CacheOutdata {
		p.setCached(input)
	}

	p.phase = "input triggers"
	for i := range p.inputs {
		slot := &p.inputs[i]
		if slot.removed {
			continue
		}
		slot.fn(input)
	}

	current := input
	if !p.readOnly {
		p.phase = "filters"
		for i := range p.filters {
			slot := &p.filters[i]
			if slot.removed {
				continue
			}
			current = slot.fn(current)
		}
	}

	if p.policy == CacheOutdata {
		p.setCached(current)
	}

	p.phase = "output triggers"
	for i := range p.outputs {
		slot := &p.outputs[i]
		if slot.removed {
			continue
		}
		slot.fn(current)
	}

	return current
}

// AddInputTrigger appends an input trigger, observing raw published values
// in registration order. O(1).
func (p *Datapipe) AddInputTrigger(fn InputTriggerFunc) (CallbackID, error) {
	if fn == nil {
		return 0, mceerrors.NewComplexError(mceerrors.ErrNullCallback, "nil input trigger")
	}
	p.nextID++
	id := p.nextID
	p.inputs = append(p.inputs, triggerSlot{id: id, fn: fn})
	return id, nil
}

// AddFilter appends a filter. Rejected with ErrFilterOnReadOnly, leaving
// the pipe unchanged, if the pipe is read-only.
func (p *Datapipe) AddFilter(fn FilterFunc) (CallbackID, error) {
	if fn == nil {
		return 0, mceerrors.NewComplexError(mceerrors.ErrNullCallback, "nil filter")
	}
	if p.readOnly {
		if p.log != nil {
			p.log.Errorf("datapipe %s: refusing to add filter on read-only pipe", p.name)
		}
		return 0, mceerrors.NewComplexError(mceerrors.ErrFilterOnReadOnly, "filter on read-only pipe "+p.name)
	}
	p.nextID++
	id := p.nextID
	p.filters = append(p.filters, filterSlot{id: id, fn: fn})
	return id, nil
}

// AddOutputTrigger appends an output trigger, observing the final,
// post-filter value in registration order. O(1).
func (p *Datapipe) AddOutputTrigger(fn OutputTriggerFunc) (CallbackID, error) {
	if fn == nil {
		return 0, mceerrors.NewComplexError(mceerrors.ErrNullCallback, "nil output trigger")
	}
	p.nextID++
	id := p.nextID
	p.outputs = append(p.outputs, triggerSlot{id: id, fn: fn})
	return id, nil
}

// RemoveInputTrigger tombstones the slot if currently registered. The slot
// is still traversed (and skipped) by Execute until the next idle-turn
// compaction, so removal during dispatch never invalidates iteration.
func (p *Datapipe) RemoveInputTrigger(id CallbackID) {
	for i := range p.inputs {
		if p.inputs[i].id == id {
			p.inputs[i].removed = true
			p.scheduleGC()
			return
		}
	}
}

// RemoveFilter tombstones the filter slot if currently registered.
func (p *Datapipe) RemoveFilter(id CallbackID) {
	for i := range p.filters {
		if p.filters[i].id == id {
			p.filters[i].removed = true
			p.scheduleGC()
			return
		}
	}
}

// RemoveOutputTrigger tombstones the output trigger slot if currently registered.
func (p *Datapipe) RemoveOutputTrigger(id CallbackID) {
	for i := range p.outputs {
		if p.outputs[i].id == id {
			p.outputs[i].removed = true
			p.scheduleGC()
			return
		}
	}
}

func (p *Datapipe) scheduleGC() {
	if p.loop == nil {
		p.compact()
		return
	}
	p.loop.PostIdle(loop.TaskID("datapipe-gc:"+p.name), p.compact)
}

// compact removes tombstoned slots. Deferred to the next idle turn so that
// a callback removing another (or itself) during Execute never invalidates
// the in-progress iteration (spec.md §4.B, §9).
func (p *Datapipe) compact() {
	p.inputs = compactTriggers(p.inputs)
	p.filters = compactFilters(p.filters)
	p.outputs = compactTriggers(p.outputs)
}

func compactTriggers(slots []triggerSlot) []triggerSlot {
	out := slots[:0]
	for _, s := range slots {
		if !s.removed {
			out = append(out, s)
		}
	}
	return out
}

func compactFilters(slots []filterSlot) []filterSlot {
	out := slots[:0]
	for _, s := range slots {
		if !s.removed {
			out = append(out, s)
		}
	}
	return out
}
