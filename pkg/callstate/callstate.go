// Package callstate implements the call-state aggregator of spec.md
// §4.F: it tracks modems and voice calls discovered over an external
// telephony bus, merges them with a locally simulated override, and
// publishes a single canonical (call_state, call_type) tuple whenever
// the aggregate changes.
//
// The aggregator itself never talks to D-Bus directly. Discovery (bus
// enumeration, NameOwnerChanged, PropertyChanged) is the job of the
// bus-integration layer, which observes the external service and calls
// the Add*/Remove*/Set* hooks below — the same "real backend behind a
// narrow interface, fed from outside" shape the teacher uses for its
// container runtime.
package callstate

import (
	"fmt"
	"time"

	"github.com/boz/go-throttle"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/value"
)

// State is the canonical call state of spec.md §3 GLOSSARY.
type State int

const (
	StateNone State = iota
	StateRinging
	StateActive
)

func (s State) String() string {
	switch s {
	case StateRinging:
		return "ringing"
	case StateActive:
		return "active"
	default:
		return "none"
	}
}

// ParseState parses the canonical lowercase spelling of a State.
func ParseState(s string) (State, bool) {
	switch s {
	case "none":
		return StateNone, true
	case "ringing":
		return StateRinging, true
	case "active":
		return StateActive, true
	default:
		return StateNone, false
	}
}

// Type is the canonical call type of spec.md §3 GLOSSARY.
type Type int

const (
	TypeNormal Type = iota
	TypeEmergency
)

func (t Type) String() string {
	if t == TypeEmergency {
		return "emergency"
	}
	return "normal"
}

// ParseType parses the canonical lowercase spelling of a Type.
func ParseType(s string) (Type, bool) {
	switch s {
	case "normal":
		return TypeNormal, true
	case "emergency":
		return TypeEmergency, true
	default:
		return TypeNormal, false
	}
}

// mapExternalState maps the telephony service's vocabulary to the
// canonical one, per spec.md §4.F.
func mapExternalState(external string) State {
	switch external {
	case "Incoming":
		return StateRinging
	case "Dialing", "Alerting", "Active", "Held", "Waiting":
		return StateActive
	default: // "Unknown", "Disconnected", and anything unrecognized
		return StateNone
	}
}

func typeFromEmergency(emergency bool) Type {
	if emergency {
		return TypeEmergency
	}
	return TypeNormal
}

// mergeState folds incoming into current: Active always wins, Ringing
// upgrades None but never downgrades Active, anything else leaves
// current untouched.
func mergeState(current, incoming State) State {
	if incoming == StateActive {
		return StateActive
	}
	if incoming == StateRinging && current != StateActive {
		return StateRinging
	}
	return current
}

type modemEntity struct {
	path      string
	emergency bool
}

type callEntity struct {
	path  string
	state State
	typ   Type
}

type simulatedCall struct {
	active bool
	owner  string
	state  State
	typ    Type
}

// Signaler emits the call-state-ind bus signal of spec.md §6.
type Signaler interface {
	EmitCallStateInd(state, typ string)
}

// NoopSignaler discards every signal. Useful in tests.
type NoopSignaler struct{}

func (NoopSignaler) EmitCallStateInd(string, string) {}

const rethinkTaskID = loop.TaskID("callstate-rethink")

// Config wires an Aggregator to its outputs.
type Config struct {
	CallStatePipe *datapipe.Datapipe // String, CacheOutdata: call_state
	CallTypePipe  *datapipe.Datapipe // String, CacheOutdata: call_type
	Loop          *loop.Loop
	Signaler      Signaler
	Log           *logrus.Entry

	// RethrottlePeriod bounds how often rapid bus discovery traffic can
	// post a rethink; it complements the loop's own idle-id coalescing,
	// which only collapses requests made within a single idle turn.
	RethrottlePeriod time.Duration
}

// Aggregator tracks modems, voice calls and the simulated override, and
// publishes the canonical aggregate. All of its methods are meant to be
// called from the single loop thread except where noted.
type Aggregator struct {
	statePipe *datapipe.Datapipe
	typePipe  *datapipe.Datapipe
	loop      *loop.Loop
	signaler  Signaler
	log       *logrus.Entry

	modems map[string]*modemEntity
	calls  map[string]*callEntity
	sim    simulatedCall

	lastState     State
	lastType      Type
	everPublished bool

	rethrottle throttle.ThrottleDriver
}

// New constructs an Aggregator. Call Close when the module is torn down.
func New(cfg Config) *Aggregator {
	signaler := cfg.Signaler
	if signaler == nil {
		signaler = NoopSignaler{}
	}
	period := cfg.RethrottlePeriod
	if period <= 0 {
		period = 10 * time.Millisecond
	}

	a := &Aggregator{
		statePipe: cfg.CallStatePipe,
		typePipe:  cfg.CallTypePipe,
		loop:      cfg.Loop,
		signaler:  signaler,
		log:       cfg.Log,
		modems:    make(map[string]*modemEntity),
		calls:     make(map[string]*callEntity),
	}
	a.rethrottle = throttle.ThrottleFunc(period, false, a.postRethink)
	return a
}

// Close stops the rethink throttle. It does not touch the event loop;
// any idle task already posted still runs.
func (a *Aggregator) Close() {
	a.rethrottle.Stop()
}

func (a *Aggregator) debugf(format string, args ...interface{}) {
	if a.log != nil {
		a.log.Debugf(format, args...)
	}
}

// scheduleRethink is safe to call from any goroutine: it only triggers
// the throttle, whose own goroutine posts onto the loop.
func (a *Aggregator) scheduleRethink() {
	a.rethrottle.Trigger()
}

func (a *Aggregator) postRethink() {
	a.loop.PostIdle(rethinkTaskID, a.rethink)
}

// rethink implements the aggregation procedure of spec.md §4.F. It must
// only run on the loop thread.
func (a *Aggregator) rethink() {
	state := StateNone
	typ := TypeNormal

	if a.sim.active {
		state = mergeState(state, a.sim.state)
		if a.sim.typ == TypeEmergency {
			typ = TypeEmergency
		}
	}

	for _, m := range a.modems {
		if m.emergency {
			typ = TypeEmergency
		}
	}

	for _, c := range a.calls {
		state = mergeState(state, c.state)
		if c.typ == TypeEmergency {
			typ = TypeEmergency
		}
	}

	if a.everPublished && state == a.lastState && typ == a.lastType {
		return
	}
	a.everPublished = true
	a.lastState, a.lastType = state, typ

	a.signaler.EmitCallStateInd(state.String(), typ.String())
	a.statePipe.Execute(value.NewString(state.String()))
	a.typePipe.Execute(value.NewString(typ.String()))
}

// Query returns the currently published (state, type) strings.
func (a *Aggregator) Query() (string, string) {
	return a.lastState.String(), a.lastType.String()
}

// --- Discovery hooks, called by the bus-integration layer ---

// OnNameOwnerLost drops every tracked modem and call and schedules one
// re-aggregation, per spec.md §4.F.
func (a *Aggregator) OnNameOwnerLost() {
	a.modems = make(map[string]*modemEntity)
	a.calls = make(map[string]*callEntity)
	a.scheduleRethink()
}

func (a *Aggregator) AddModem(path string) {
	if _, ok := a.modems[path]; ok {
		return
	}
	a.modems[path] = &modemEntity{path: path}
	a.scheduleRethink()
}

func (a *Aggregator) RemoveModem(path string) {
	if _, ok := a.modems[path]; !ok {
		return
	}
	delete(a.modems, path)
	a.scheduleRethink()
}

func (a *Aggregator) SetModemEmergency(path string, emergency bool) {
	m, ok := a.modems[path]
	if !ok || m.emergency == emergency {
		return
	}
	m.emergency = emergency
	a.scheduleRethink()
}

func (a *Aggregator) AddCall(path, externalState string, emergency bool) {
	if _, ok := a.calls[path]; ok {
		return
	}
	a.calls[path] = &callEntity{
		path:  path,
		state: mapExternalState(externalState),
		typ:   typeFromEmergency(emergency),
	}
	a.scheduleRethink()
}

func (a *Aggregator) RemoveCall(path string) {
	if _, ok := a.calls[path]; !ok {
		return
	}
	delete(a.calls, path)
	a.scheduleRethink()
}

func (a *Aggregator) SetCallState(path, externalState string) {
	c, ok := a.calls[path]
	if !ok {
		return
	}
	mapped := mapExternalState(externalState)
	if c.state == mapped {
		return
	}
	c.state = mapped
	a.scheduleRethink()
}

func (a *Aggregator) SetCallEmergency(path string, emergency bool) {
	c, ok := a.calls[path]
	if !ok {
		return
	}
	typ := typeFromEmergency(emergency)
	if c.typ == typ {
		return
	}
	c.typ = typ
	a.scheduleRethink()
}

// --- Simulation and override bus API, spec.md §4.F ---

// RequestChange implements call-state-change. sender identifies the bus
// caller (its unique connection name) so the simulation can be
// auto-cleared if that caller disconnects. A fresh uuid tags each
// request for log correlation across the accept/reject decision.
func (a *Aggregator) RequestChange(sender, stateStr, typeStr string) (bool, error) {
	reqID := uuid.NewString()

	state, ok := ParseState(stateStr)
	if !ok {
		return false, fmt.Errorf("callstate: invalid state %q", stateStr)
	}
	typ, ok := ParseType(typeStr)
	if !ok {
		return false, fmt.Errorf("callstate: invalid type %q", typeStr)
	}
	if state == StateNone && typ == TypeEmergency {
		typ = TypeNormal
	}

	if a.sim.active {
		if sender != a.sim.owner {
			a.debugf("callstate[%s]: rejecting change from %s, simulation owned by %s", reqID, sender, a.sim.owner)
			return false, nil
		}
		if !allowedTransition(a.sim.state, state, typ) {
			a.debugf("callstate[%s]: rejecting disallowed transition %s->%s", reqID, a.sim.state, state)
			return false, nil
		}
	}

	a.sim = simulatedCall{active: true, owner: sender, state: state, typ: typ}
	a.debugf("callstate[%s]: accepted change from %s to (%s, %s)", reqID, sender, state, typ)
	a.scheduleRethink()
	return true, nil
}

// OnSenderLost auto-clears the simulation if sender was the owner, per
// spec.md §4.F.
func (a *Aggregator) OnSenderLost(sender string) {
	if a.sim.active && a.sim.owner == sender {
		a.sim = simulatedCall{}
		a.scheduleRethink()
	}
}

// allowedTransition enforces spec.md §4.F's simulated-call transition
// rule: away from the current value only from None, from Ringing to
// Active, or into (Active, Emergency); re-asserting the same state is
// always allowed.
func allowedTransition(from, to State, toType Type) bool {
	if to == from {
		return true
	}
	if from == StateNone {
		return true
	}
	if from == StateRinging && to == StateActive {
		return true
	}
	if to == StateActive && toType == TypeEmergency {
		return true
	}
	return false
}
