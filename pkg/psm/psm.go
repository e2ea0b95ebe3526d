// Package psm implements the power-saving-mode evaluator of spec.md
// §4.E: a pure decision function over battery level, charger state,
// thermal state and three settings, wired to the relevant datapipes
// and settings store, with a self-disabling rule on charger connect.
package psm

import (
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/binding"
	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/settings"
	"github.com/christophe-duc/mce/pkg/value"
)

// ChargerState mirrors spec.md §4.E's charger_state enumeration.
type ChargerState int

const (
	ChargerUndef ChargerState = iota
	ChargerOff
	ChargerOn
)

// ThermalState mirrors spec.md §4.E's thermal_state enumeration.
type ThermalState int

const (
	ThermalUndef ThermalState = iota
	ThermalOk
	ThermalOverheated
)

const (
	keyEnablePSM    = "enable_psm"
	keyForcePSM     = "force_psm"
	keyPSMThreshold = "psm_threshold"
)

// Signaler emits the psm-state-ind bus signal of spec.md §6.
type Signaler interface {
	EmitPSMStateInd(active bool)
}

// NoopSignaler discards every signal. Useful in tests.
type NoopSignaler struct{}

func (NoopSignaler) EmitPSMStateInd(bool) {}

// Config wires an Evaluator to its inputs and outputs.
type Config struct {
	BatteryLevel *datapipe.Datapipe // Int, battery percentage 0-100
	ChargerState *datapipe.Datapipe // Int, ChargerState enum
	ThermalState *datapipe.Datapipe // Int, ThermalState enum
	ActivePipe   *datapipe.Datapipe // Bool, CacheOutdata: power_saving_mode_active
	Settings     *settings.Store
	Loop         *loop.Loop
	Signaler     Signaler
	Log          *logrus.Entry
}

// Evaluator derives and publishes the active/inactive PSM decision.
type Evaluator struct {
	batteryPipe *datapipe.Datapipe
	chargerPipe *datapipe.Datapipe
	thermalPipe *datapipe.Datapipe
	activePipe  *datapipe.Datapipe
	settings    *settings.Store
	loop        *loop.Loop
	signaler    Signaler
	log         *logrus.Entry

	table  *binding.Table
	subIDs []settings.SubscriptionID

	prevCharger ChargerState
	lastActive  bool
	initialized bool
}

// New constructs an Evaluator. Call Wire to bind it to its inputs and
// produce the initial decision.
func New(cfg Config) *Evaluator {
	signaler := cfg.Signaler
	if signaler == nil {
		signaler = NoopSignaler{}
	}
	return &Evaluator{
		batteryPipe: cfg.BatteryLevel,
		chargerPipe: cfg.ChargerState,
		thermalPipe: cfg.ThermalState,
		activePipe:  cfg.ActivePipe,
		settings:    cfg.Settings,
		loop:        cfg.Loop,
		signaler:    signaler,
		log:         cfg.Log,
	}
}

// Wire installs the evaluator's datapipe bindings via the module binding
// helper (spec.md §4.G) and subscribes to the three settings it reads.
// The deferred output seed performed by InitBindings produces the "once
// at init" evaluation required by spec.md §4.E.
func (e *Evaluator) Wire() {
	e.table = binding.NewTable("psm", e.loop,
		&binding.Entry{Pipe: e.batteryPipe, Output: e.onInputChanged},
		&binding.Entry{Pipe: e.chargerPipe, Output: e.onInputChanged},
		&binding.Entry{Pipe: e.thermalPipe, Output: e.onInputChanged},
	)
	e.table.InitBindings()

	e.subIDs = append(e.subIDs, e.settings.NotifyAdd(keyEnablePSM, e.onSettingChanged, nil))
	e.subIDs = append(e.subIDs, e.settings.NotifyAdd(keyForcePSM, e.onSettingChanged, nil))
	e.subIDs = append(e.subIDs, e.settings.NotifyAdd(keyPSMThreshold, e.onSettingChanged, nil))
}

// Unwire cancels the pending seed (if any), removes the datapipe
// bindings, and removes the settings subscriptions.
func (e *Evaluator) Unwire() {
	if e.table != nil {
		e.table.QuitBindings()
	}
	for _, id := range e.subIDs {
		e.settings.NotifyRemove(id)
	}
	e.subIDs = nil
}

func (e *Evaluator) onInputChanged(value.Value) { e.reevaluate() }

func (e *Evaluator) onSettingChanged(string, value.Value) { e.reevaluate() }

func (e *Evaluator) settingBool(key string) bool {
	v, err := e.settings.Get(key)
	if err != nil {
		return false
	}
	return v.AsBool()
}

func (e *Evaluator) settingInt(key string) int64 {
	v, err := e.settings.Get(key)
	if err != nil {
		return 0
	}
	return v.AsInt()
}

// reevaluate implements the decision table of spec.md §4.E. It publishes
// to activePipe and emits the bus signal only on a transition (or on the
// very first evaluation), and auto-disables force_psm the moment the
// charger transitions from Off to On while force_psm was set.
func (e *Evaluator) reevaluate() {
	battery := e.batteryPipe.CachedValue().AsInt()
	charger := ChargerState(e.chargerPipe.CachedValue().AsInt())
	thermal := ThermalState(e.thermalPipe.CachedValue().AsInt())

	enablePSM := e.settingBool(keyEnablePSM)
	forcePSM := e.settingBool(keyForcePSM)
	threshold := e.settingInt(keyPSMThreshold)

	prevCharger := e.prevCharger
	e.prevCharger = charger

	var active bool
	autoDisable := false

	switch {
	case thermal == ThermalOverheated:
		active = true
	case charger == ChargerOn:
		active = false
		if forcePSM && prevCharger == ChargerOff {
			autoDisable = true
		}
	case forcePSM:
		if charger == ChargerUndef {
			active = e.lastActive
		} else {
			active = true
		}
	case enablePSM && battery <= threshold:
		if charger == ChargerUndef {
			active = e.lastActive
		} else {
			active = true
		}
	default:
		active = false
	}

	if !e.initialized || active != e.lastActive {
		e.initialized = true
		e.lastActive = active
		e.activePipe.Execute(value.NewBool(active))
		e.signaler.EmitPSMStateInd(active)
	}

	if autoDisable {
		if err := e.settings.SetBool(keyForcePSM, false); err != nil && e.log != nil {
			e.log.Warnf("psm: failed to auto-disable force_psm: %v", err)
		}
	}
}

// Active reports the last published decision.
func (e *Evaluator) Active() bool { return e.lastActive }
