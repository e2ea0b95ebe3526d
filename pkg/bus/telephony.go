package bus

import (
	"fmt"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/callstate"
	"github.com/christophe-duc/mce/pkg/loop"
)

// The external telephony service's bus name and interfaces are not
// pinned down by spec.md beyond the signal names it lists
// (ModemAdded/ModemRemoved/CallAdded/CallRemoved/PropertyChanged); the
// names below are this implementation's concrete choice, analogous to
// how a real modem/call manager service would be laid out.
const (
	telephonyService  = "org.mce.Telephony"
	telephonyPath     = dbus.ObjectPath("/org/mce/Telephony")
	modemManagerIface = "org.mce.Telephony.ModemManager"
	callManagerIface  = "org.mce.Telephony.CallManager"
	propsIface        = "org.freedesktop.DBus.Properties"
	dbusIface         = "org.freedesktop.DBus"
)

// TelephonyWatcher drives the discovery protocol of spec.md §4.F: it
// observes the telephony service's name ownership, enumerates modems
// and calls, subscribes to their signals, and feeds every observation
// into a callstate.Aggregator. It also watches for any bus peer
// disappearing, to auto-clear a simulated call on owner disconnect.
type TelephonyWatcher struct {
	bus  *Bus
	agg  *callstate.Aggregator
	loop *loop.Loop
	log  *logrus.Entry

	signals chan *dbus.Signal
	seq     int64
}

// NewTelephonyWatcher constructs a watcher. Call Start to begin
// dispatching, Stop to release its signal subscription.
func NewTelephonyWatcher(b *Bus, agg *callstate.Aggregator, l *loop.Loop, log *logrus.Entry) *TelephonyWatcher {
	return &TelephonyWatcher{bus: b, agg: agg, loop: l, log: log}
}

// Start subscribes to every signal spec.md §6 names and begins
// dispatching them onto the event loop.
func (w *TelephonyWatcher) Start() error {
	conn := w.bus.conn

	matches := [][]dbus.MatchOption{
		{dbus.WithMatchInterface(dbusIface), dbus.WithMatchMember("NameOwnerChanged")},
		{dbus.WithMatchInterface(modemManagerIface)},
		{dbus.WithMatchInterface(callManagerIface)},
		{dbus.WithMatchInterface(propsIface), dbus.WithMatchMember("PropertiesChanged")},
	}
	for _, m := range matches {
		if err := conn.AddMatchSignal(m...); err != nil {
			return fmt.Errorf("bus: telephony AddMatchSignal: %w", err)
		}
	}

	w.signals = make(chan *dbus.Signal, 64)
	conn.Signal(w.signals)
	go w.readLoop()
	return nil
}

// Stop unsubscribes and releases the signal channel.
func (w *TelephonyWatcher) Stop() {
	if w.signals == nil {
		return
	}
	w.bus.conn.RemoveSignal(w.signals)
	close(w.signals)
	w.signals = nil
}

// nextTaskID mints a unique idle id per posted event: unlike the
// rethink/GC/seed tasks, raw bus signals must never be coalesced by
// PostIdle's idempotency, since each carries distinct information.
func (w *TelephonyWatcher) nextTaskID() loop.TaskID {
	return loop.TaskID(fmt.Sprintf("telephony-signal:%d", atomic.AddInt64(&w.seq, 1)))
}

func (w *TelephonyWatcher) readLoop() {
	for sig := range w.signals {
		s := sig
		w.loop.PostIdle(w.nextTaskID(), func() { w.dispatch(s) })
	}
}

func (w *TelephonyWatcher) dispatch(sig *dbus.Signal) {
	switch sig.Name {
	case dbusIface + ".NameOwnerChanged":
		w.onNameOwnerChanged(sig)
	case modemManagerIface + ".ModemAdded":
		if path, ok := pathArg(sig, 0); ok {
			w.agg.AddModem(path)
			w.probeModem(path)
		}
	case modemManagerIface + ".ModemRemoved":
		if path, ok := pathArg(sig, 0); ok {
			w.agg.RemoveModem(path)
		}
	case callManagerIface + ".CallAdded":
		if path, ok := pathArg(sig, 0); ok {
			w.probeAndAddCall(path)
		}
	case callManagerIface + ".CallRemoved":
		if path, ok := pathArg(sig, 0); ok {
			w.agg.RemoveCall(path)
		}
	case propsIface + ".PropertiesChanged":
		w.onPropertiesChanged(sig)
	}
}

func pathArg(sig *dbus.Signal, idx int) (string, bool) {
	if idx >= len(sig.Body) {
		return "", false
	}
	p, ok := sig.Body[idx].(dbus.ObjectPath)
	return string(p), ok
}

func (w *TelephonyWatcher) onNameOwnerChanged(sig *dbus.Signal) {
	if len(sig.Body) < 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	oldOwner, _ := sig.Body[1].(string)
	newOwner, _ := sig.Body[2].(string)

	if name == telephonyService {
		switch {
		case oldOwner == "" && newOwner != "":
			w.onTelephonyAcquired()
		case oldOwner != "" && newOwner == "":
			w.agg.OnNameOwnerLost()
		}
		return
	}

	if oldOwner != "" && newOwner == "" {
		w.agg.OnSenderLost(oldOwner)
	}
}

// onTelephonyAcquired enumerates modems asynchronously, per spec.md
// §4.F; the per-modem call enumeration and property reads that follow
// are synchronous, which the same section calls acceptable.
func (w *TelephonyWatcher) onTelephonyAcquired() {
	obj := w.bus.conn.Object(telephonyService, telephonyPath)
	ch := make(chan *dbus.Call, 1)
	obj.Go(modemManagerIface+".GetModems", 0, ch)

	go func() {
		call := <-ch
		var paths []dbus.ObjectPath
		if call.Err != nil {
			if w.log != nil {
				w.log.Warnf("bus: GetModems failed: %v", call.Err)
			}
			return
		}
		if err := call.Store(&paths); err != nil {
			if w.log != nil {
				w.log.Warnf("bus: GetModems decode failed: %v", err)
			}
			return
		}
		w.loop.PostIdle(w.nextTaskID(), func() {
			for _, p := range paths {
				path := string(p)
				w.agg.AddModem(path)
				w.probeModem(path)
			}
		})
	}()
}

func (w *TelephonyWatcher) probeModem(path string) {
	obj := w.bus.conn.Object(telephonyService, dbus.ObjectPath(path))

	if v, err := obj.GetProperty(modemManagerIface + ".Emergency"); err == nil {
		if b, ok := v.Value().(bool); ok {
			w.agg.SetModemEmergency(path, b)
		}
	}

	var callPaths []dbus.ObjectPath
	if err := obj.Call(callManagerIface+".GetCalls", 0).Store(&callPaths); err != nil {
		return
	}
	for _, cp := range callPaths {
		w.probeAndAddCall(string(cp))
	}
}

func (w *TelephonyWatcher) probeAndAddCall(path string) {
	obj := w.bus.conn.Object(telephonyService, dbus.ObjectPath(path))

	var state string
	if v, err := obj.GetProperty(callManagerIface + ".State"); err == nil {
		state, _ = v.Value().(string)
	}
	var emergency bool
	if v, err := obj.GetProperty(callManagerIface + ".Emergency"); err == nil {
		emergency, _ = v.Value().(bool)
	}
	w.agg.AddCall(path, state, emergency)
}

func (w *TelephonyWatcher) onPropertiesChanged(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	iface, _ := sig.Body[0].(string)
	changed, _ := sig.Body[1].(map[string]dbus.Variant)
	path := string(sig.Path)

	switch iface {
	case modemManagerIface:
		if v, ok := changed["Emergency"]; ok {
			if b, ok := v.Value().(bool); ok {
				w.agg.SetModemEmergency(path, b)
			}
		}
	case callManagerIface:
		if v, ok := changed["State"]; ok {
			if s, ok := v.Value().(string); ok {
				w.agg.SetCallState(path, s)
			}
		}
		if v, ok := changed["Emergency"]; ok {
			if b, ok := v.Value().(bool); ok {
				w.agg.SetCallEmergency(path, b)
			}
		}
	}
}
