// Package bus implements the D-Bus facade of spec.md §6: it exports
// the core's method surface (display-status-get, call-state-get,
// call-state-change, psm-state-get), emits the core's signals
// (config-change-ind, psm-state-ind, call-state-ind), and drives
// telephony discovery (see telephony.go) into the call-state
// aggregator.
//
// Exactly one *Bus exists per process. Everything here is a thin,
// mostly mechanical translation layer: business logic lives in
// pkg/settings, pkg/psm and pkg/callstate, which only ever see the
// narrow Signaler/BusBroadcaster interfaces those packages declare.
package bus

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"
)

const (
	coreServiceName = "org.mce.Core"
	corePath        = dbus.ObjectPath("/org/mce/Core")
	coreIface       = "org.mce.Core"
)

// Handlers are the core's exported D-Bus methods. Any nil handler
// answers with an "not supported" error rather than panicking.
type Handlers struct {
	DisplayStatusGet func() (string, error)
	CallStateGet     func() (state, typ string, err error)
	CallStateChange  func(sender, state, typ string) (accepted bool, err error)
	PSMStateGet      func() (bool, error)
}

// Bus owns the process's D-Bus connection.
type Bus struct {
	conn *dbus.Conn
	log  *logrus.Entry
}

// Connect dials the given bus ("system" or "session"; anything else is
// treated as "session", matching godbus's own default for development).
func Connect(which string, log *logrus.Entry) (*Bus, error) {
	var conn *dbus.Conn
	var err error
	if which == "system" {
		conn, err = dbus.ConnectSystemBus()
	} else {
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, fmt.Errorf("bus: connect: %w", err)
	}
	return &Bus{conn: conn, log: log}, nil
}

// Conn exposes the underlying connection for the telephony watcher.
func (b *Bus) Conn() *dbus.Conn { return b.conn }

// Close releases the connection.
func (b *Bus) Close() error { return b.conn.Close() }

// RequestName claims the core's well-known bus name.
func (b *Bus) RequestName() error {
	reply, err := b.conn.RequestName(coreServiceName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("bus: request name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("bus: name %s already owned", coreServiceName)
	}
	return nil
}

// coreObject is the exported D-Bus object backing Handlers. Method
// names are PascalCase, the conventional D-Bus member spelling; the
// kebab-case names in spec.md §6 name the same operations.
type coreObject struct {
	h Handlers
}

func (o *coreObject) DisplayStatusGet() (string, *dbus.Error) {
	if o.h.DisplayStatusGet == nil {
		return "", dbus.MakeFailedError(errNotSupported("DisplayStatusGet"))
	}
	s, err := o.h.DisplayStatusGet()
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return s, nil
}

func (o *coreObject) CallStateGet() (string, string, *dbus.Error) {
	if o.h.CallStateGet == nil {
		return "", "", dbus.MakeFailedError(errNotSupported("CallStateGet"))
	}
	state, typ, err := o.h.CallStateGet()
	if err != nil {
		return "", "", dbus.MakeFailedError(err)
	}
	return state, typ, nil
}

// CallStateChange receives the caller's unique bus name via the
// dbus.Sender parameter type, which godbus populates automatically
// rather than expecting the client to pass it.
func (o *coreObject) CallStateChange(state, typ string, sender dbus.Sender) (bool, *dbus.Error) {
	if o.h.CallStateChange == nil {
		return false, dbus.MakeFailedError(errNotSupported("CallStateChange"))
	}
	accepted, err := o.h.CallStateChange(string(sender), state, typ)
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return accepted, nil
}

func (o *coreObject) PSMStateGet() (bool, *dbus.Error) {
	if o.h.PSMStateGet == nil {
		return false, dbus.MakeFailedError(errNotSupported("PSMStateGet"))
	}
	active, err := o.h.PSMStateGet()
	if err != nil {
		return false, dbus.MakeFailedError(err)
	}
	return active, nil
}

func errNotSupported(method string) error {
	return fmt.Errorf("bus: %s not supported", method)
}

// ExportHandlers exposes h under the core's well-known object path and
// interface.
func (b *Bus) ExportHandlers(h Handlers) error {
	obj := &coreObject{h: h}
	return b.conn.Export(obj, corePath, coreIface)
}

// EmitConfigChange implements settings.BusBroadcaster, emitting
// config-change-ind.
func (b *Bus) EmitConfigChange(key, serializedValue string) {
	b.emit("ConfigChangeInd", key, serializedValue)
}

// EmitPSMStateInd implements psm.Signaler, emitting psm-state-ind.
func (b *Bus) EmitPSMStateInd(active bool) {
	b.emit("PsmStateInd", active)
}

// EmitCallStateInd implements callstate.Signaler, emitting call-state-ind.
func (b *Bus) EmitCallStateInd(state, typ string) {
	b.emit("CallStateInd", state, typ)
}

func (b *Bus) emit(signalName string, args ...interface{}) {
	if err := b.conn.Emit(corePath, coreIface+"."+signalName, args...); err != nil {
		if b.log != nil {
			b.log.Warnf("bus: failed to emit %s: %v", signalName, err)
		}
	}
}
