package bus

import (
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophe-duc/mce/pkg/callstate"
	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/value"
)

type callSignal struct {
	state, typ string
}

type recordingSignaler struct {
	ch chan callSignal
}

func (r *recordingSignaler) EmitCallStateInd(state, typ string) {
	r.ch <- callSignal{state, typ}
}

func newTestWatcher(t *testing.T) (*TelephonyWatcher, chan callSignal) {
	t.Helper()
	l := loop.New()
	go l.Run()
	t.Cleanup(l.Stop)

	statePipe := datapipe.New(datapipe.Config{Name: "call_state", Tag: value.String, Policy: datapipe.CacheOutdata, Loop: l})
	typePipe := datapipe.New(datapipe.Config{Name: "call_type", Tag: value.String, Policy: datapipe.CacheOutdata, Loop: l})

	sig := &recordingSignaler{ch: make(chan callSignal, 32)}
	agg := callstate.New(callstate.Config{
		CallStatePipe:    statePipe,
		CallTypePipe:     typePipe,
		Loop:             l,
		Signaler:         sig,
		RethrottlePeriod: time.Millisecond,
	})
	t.Cleanup(agg.Close)

	w := NewTelephonyWatcher(nil, agg, l, nil)
	return w, sig.ch
}

func awaitSignal(t *testing.T, ch chan callSignal) callSignal {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for call-state-ind")
		return callSignal{}
	}
}

func TestPathArgExtractsObjectPath(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{dbus.ObjectPath("/m1"), "ignored"}}
	path, ok := pathArg(sig, 0)
	require.True(t, ok)
	assert.Equal(t, "/m1", path)

	_, ok = pathArg(sig, 1)
	assert.False(t, ok, "non-ObjectPath argument must not be mistaken for one")

	_, ok = pathArg(sig, 5)
	assert.False(t, ok, "out of range index must not panic")
}

func TestOnNameOwnerChangedTelephonyLossDropsAggregatorState(t *testing.T) {
	w, ch := newTestWatcher(t)

	w.agg.AddModem("/m1")
	w.agg.SetModemEmergency("/m1", true)
	require.Equal(t, callSignal{"none", "emergency"}, awaitSignal(t, ch))

	w.onNameOwnerChanged(&dbus.Signal{
		Name: dbusIface + ".NameOwnerChanged",
		Body: []interface{}{telephonyService, ":1.50", ""},
	})

	assert.Equal(t, callSignal{"none", "normal"}, awaitSignal(t, ch))
}

func TestOnNameOwnerChangedOtherSenderLostClearsSimulation(t *testing.T) {
	w, ch := newTestWatcher(t)

	ok, err := w.agg.RequestChange(":1.7", "ringing", "normal")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, callSignal{"ringing", "normal"}, awaitSignal(t, ch))

	w.onNameOwnerChanged(&dbus.Signal{
		Name: dbusIface + ".NameOwnerChanged",
		Body: []interface{}{"some.other.client", ":1.7", ""},
	})

	assert.Equal(t, callSignal{"none", "normal"}, awaitSignal(t, ch))
}

func TestOnPropertiesChangedUpdatesModemEmergency(t *testing.T) {
	w, ch := newTestWatcher(t)
	w.agg.AddModem("/m1")
	require.Equal(t, callSignal{"none", "normal"}, awaitSignal(t, ch))

	w.onPropertiesChanged(&dbus.Signal{
		Path: dbus.ObjectPath("/m1"),
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{
			modemManagerIface,
			map[string]dbus.Variant{"Emergency": dbus.MakeVariant(true)},
			[]string{},
		},
	})

	assert.Equal(t, callSignal{"none", "emergency"}, awaitSignal(t, ch))
}

func TestOnPropertiesChangedUpdatesCallState(t *testing.T) {
	w, ch := newTestWatcher(t)
	w.agg.AddCall("/m1/c1", "Unknown", false)
	require.Equal(t, callSignal{"none", "normal"}, awaitSignal(t, ch))

	w.onPropertiesChanged(&dbus.Signal{
		Path: dbus.ObjectPath("/m1/c1"),
		Name: propsIface + ".PropertiesChanged",
		Body: []interface{}{
			callManagerIface,
			map[string]dbus.Variant{"State": dbus.MakeVariant("Incoming")},
			[]string{},
		},
	})

	assert.Equal(t, callSignal{"ringing", "normal"}, awaitSignal(t, ch))
}
