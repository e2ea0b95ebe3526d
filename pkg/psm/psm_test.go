package psm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/settings"
	"github.com/christophe-duc/mce/pkg/value"
)

type recordingSignaler struct {
	calls []bool
}

func (r *recordingSignaler) EmitPSMStateInd(active bool) {
	r.calls = append(r.calls, active)
}

func newHarness(t *testing.T, enablePSM, forcePSM bool, threshold, battery int64, charger ChargerState, thermal ThermalState) (*Evaluator, *recordingSignaler, *datapipe.Datapipe) {
	t.Helper()
	l := loop.New()

	battPipe := datapipe.New(datapipe.Config{Name: "battery_level", Tag: value.Int, Policy: datapipe.CacheOutdata, Initial: value.NewInt(battery), Loop: l})
	battPipe.Execute(value.NewInt(battery))

	chargerPipe := datapipe.New(datapipe.Config{Name: "charger_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Initial: value.NewInt(int64(charger)), Loop: l})
	chargerPipe.Execute(value.NewInt(int64(charger)))

	thermalPipe := datapipe.New(datapipe.Config{Name: "thermal_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Initial: value.NewInt(int64(thermal)), Loop: l})
	thermalPipe.Execute(value.NewInt(int64(thermal)))

	activePipe := datapipe.New(datapipe.Config{Name: "power_saving_mode_active", Tag: value.Bool, Policy: datapipe.CacheOutdata, Loop: l})

	store := settings.NewStore(settings.Config{AppName: "mce"})
	require.NoError(t, store.Load([]settings.Default{
		{Key: "enable_psm", Tag: value.Bool, DefaultText: boolText(enablePSM)},
		{Key: "force_psm", Tag: value.Bool, DefaultText: boolText(forcePSM)},
		{Key: "psm_threshold", Tag: value.Int, DefaultText: value.ToText(value.NewInt(threshold))},
	}))

	sig := &recordingSignaler{}
	e := New(Config{
		BatteryLevel: battPipe,
		ChargerState: chargerPipe,
		ThermalState: thermalPipe,
		ActivePipe:   activePipe,
		Settings:     store,
		Loop:         l,
		Signaler:     sig,
	})
	e.Wire()
	l.RunUntilIdle()

	return e, sig, chargerPipe
}

func boolText(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestInitialEvaluationPublishesExactlyOnce(t *testing.T) {
	e, sig, _ := newHarness(t, false, false, 20, 100, ChargerOff, ThermalOk)

	assert.Equal(t, []bool{false}, sig.calls)
	assert.False(t, e.Active())
}

func TestLowBatteryEnablesPSMWhenEnabled(t *testing.T) {
	e, sig, _ := newHarness(t, true, false, 20, 10, ChargerOff, ThermalOk)

	assert.Equal(t, []bool{true}, sig.calls)
	assert.True(t, e.Active())
}

func TestOverheatForcesActiveRegardlessOfOtherInputs(t *testing.T) {
	e, sig, _ := newHarness(t, false, false, 20, 100, ChargerOn, ThermalOverheated)

	assert.Equal(t, []bool{true}, sig.calls)
	assert.True(t, e.Active())
}

func TestChargerConnectAutoDisablesForcePSM(t *testing.T) {
	e, sig, chargerPipe := newHarness(t, false, true, 20, 100, ChargerOff, ThermalOk)
	require.Equal(t, []bool{true}, sig.calls)

	chargerPipe.Execute(value.NewInt(int64(ChargerOn)))

	assert.Equal(t, []bool{true, false}, sig.calls, "must emit exactly one transition to inactive, not two")
	assert.False(t, e.Active())

	v, err := e.settings.Get("force_psm")
	require.NoError(t, err)
	assert.False(t, v.AsBool(), "force_psm must be cleared on charger connect")
}

func TestChargerReconnectAfterAutoDisableDoesNotReEnablePSM(t *testing.T) {
	e, sig, chargerPipe := newHarness(t, false, true, 20, 100, ChargerOff, ThermalOk)
	chargerPipe.Execute(value.NewInt(int64(ChargerOn)))
	require.Equal(t, []bool{true, false}, sig.calls)

	chargerPipe.Execute(value.NewInt(int64(ChargerOff)))

	assert.Equal(t, []bool{true, false}, sig.calls, "no further emission once force_psm is already cleared")
	assert.False(t, e.Active())
}

func TestChargerUndefHoldsPreviousDecision(t *testing.T) {
	e, sig, chargerPipe := newHarness(t, true, false, 50, 10, ChargerOff, ThermalOk)
	require.Equal(t, []bool{true}, sig.calls)

	chargerPipe.Execute(value.NewInt(int64(ChargerUndef)))

	assert.Equal(t, []bool{true}, sig.calls, "charger_state = Undef must never change the published decision")
	assert.True(t, e.Active())
}

func TestUnwireCancelsPendingSeedAndRemovesBindings(t *testing.T) {
	l := loop.New()
	battPipe := datapipe.New(datapipe.Config{Name: "battery_level", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: l})
	chargerPipe := datapipe.New(datapipe.Config{Name: "charger_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: l})
	thermalPipe := datapipe.New(datapipe.Config{Name: "thermal_state", Tag: value.Int, Policy: datapipe.CacheOutdata, Loop: l})
	activePipe := datapipe.New(datapipe.Config{Name: "power_saving_mode_active", Tag: value.Bool, Policy: datapipe.CacheOutdata, Loop: l})

	store := settings.NewStore(settings.Config{AppName: "mce"})
	require.NoError(t, store.Load([]settings.Default{
		{Key: "enable_psm", Tag: value.Bool, DefaultText: "false"},
		{Key: "force_psm", Tag: value.Bool, DefaultText: "false"},
		{Key: "psm_threshold", Tag: value.Int, DefaultText: "20"},
	}))

	sig := &recordingSignaler{}
	e := New(Config{
		BatteryLevel: battPipe,
		ChargerState: chargerPipe,
		ThermalState: thermalPipe,
		ActivePipe:   activePipe,
		Settings:     store,
		Loop:         l,
		Signaler:     sig,
	})
	e.Wire()
	e.Unwire()
	l.RunUntilIdle()

	assert.Empty(t, sig.calls, "unwiring before the seed idle turn runs must cancel it")
}
