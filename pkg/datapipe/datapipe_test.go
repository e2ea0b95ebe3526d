package datapipe

import (
	"testing"

	"github.com/sirupsen/logrus"
	logrustest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/value"
)

func newIntPipe(l *loop.Loop, policy CachingPolicy, readOnly bool) *Datapipe {
	return New(Config{
		Name:     "test_pipe",
		Tag:      value.Int,
		Policy:   policy,
		ReadOnly: readOnly,
		Initial:  value.NewInt(0),
		Loop:     l,
	})
}

func TestExecuteRunsPhasesInOrder(t *testing.T) {
	p := newIntPipe(nil, CacheOutdata, false)

	var order []string
	_, _ = p.AddInputTrigger(func(v value.Value) { order = append(order, "input") })
	_, _ = p.AddFilter(func(v value.Value) value.Value {
		order = append(order, "filter")
		return value.NewInt(v.AsInt() + 1)
	})
	_, _ = p.AddOutputTrigger(func(v value.Value) { order = append(order, "output") })

	out := p.Execute(value.NewInt(1))

	assert.Equal(t, []string{"input", "filter", "output"}, order)
	assert.Equal(t, int64(2), out.AsInt())
	assert.Equal(t, int64(2), p.CachedValue().AsInt())
}

func TestCacheNoneNeverRetainsValue(t *testing.T) {
	p := newIntPipe(nil, CacheNone, false)
	p.Execute(value.NewInt(99))
	assert.Equal(t, int64(0), p.CachedValue().AsInt())
}

func TestCacheIndataCachesRawInputBeforeFilter(t *testing.T) {
	p := newIntPipe(nil, CacheIndata, false)
	_, _ = p.AddFilter(func(v value.Value) value.Value { return value.NewInt(v.AsInt() * 100) })
	p.Execute(value.NewInt(5))
	assert.Equal(t, int64(5), p.CachedValue().AsInt())
}

func TestFilterOnReadOnlyPipeIsRejected(t *testing.T) {
	p := newIntPipe(nil, CacheOutdata, true)
	_, err := p.AddFilter(func(v value.Value) value.Value { return v })
	require.Error(t, err)
}

func TestReentrancyDuringInputTriggersSkipsRest(t *testing.T) {
	logger, hook := logrustest.NewNullLogger()
	logger.SetLevel(logrus.WarnLevel)
	entry := logrus.NewEntry(logger)

	p := New(Config{
		Name:    "X",
		Tag:     value.Int,
		Policy:  CacheOutdata,
		Initial: value.NewInt(0),
		Log:     entry,
	})

	filterRan := false
	outputRan := false
	innerOut := value.Invalid
	_, _ = p.AddInputTrigger(func(v value.Value) {
		if v.AsInt() == 1 {
			innerOut = p.Execute(value.NewInt(2)).Tag()
		}
	})
	_, _ = p.AddFilter(func(v value.Value) value.Value { filterRan = true; return v })
	_, _ = p.AddOutputTrigger(func(v value.Value) { outputRan = true })

	out := p.Execute(value.NewInt(1))

	// The nested Execute(2), triggered from within the outer's own input
	// trigger, is detected at entry and returns immediately without
	// running any of its own phases. The outer call then continues on
	// to run its own filter and output trigger normally.
	assert.True(t, filterRan)
	assert.True(t, outputRan)
	assert.Equal(t, int64(1), out.AsInt())
	assert.Equal(t, value.Int, innerOut, "nested execute still returns its own input value")

	require.Len(t, hook.Entries, 1)
	assert.Equal(t, logrus.WarnLevel, hook.Entries[0].Level)
	assert.Contains(t, hook.Entries[0].Message, "X")
	assert.Contains(t, hook.Entries[0].Message, "input triggers")
}

func TestRemoveDuringDispatchDoesNotInvalidateIteration(t *testing.T) {
	l := loop.New()
	p := newIntPipe(l, CacheOutdata, false)

	var secondRan bool
	var firstID CallbackID
	firstID, _ = p.AddOutputTrigger(func(v value.Value) {
		p.RemoveOutputTrigger(firstID)
	})
	_, _ = p.AddOutputTrigger(func(v value.Value) { secondRan = true })

	p.Execute(value.NewInt(1))
	assert.True(t, secondRan, "removal of an earlier slot during dispatch must not skip later ones")

	// after the next idle turn, the tombstoned slot is compacted away
	l.RunUntilIdle()
	p.Execute(value.NewInt(2))
}

func TestAddThenRemoveReturnsToEquivalentState(t *testing.T) {
	l := loop.New()
	p := newIntPipe(l, CacheOutdata, false)

	calls := 0
	id, _ := p.AddOutputTrigger(func(v value.Value) { calls++ })
	p.Execute(value.NewInt(1))
	assert.Equal(t, 1, calls)

	p.RemoveOutputTrigger(id)
	l.RunUntilIdle()

	p.Execute(value.NewInt(2))
	assert.Equal(t, 1, calls, "trigger must not fire after removal")
	assert.Len(t, p.outputs, 0, "tombstone must be compacted away")
}
