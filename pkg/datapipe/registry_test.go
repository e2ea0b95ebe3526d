package datapipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/christophe-duc/mce/pkg/value"
)

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	p := New(Config{Name: "call_state", Tag: value.String})

	require.NoError(t, r.Register(p))

	got, ok := r.Lookup("call_state")
	assert.True(t, ok)
	assert.Same(t, p, got)
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New(Config{Name: "dup", Tag: value.Bool})))
	err := r.Register(New(Config{Name: "dup", Tag: value.Bool}))
	assert.Error(t, err)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(New(Config{Name: "x", Tag: value.Bool})))
	r.Unregister("x")
	_, ok := r.Lookup("x")
	assert.False(t, ok)
}
