package value

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundTripScalars(t *testing.T) {
	scenarios := []struct {
		tag  Tag
		text string
	}{
		{Bool, "true"},
		{Bool, "false"},
		{Int, "42"},
		{Int, "-7"},
		{Float, "3.5"},
		{String, "hello world"},
	}

	for _, s := range scenarios {
		v := SetFromText(s.tag, Invalid, s.text, nil)
		assert.Equal(t, s.text, ToText(v), "round trip for %v", s)
	}
}

func TestRoundTripList(t *testing.T) {
	v := SetFromText(List, Int, " 1, 2 ,3", nil)
	assert.Equal(t, "1,2,3", ToText(v))
	assert.Equal(t, Int, v.ElementTag())
	assert.Len(t, v.AsList(), 3)
}

func TestTagMismatchReturnsZero(t *testing.T) {
	v := NewString("hi")
	assert.Equal(t, int64(0), v.AsInt())
	assert.Equal(t, false, v.AsBool())
	assert.Nil(t, v.AsList())
}

func TestNewIntListBuildsProgrammaticRecord(t *testing.T) {
	v := NewIntList(42000, 2)
	assert.Equal(t, List, v.Tag())
	assert.Equal(t, Int, v.ElementTag())
	elems := v.AsList()
	assert.Len(t, elems, 2)
	assert.Equal(t, int64(42000), elems[0].AsInt())
	assert.Equal(t, int64(2), elems[1].AsInt())
}

func TestParseFailureYieldsZeroValue(t *testing.T) {
	v := SetFromText(Int, Invalid, "not-a-number", nil)
	assert.Equal(t, Int, v.Tag())
	assert.Equal(t, int64(0), v.AsInt())
}

func TestBoolAcceptsNumericLiteralsLeniently(t *testing.T) {
	v := SetFromText(Bool, Invalid, "42", nil)
	assert.Equal(t, Bool, v.Tag())
	assert.True(t, v.AsBool())

	v = SetFromText(Bool, Invalid, "0", nil)
	assert.False(t, v.AsBool())
}

func TestListEqualityIsStructuralAndOrderSensitive(t *testing.T) {
	a := SetFromText(List, Int, "1,2,3", nil)
	b := SetFromText(List, Int, "1,2,3", nil)
	c := SetFromText(List, Int, "3,2,1", nil)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCopyIsDeep(t *testing.T) {
	original := SetFromText(List, String, "a,b", nil)
	cp := original.Copy()

	assert.True(t, original.Equal(cp))

	// mutating the copy's backing slice must not be observable on the original
	cp.listV[0] = NewString("z")
	assert.Equal(t, "a", original.AsList()[0].AsString())
}
