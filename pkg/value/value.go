// Package value implements the tagged variant type that flows through
// every datapipe and every settings entry in MCE: a single Value
// carries a bool, an int, a float, a string, or a homogeneous list of
// one of those, never more than one at a time.
package value

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Tag identifies which member of a Value is populated.
type Tag int

const (
	Invalid Tag = iota
	Bool
	Int
	Float
	String
	List
)

func (t Tag) String() string {
	switch t {
	case Bool:
		return "bool"
	case Int:
		return "int"
	case Float:
		return "float"
	case String:
		return "string"
	case List:
		return "list"
	default:
		return "invalid"
	}
}

// Value is a tagged variant. The zero Value is Invalid. A List additionally
// carries an element Tag (one of Bool/Int/Float/String, fixed at creation)
// and an ordered slice of same-typed Values.
type Value struct {
	tag     Tag
	boolV   bool
	intV    int64
	floatV  float64
	stringV string
	elemTag Tag
	listV   []Value
}

// New constructs a zero value of the given scalar tag. Use NewList for List.
func New(tag Tag) Value {
	if tag == List {
		panic("value: New(List) requires an element type, use NewList")
	}
	return Value{tag: tag}
}

// NewList constructs an empty list value whose element type is fixed to elemTag.
func NewList(elemTag Tag) Value {
	if elemTag == Invalid || elemTag == List {
		panic("value: NewList requires a scalar element type")
	}
	return Value{tag: List, elemTag: elemTag, listV: []Value{}}
}

func NewBool(b bool) Value     { return Value{tag: Bool, boolV: b} }
func NewInt(i int64) Value     { return Value{tag: Int, intV: i} }
func NewFloat(f float64) Value { return Value{tag: Float, floatV: f} }
func NewString(s string) Value { return Value{tag: String, stringV: s} }

// NewIntList constructs a fixed-shape List(Int) value from literal
// elements, for callers building a record value programmatically
// rather than parsing one from text (e.g. a datapipe publisher
// encoding a small fixed-size sample record).
func NewIntList(elems ...int64) Value {
	listV := make([]Value, len(elems))
	for i, e := range elems {
		listV[i] = NewInt(e)
	}
	return Value{tag: List, elemTag: Int, listV: listV}
}

// Tag reports the value's tag.
func (v Value) Tag() Tag { return v.tag }

// ElementTag reports the fixed element type of a List value, or Invalid otherwise.
func (v Value) ElementTag() Tag { return v.elemTag }

// Copy returns a deep structural copy, recursing into list elements.
func (v Value) Copy() Value {
	if v.tag != List {
		return v
	}
	cp := Value{tag: List, elemTag: v.elemTag, listV: make([]Value, len(v.listV))}
	for i, e := range v.listV {
		cp.listV[i] = e.Copy()
	}
	return cp
}

// AsBool returns the bool payload, or the zero value on tag mismatch.
func (v Value) AsBool() bool {
	if v.tag != Bool {
		return false
	}
	return v.boolV
}

// AsInt returns the int payload, or zero on tag mismatch.
func (v Value) AsInt() int64 {
	if v.tag != Int {
		return 0
	}
	return v.intV
}

// AsFloat returns the float payload, or zero on tag mismatch.
func (v Value) AsFloat() float64 {
	if v.tag != Float {
		return 0
	}
	return v.floatV
}

// AsString returns the string payload, or "" on tag mismatch.
func (v Value) AsString() string {
	if v.tag != String {
		return ""
	}
	return v.stringV
}

// AsList returns the list payload, or nil on tag mismatch.
func (v Value) AsList() []Value {
	if v.tag != List {
		return nil
	}
	return v.listV
}

// Equal reports structural, order-sensitive equality.
func (v Value) Equal(other Value) bool {
	if v.tag != other.tag {
		return false
	}
	switch v.tag {
	case Bool:
		return v.boolV == other.boolV
	case Int:
		return v.intV == other.intV
	case Float:
		return v.floatV == other.floatV
	case String:
		return v.stringV == other.stringV
	case List:
		if v.elemTag != other.elemTag || len(v.listV) != len(other.listV) {
			return false
		}
		for i := range v.listV {
			if !v.listV[i].Equal(other.listV[i]) {
				return false
			}
		}
		return true
	default:
		return true
	}
}

// SetFromText parses s according to v's declared tag and returns the parsed
// Value. Parse failures yield the zero value of the tag, are logged at debug
// level through log (which may be nil in tests), and never return an error:
// the settings load sequence must continue past a single bad entry.
func SetFromText(tag Tag, elemTag Tag, s string, log *logrus.Entry) Value {
	switch tag {
	case Bool:
		return parseBool(s, log)
	case Int:
		return parseInt(s, log)
	case Float:
		return parseFloat(s, log)
	case String:
		return NewString(s)
	case List:
		return parseList(elemTag, s, log)
	default:
		return Value{tag: Invalid}
	}
}

func debugf(log *logrus.Entry, format string, args ...interface{}) {
	if log != nil {
		log.Debugf(format, args...)
	}
}

func parseBool(s string, log *logrus.Entry) Value {
	switch s {
	case "true", "t", "yes", "y", "1":
		return NewBool(true)
	case "false", "f", "no", "n", "0":
		return NewBool(false)
	}
	// Other numeric literals are accepted too: they are logged at debug
	// level and parse as n != 0 (see DESIGN.md open question 2).
	if n, err := strconv.ParseInt(s, 0, 64); err == nil {
		debugf(log, "value: non-canonical bool literal %q parsed numerically", s)
		return NewBool(n != 0)
	}
	debugf(log, "value: failed to parse %q as bool", s)
	return New(Bool)
}

func parseInt(s string, log *logrus.Entry) Value {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		debugf(log, "value: failed to parse %q as int: %v", s, err)
		return New(Int)
	}
	return NewInt(n)
}

func parseFloat(s string, log *logrus.Entry) Value {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		debugf(log, "value: failed to parse %q as float: %v", s, err)
		return New(Float)
	}
	return NewFloat(f)
}

func parseList(elemTag Tag, s string, log *logrus.Entry) Value {
	list := NewList(elemTag)
	s = strings.TrimSpace(s)
	if s == "" {
		return list
	}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		list.listV = append(list.listV, SetFromText(elemTag, Invalid, part, log))
	}
	return list
}

// ToText renders v in its canonical textual form, the round-trip inverse of
// SetFromText for scalars, and comma-joined (no surrounding whitespace) for lists.
func ToText(v Value) string {
	switch v.tag {
	case Bool:
		if v.boolV {
			return "true"
		}
		return "false"
	case Int:
		return strconv.FormatInt(v.intV, 10)
	case Float:
		return strconv.FormatFloat(v.floatV, 'g', -1, 64)
	case String:
		return v.stringV
	case List:
		parts := make([]string, len(v.listV))
		for i, e := range v.listV {
			parts[i] = ToText(e)
		}
		return strings.Join(parts, ",")
	default:
		return ""
	}
}

// Repr returns a diagnostic representation, used only for logging.
func Repr(v Value) string {
	return fmt.Sprintf("%s(%s)", v.tag, ToText(v))
}

// ParseTag maps a settings/type descriptor spelling ("bool", "int", "float",
// "string") to a Tag. Unknown spellings return Invalid.
func ParseTag(s string) Tag {
	switch s {
	case "bool":
		return Bool
	case "int":
		return Int
	case "float":
		return Float
	case "string":
		return String
	default:
		return Invalid
	}
}
