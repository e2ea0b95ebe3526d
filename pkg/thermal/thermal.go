// Package thermal supplements spec.md §4.E: rather than have some
// external collaborator poke the canonical thermal_state enum
// directly, a realistic MCE time-samples a small sensor record
// (millidegrees + zone id) and filters it down to the canonical
// Undef/Ok/Overheated value the PSM evaluator reads. This is the
// datapipe §9 "input-event-like record" variant made concrete: the
// sample pipe carries a fixed-shape List(Int) record and a nonzero
// ElementSize, while the canonical state pipe carries the plain enum.
package thermal

import (
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/christophe-duc/mce/pkg/datapipe"
	"github.com/christophe-duc/mce/pkg/loop"
	"github.com/christophe-duc/mce/pkg/psm"
	"github.com/christophe-duc/mce/pkg/value"
)

// SampleElementSize is the nominal byte size of one (millidegrees int64,
// zone int64) sample record, used only as datapipe.Config.ElementSize
// documentation metadata; the wire representation is a 2-element
// value.List(Int) since the fabric has no raw-byte payload type.
const SampleElementSize = 16

// EncodeSample packs one thermal sample into the pipe's wire shape.
func EncodeSample(milliDegrees, zoneID int64) value.Value {
	return value.NewIntList(milliDegrees, zoneID)
}

// DecodeSample unpacks a sample published by EncodeSample. ok is false
// if v isn't a well-formed 2-element Int list.
func DecodeSample(v value.Value) (milliDegrees, zoneID int64, ok bool) {
	if v.Tag() != value.List || v.ElementTag() != value.Int {
		return 0, 0, false
	}
	elems := v.AsList()
	if len(elems) != 2 {
		return 0, 0, false
	}
	return elems[0].AsInt(), elems[1].AsInt(), true
}

// SourceFunc reads the current raw sample. Production callers wire this
// to whatever sensor access the deployment target provides; tests and
// the default cmd/mced wiring can use a fixed or synthetic source since
// the sensor itself, like the display backlight, is an external
// collaborator outside this repository's scope.
type SourceFunc func() (milliDegrees, zoneID int64, err error)

// Config wires a Sampler to its pipes and polling source.
type Config struct {
	SamplePipe *datapipe.Datapipe // List(Int) len 2, CacheIndata
	StatePipe  *datapipe.Datapipe // Int, ThermalState enum, CacheOutdata

	// OvertempMilliDegrees is the threshold at or above which a sample
	// classifies as Overheated.
	OvertempMilliDegrees int64

	Source   SourceFunc
	Interval time.Duration
	Loop     *loop.Loop
	Log      *logrus.Entry
}

const pollTaskID = loop.TaskID("thermal-poll")

// Sampler translates raw thermal samples into the canonical enum and,
// if configured with a Source, drives its own polling loop.
type Sampler struct {
	samplePipe *datapipe.Datapipe
	statePipe  *datapipe.Datapipe
	overtemp   int64
	source     SourceFunc
	interval   time.Duration
	loop       *loop.Loop
	log        *logrus.Entry

	triggerID datapipe.CallbackID
	wired     bool
	stopped   int32 // atomic; set by Unwire to stop poll() from re-arming itself
}

// New constructs a Sampler. Call Wire to begin translating samples and
// (if a Source was configured) start polling.
func New(cfg Config) *Sampler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Sampler{
		samplePipe: cfg.SamplePipe,
		statePipe:  cfg.StatePipe,
		overtemp:   cfg.OvertempMilliDegrees,
		source:     cfg.Source,
		interval:   interval,
		loop:       cfg.Loop,
		log:        cfg.Log,
	}
}

// Wire registers the sample-to-state translation and starts polling.
func (s *Sampler) Wire() {
	id, err := s.samplePipe.AddInputTrigger(s.onSample)
	if err == nil {
		s.triggerID = id
		s.wired = true
	}
	if s.source != nil {
		s.schedulePoll()
	}
}

// Unwire removes the translation trigger and stops polling. A poll
// already in flight will not re-arm itself once this returns, even if
// it was mid-execution when called.
func (s *Sampler) Unwire() {
	atomic.StoreInt32(&s.stopped, 1)
	if s.wired {
		s.samplePipe.RemoveInputTrigger(s.triggerID)
		s.wired = false
	}
	s.loop.CancelIdle(pollTaskID)
}

func (s *Sampler) schedulePoll() {
	if atomic.LoadInt32(&s.stopped) != 0 {
		return
	}
	s.loop.AfterFunc(s.interval, pollTaskID, s.poll)
}

func (s *Sampler) poll() {
	milli, zone, err := s.source()
	if err != nil {
		if s.log != nil {
			s.log.WithField("component", "thermal").Warnf("sample source failed: %v", err)
		}
	} else {
		s.samplePipe.Execute(EncodeSample(milli, zone))
	}
	s.schedulePoll()
}

func (s *Sampler) onSample(v value.Value) {
	milli, _, ok := DecodeSample(v)
	if !ok {
		return
	}
	state := psm.ThermalOk
	if milli >= s.overtemp {
		state = psm.ThermalOverheated
	}
	s.statePipe.Execute(value.NewInt(int64(state)))
}
