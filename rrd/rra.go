//
// Copyright 2016 Gregory Trubetskoy. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rrd

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Consolidation is how multiple samples are folded into one slot.
// The numeric values are the codes used in the file format.
type Consolidation uint8

const (
	AVERAGE Consolidation = iota // Running mean
	MAXIMUM                      // Max
	LAST                         // Last
	MINIMUM                      // Min
)

func (cf Consolidation) String() string {
	switch cf {
	case AVERAGE:
		return "AVERAGE"
	case MAXIMUM:
		return "MAXIMUM"
	case LAST:
		return "LAST"
	case MINIMUM:
		return "MINIMUM"
	}
	return fmt.Sprintf("Consolidation(%d)", uint8(cf))
}

// Valid tells whether cf is one of the known functions.
func (cf Consolidation) Valid() bool { return cf <= MINIMUM }

// ParseConsolidation accepts the usual spellings (case insensitive):
// AVERAGE, AVG, WMEAN, MAX, MAXIMUM, MIN, MINIMUM and LAST.
func ParseConsolidation(s string) (Consolidation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "AVERAGE", "AVG", "WMEAN":
		return AVERAGE, nil
	case "MAX", "MAXIMUM":
		return MAXIMUM, nil
	case "MIN", "MINIMUM":
		return MINIMUM, nil
	case "LAST":
		return LAST, nil
	}
	return 0, errors.Wrapf(ErrInvalidQuery, "invalid consolidation: %q (valid funcs: average, max, min, last)", s)
}

func (cf Consolidation) MarshalText() ([]byte, error) {
	if !cf.Valid() {
		return nil, errors.Wrapf(ErrInvalidValue, "unknown consolidation code %d", uint8(cf))
	}
	return []byte(cf.String()), nil
}

func (cf *Consolidation) UnmarshalText(text []byte) (err error) {
	*cf, err = ParseConsolidation(string(text))
	return err
}

// RoundRobinArchive is a fixed size ring of slots of the same
// duration (step). The slot for a time t is addressed by its absolute
// slot number t/step modulo the size, so that the timestamp of any
// slot can be computed from the current slot without being stored.
//
// Exactly one slot is current once the archive has received data.
// Data for the current slot is consolidated into it, data for a later
// slot makes it current (any slots skipped over become NaN), data for
// an earlier slot is ignored.
type RoundRobinArchive struct {
	// State of the current slot. Its value is mirrored into dps.
	Pdp
	// Consolidation function (CF). How samples falling into the same
	// slot are combined.
	cf Consolidation
	// The RRA step in seconds.
	step int64
	// Number of slots in the RRA.
	size int64
	// Absolute slot number (unix seconds / step) of the current slot.
	current int64
	// Whether any data was ever written, a zero current is a
	// legitimate slot (the epoch).
	started bool
	// The slots, NaN is "no data".
	dps []float64
}

// NewRoundRobinArchive returns an empty RRA in accordance with the
// provided RRASpec. The spec should be valid (see RRASpec.Validate),
// a step of less than a second is treated as one second and a span
// shorter than the step as a single slot.
func NewRoundRobinArchive(spec RRASpec) *RoundRobinArchive {
	step := int64(spec.Step / time.Second)
	if step < 1 {
		step = 1
	}
	size := int64(spec.Span/time.Second) / step
	if size < 1 {
		size = 1
	}
	rra := &RoundRobinArchive{
		cf:   spec.Function,
		step: step,
		size: size,
		dps:  make([]float64, size),
	}
	rra.Pdp.Reset()
	for i := range rra.dps {
		rra.dps[i] = math.NaN()
	}
	return rra
}

// Function returns the consolidation function of this RRA.
func (rra *RoundRobinArchive) Function() Consolidation { return rra.cf }

// Step of this RRA
func (rra *RoundRobinArchive) Step() time.Duration { return time.Duration(rra.step) * time.Second }

// Number of slots in this RRA
func (rra *RoundRobinArchive) Size() int64 { return rra.size }

// Started tells whether this RRA has ever received data.
func (rra *RoundRobinArchive) Started() bool { return rra.started }

// Latest returns the time on which the current slot begins, or zero
// time if the RRA never received data.
func (rra *RoundRobinArchive) Latest() time.Time {
	if !rra.started {
		return time.Time{}
	}
	return time.Unix(rra.current*rra.step, 0)
}

// Begins returns the time on which the oldest retained slot begins.
func (rra *RoundRobinArchive) Begins() time.Time {
	if !rra.started {
		return time.Time{}
	}
	return time.Unix((rra.current-rra.size+1)*rra.step, 0)
}

// DPs returns the slots in storage order. Careful, these are
// round-robin, slot n is SlotIndex(t, step, size) for its time t.
func (rra *RoundRobinArchive) DPs() []float64 { return rra.dps }

// PointCount returns the number of slots that have data.
func (rra *RoundRobinArchive) PointCount() int {
	n := 0
	for _, v := range rra.dps {
		if !math.IsNaN(v) {
			n++
		}
	}
	return n
}

// Spec matching this RRA
func (rra *RoundRobinArchive) Spec() RRASpec {
	return RRASpec{
		Function: rra.cf,
		Step:     rra.Step(),
		Span:     time.Duration(rra.size) * rra.Step(),
	}
}

// Returns a complete copy of the RRA.
func (rra *RoundRobinArchive) Copy() *RoundRobinArchive {
	newRRA := *rra
	newRRA.dps = make([]float64, len(rra.dps))
	copy(newRRA.dps, rra.dps)
	return &newRRA
}

// Update consolidates value into the slot for ts. It returns false if
// nothing changed, which is the case for NaN values and for ts
// earlier than the current slot. Neither is an error, a round-robin
// archive simply cannot go back in time.
func (rra *RoundRobinArchive) Update(ts time.Time, value float64) bool {
	if math.IsNaN(value) {
		return false
	}

	slot := floorDiv(ts.Unix(), rra.step)

	switch {
	case !rra.started:
		rra.started = true
		rra.current = slot
		rra.Pdp.Reset()
	case slot < rra.current:
		return false
	case slot > rra.current:
		rra.skipTo(slot)
	}

	rra.Consolidate(rra.cf, value)
	rra.dps[rra.index(slot)] = rra.Pdp.Value()
	return true
}

// skipTo makes slot current, every slot strictly between the
// previous current slot and the new one becomes NaN.
func (rra *RoundRobinArchive) skipTo(slot int64) {
	if slot-rra.current >= rra.size {
		for i := range rra.dps {
			rra.dps[i] = math.NaN()
		}
	} else {
		for n := rra.current + 1; n < slot; n++ {
			rra.dps[rra.index(n)] = math.NaN()
		}
	}
	rra.current = slot
	rra.Pdp.Reset()
	rra.dps[rra.index(slot)] = math.NaN()
}

// Fetch returns one point per slot for the half-open range [start,
// end), start being aligned down on a slot boundary. Point times are
// the slot beginnings. Slots outside of the retained window are NaN.
func (rra *RoundRobinArchive) Fetch(start, end time.Time) []Point {
	if !end.After(start) {
		return []Point{}
	}
	first := floorDiv(start.Unix(), rra.step)
	last := end.Unix()
	if first*rra.step >= last {
		return []Point{}
	}
	result := make([]Point, 0, (last-first*rra.step+rra.step-1)/rra.step)
	for slot := first; slot*rra.step < last; slot++ {
		result = append(result, Point{Time: time.Unix(slot*rra.step, 0), Value: rra.valueAt(slot)})
	}
	return result
}

// includes tells whether slot number slot is within the retained window.
func (rra *RoundRobinArchive) includes(slot int64) bool {
	return rra.started && slot <= rra.current && slot > rra.current-rra.size
}

func (rra *RoundRobinArchive) valueAt(slot int64) float64 {
	if !rra.includes(slot) {
		return math.NaN()
	}
	return rra.dps[rra.index(slot)]
}

// points returns the retained slots that have data, oldest first.
func (rra *RoundRobinArchive) points() []Point {
	if !rra.started {
		return nil
	}
	var result []Point
	for slot := rra.current - rra.size + 1; slot <= rra.current; slot++ {
		if v := rra.dps[rra.index(slot)]; !math.IsNaN(v) {
			result = append(result, Point{Time: time.Unix(slot*rra.step, 0), Value: v})
		}
	}
	return result
}

func (rra *RoundRobinArchive) index(slot int64) int64 {
	return SlotIndex(time.Unix(slot*rra.step, 0), rra.Step(), rra.size)
}

// Given a slot timestamp, RRA step and size, return the slot's
// (0-based) index in the data points array. Size of zero causes a
// division by zero panic.
func SlotIndex(slotBegin time.Time, step time.Duration, size int64) int64 {
	n := floorDiv(slotBegin.Unix(), int64(step/time.Second)) % size
	if n < 0 {
		n += size
	}
	return n
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// RRASpec is the RRA definition for NewRoundRobinArchive.
type RRASpec struct {
	Function Consolidation
	Step     time.Duration // duration of a single slot, whole seconds
	Span     time.Duration // duration of the whole archive (multiple of step)
}

// Size is the number of slots an RRA made from this spec has.
func (s RRASpec) Size() int64 {
	if s.Step < time.Second {
		return 0
	}
	return int64(s.Span / s.Step)
}

// Validate checks that an RRA can be created from this spec and
// stored in the file format.
func (s RRASpec) Validate() error {
	if !s.Function.Valid() {
		return errors.Wrapf(ErrInvalidValue, "unknown consolidation %v", s.Function)
	}
	if s.Step < time.Second || s.Step%time.Second != 0 {
		return errors.Wrapf(ErrInvalidValue, "step %v must be a whole number of seconds", s.Step)
	}
	if s.Step/time.Second > math.MaxUint32 {
		return errors.Wrapf(ErrInvalidValue, "step %v too large", s.Step)
	}
	if size := s.Size(); size < 1 || size > MaxSlots {
		return errors.Wrapf(ErrInvalidValue, "span %v / step %v gives %d slots (must be 1..%d)", s.Span, s.Step, size, MaxSlots)
	}
	return nil
}
