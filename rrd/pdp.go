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

import "math"

// Pdp is a Primary Data Point, the state of the current (not yet
// complete) slot of an archive. It knows how many samples were
// folded into it, which is what the running mean needs.
//
// This is an illustration of three samples, 1.0, 3.0 and 2.0
// arriving within one slot of an AVERAGE archive:
//
//  ||   1.0      3.0      2.0  ||
//  ||====+========+========+===||
//   0                           60  ---> time
//
//  after 1.0: m = 1.0                      n = 1
//  after 3.0: m = 1.0 + (3.0 - 1.0) / 2    n = 2  (2.0)
//  after 2.0: m = 2.0 + (2.0 - 2.0) / 3    n = 3  (2.0)
//
// NaN samples never count. A Pdp with zero samples has a NaN value.
//
// To create an "empty" Pdp, simply use its zero value.
type Pdp struct {
	value   float64
	samples uint32
}

func (p *Pdp) Value() float64 {
	if p.samples == 0 {
		return math.NaN()
	}
	return p.value
}

func (p *Pdp) Samples() uint32 { return p.samples }

// addSample counts a sample, the count sticks at its maximum.
func (p *Pdp) addSample() {
	if p.samples < math.MaxUint32 {
		p.samples++
	}
}

// SetValue sets both value and sample count of the PDP.
func (p *Pdp) SetValue(val float64, samples uint32) {
	p.value = val
	p.samples = samples
}

// AddValue adds a value using a running mean. The running mean is
// used rather than a sum/count pair so that the stored slot value is
// always the current mean.
func (p *Pdp) AddValue(val float64) {
	if math.IsNaN(val) {
		return
	}
	if p.samples == 0 || math.IsNaN(p.value) {
		p.value, p.samples = val, 1
		return
	}
	p.addSample()
	p.value += (val - p.value) / float64(p.samples)
}

// AddValueMax adds a value using max. A non-NaN value is considered
// greater than an empty PDP.
func (p *Pdp) AddValueMax(val float64) {
	if math.IsNaN(val) {
		return
	}
	if p.samples == 0 || math.IsNaN(p.value) || p.value < val {
		p.value = val
	}
	p.addSample()
}

// AddValueMin adds a value using min. A non-NaN value is considered
// lesser than an empty PDP.
func (p *Pdp) AddValueMin(val float64) {
	if math.IsNaN(val) {
		return
	}
	if p.samples == 0 || math.IsNaN(p.value) || p.value > val {
		p.value = val
	}
	p.addSample()
}

// AddValueLast replaces the current value. This is different from
// SetValue in that it's a noop if val is NaN.
func (p *Pdp) AddValueLast(val float64) {
	if math.IsNaN(val) {
		return
	}
	p.value = val
	p.addSample()
}

// Consolidate folds val into the PDP using cf.
func (p *Pdp) Consolidate(cf Consolidation, val float64) {
	switch cf {
	case AVERAGE:
		p.AddValue(val)
	case MAXIMUM:
		p.AddValueMax(val)
	case MINIMUM:
		p.AddValueMin(val)
	case LAST:
		p.AddValueLast(val)
	}
}

// Reset empties the PDP and returns its value before Reset.
func (p *Pdp) Reset() float64 {
	result := p.Value()
	p.value = math.NaN()
	p.samples = 0
	return result
}
