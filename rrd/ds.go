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
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DSType determines how a raw value becomes the value stored in the
// archives.
type DSType uint8

const (
	GAUGE   DSType = iota // value is stored as is
	DERIVE                // rate of change per second, may be negative
	COUNTER               // rate of change of an ever increasing counter, a decrease is a reset
)

func (t DSType) String() string {
	switch t {
	case GAUGE:
		return "GAUGE"
	case DERIVE:
		return "DERIVE"
	case COUNTER:
		return "COUNTER"
	}
	return fmt.Sprintf("DSType(%d)", uint8(t))
}

func (t DSType) Valid() bool { return t <= COUNTER }

func ParseDSType(s string) (DSType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "GAUGE":
		return GAUGE, nil
	case "DERIVE":
		return DERIVE, nil
	case "COUNTER":
		return COUNTER, nil
	}
	return 0, errors.Wrapf(ErrInvalidValue, "invalid data source type: %q (valid types: gauge, derive, counter)", s)
}

func (t DSType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *DSType) UnmarshalText(text []byte) (err error) {
	*t, err = ParseDSType(string(text))
	return err
}

// DataSource describes a time series: its type, the state needed to
// turn raw values into stored values, and its Round Robin Archives.
type DataSource struct {
	dsType     DSType
	updated    bool                 // whether lastUpdate is meaningful
	lastUpdate int64                // unix seconds of the latest update (series time)
	lastValue  float64              // raw value of the latest update
	seq        uint64               // journal sequence of the latest update, 0 is none
	rras       []*RoundRobinArchive // finest step first
}

// NewDataSource returns a new, empty DataSource in accordance with
// the passed in DSSpec. RRAs are ordered finest to coarsest.
func NewDataSource(spec DSSpec) *DataSource {
	spec = spec.normalize()
	ds := &DataSource{
		dsType:    spec.Type,
		lastValue: math.NaN(),
		rras:      make([]*RoundRobinArchive, len(spec.RRAs)),
	}
	for i, rs := range spec.RRAs {
		ds.rras[i] = NewRoundRobinArchive(rs)
	}
	return ds
}

func (ds *DataSource) Type() DSType { return ds.dsType }

// Updated tells whether the DS ever processed an update.
func (ds *DataSource) Updated() bool { return ds.updated }

// LastUpdate returns the timestamp of the latest update, zero time
// if there never was one.
func (ds *DataSource) LastUpdate() time.Time {
	if !ds.updated {
		return time.Time{}
	}
	return time.Unix(ds.lastUpdate, 0)
}

// LastValue is the raw value of the latest update.
func (ds *DataSource) LastValue() float64 { return ds.lastValue }

// Seq is the journal sequence number of the latest update applied,
// see SetSeq.
func (ds *DataSource) Seq() uint64 { return ds.seq }

// SetSeq records the sequence number under which the caller journaled
// the latest update. It is stored with the DS and lets a journal
// replay skip what the stored DS already has.
func (ds *DataSource) SetSeq(seq uint64) { ds.seq = seq }

// List of Round Robin Archives this Data Source has
func (ds *DataSource) RRAs() []*RoundRobinArchive { return ds.rras }

// Returns a complete copy of this Data Source
func (ds *DataSource) Copy() *DataSource {
	newDs := *ds
	newDs.rras = make([]*RoundRobinArchive, len(ds.rras))
	for n, rra := range ds.rras {
		newDs.rras[n] = rra.Copy()
	}
	return &newDs
}

// Spec returns the DSSpec describing the layout of this DS.
func (ds *DataSource) Spec() DSSpec {
	spec := DSSpec{Type: ds.dsType, RRAs: make([]RRASpec, len(ds.rras))}
	for i, rra := range ds.rras {
		spec.RRAs[i] = rra.Spec()
	}
	return spec
}

// SameLayout tells whether the DS has exactly the RRAs (function,
// step and size) that spec describes. The type is not part of the
// layout.
func (ds *DataSource) SameLayout(spec DSSpec) bool {
	want := spec.normalize().RRAs
	if len(want) != len(ds.rras) {
		return false
	}
	for i, rra := range ds.rras {
		if rra.cf != want[i].Function || rra.Step() != want[i].Step || rra.size != want[i].Size() {
			return false
		}
	}
	return true
}

// PointCount returns the sum of all point counts of every RRA in this
// DS.
func (ds *DataSource) PointCount() int {
	total := 0
	for _, rra := range ds.rras {
		total += rra.PointCount()
	}
	return total
}

// Update processes a raw value at ts: it is converted according to
// the DS type and consolidated into every RRA, finest first. Updates
// older than the current slot of an RRA do not affect it.
func (ds *DataSource) Update(ts time.Time, raw float64) error {
	if math.IsInf(raw, 0) {
		return errors.Wrapf(ErrInvalidValue, "±Inf is not a valid data point value: %v", raw)
	}
	secs := ts.Unix()
	if secs < 0 {
		return errors.Wrapf(ErrInvalidValue, "time stamp %v is before the epoch", ts)
	}

	value := raw
	if ds.dsType == DERIVE || ds.dsType == COUNTER {
		value = math.NaN()
		if ds.updated && !math.IsNaN(ds.lastValue) && secs > ds.lastUpdate {
			diff := raw - ds.lastValue
			if ds.dsType == DERIVE || diff >= 0 {
				value = diff / float64(secs-ds.lastUpdate)
			}
		}
	}

	for _, rra := range ds.rras {
		rra.Update(ts, value)
	}

	if !ds.updated || secs >= ds.lastUpdate {
		ds.lastUpdate = secs
		ds.lastValue = raw
	}
	ds.updated = true
	return nil
}

// BestRRA returns the RRA using cf whose step is closest to but not
// greater than resolution, preferring the longer one when steps are
// equal. If all the RRAs with cf are coarser than resolution, the
// finest one is returned. Returns nil if no RRA uses cf.
func (ds *DataSource) BestRRA(cf Consolidation, resolution time.Duration) *RoundRobinArchive {
	var below, finest *RoundRobinArchive
	for _, rra := range ds.rras {
		if rra.cf != cf {
			continue
		}
		if rra.Step() <= resolution {
			if below == nil || rra.Step() > below.Step() ||
				(rra.Step() == below.Step() && rra.size > below.size) {
				below = rra
			}
		}
		if finest == nil || rra.Step() < finest.Step() {
			finest = rra
		}
	}
	if below != nil {
		return below
	}
	return finest
}

// Fetch returns the step and the points of the best RRA (see BestRRA)
// for the half-open range [start, end).
func (ds *DataSource) Fetch(cf Consolidation, resolution time.Duration, start, end time.Time) (time.Duration, []Point, error) {
	rra := ds.BestRRA(cf, resolution)
	if rra == nil {
		return 0, nil, errors.Wrapf(ErrInvalidQuery, "no %v archive", cf)
	}
	return rra.Step(), rra.Fetch(start, end), nil
}

// FetchArchive returns the points of the n-th RRA.
func (ds *DataSource) FetchArchive(n int, start, end time.Time) ([]Point, error) {
	if n < 0 || n >= len(ds.rras) {
		return nil, errors.Wrapf(ErrInvalidQuery, "no archive #%d (have %d)", n, len(ds.rras))
	}
	return ds.rras[n].Fetch(start, end), nil
}

// DSSpec describes a DataSource. DSSpec is a schema that is used to
// create the DataSource, as an argument to NewDataSource(). DSSpec is
// used in configuration describing how a DataSource must be created
// on-the-fly.
type DSSpec struct {
	Type DSType
	RRAs []RRASpec
}

// DefaultDSSpec is a gauge with average and maximum archives of 1
// minute for a day, 30 minutes for a month, 6 hours for a year and 1
// week for ten years.
func DefaultDSSpec() DSSpec {
	spec := DSSpec{Type: GAUGE}
	for _, rs := range []struct{ step, span time.Duration }{
		{time.Minute, 1440 * time.Minute},
		{30 * time.Minute, 1440 * 30 * time.Minute},
		{6 * time.Hour, 1440 * 6 * time.Hour},
		{7 * 24 * time.Hour, 570 * 7 * 24 * time.Hour},
	} {
		for _, cf := range []Consolidation{AVERAGE, MAXIMUM} {
			spec.RRAs = append(spec.RRAs, RRASpec{Function: cf, Step: rs.step, Span: rs.span})
		}
	}
	return spec
}

// Validate checks the spec can be turned into a DataSource that can be
// stored.
func (s DSSpec) Validate() error {
	if !s.Type.Valid() {
		return errors.Wrapf(ErrInvalidValue, "unknown data source type %v", s.Type)
	}
	if len(s.RRAs) == 0 || len(s.RRAs) > MaxRRAs {
		return errors.Wrapf(ErrInvalidValue, "a data source needs 1 to %d RRAs, got %d", MaxRRAs, len(s.RRAs))
	}
	for i, rs := range s.RRAs {
		if err := rs.Validate(); err != nil {
			return errors.Wrapf(err, "RRA #%d", i)
		}
	}
	return nil
}

// normalize returns a copy with the RRAs ordered finest to coarsest
// and spans truncated to a multiple of the step.
func (s DSSpec) normalize() DSSpec {
	result := DSSpec{Type: s.Type, RRAs: make([]RRASpec, len(s.RRAs))}
	for i, rs := range s.RRAs {
		if rs.Step >= time.Second {
			rs.Span = time.Duration(rs.Size()) * rs.Step
		}
		result.RRAs[i] = rs
	}
	sort.SliceStable(result.RRAs, func(i, j int) bool {
		return result.RRAs[i].Step < result.RRAs[j].Step
	})
	return result
}
