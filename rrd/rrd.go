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

// Package rrd contains the logic for updating in-memory fixed size
// Round-Robin Archives of data points and for encoding them in a
// binary form. There is no code here to decide when or where the
// encoded form is stored.
//
// Throughout documentation and code the following terms are used
// (sometimes as abbreviations, listed in parenthesis):
//
// Round-Robin Database (RRD): Collectively all the logic in this
// package and an instance of the data it maintains is referred to as
// an RRD.
//
// Data Point (DP): There actually isn't a data structure representing
// a stored data point, a datapoint is just a float64 in a slot. NaN
// means there is no data.
//
// Data Source (DS): Data Source is all there is to know about a time
// series except its name: its type, last update and its RRAs. A DS has
// at least one, but usually several RRAs.
//
// Round-Robin Archive (RRA): A ring of slots at a specific resolution
// (step), going back a pre-defined number of slots.
//
// Consolidation Function (CF): How samples falling into the same slot
// are combined into one value: AVERAGE, MAXIMUM, MINIMUM or LAST.
//
// Primary Data Point (PDP): The current (not-yet-complete) slot of an
// RRA, which knows how many samples it consolidated.
//
// How Datapoints build. Every update goes to every RRA of a DS, each
// RRA consolidating it into its own current slot using its own CF:
//
//      update(0, 10)  update(65, 20)  update(65, 30)
//   60s RRA: |  10  |  25  | NaN  |
//             0      60     120    180  ---> time
//
// A slot that was skipped over (no update fell into it) is NaN.
package rrd

import (
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Point is a slot of an RRA as returned by Fetch. Time is the
// beginning of the slot.
type Point struct {
	Time  time.Time
	Value float64
}

// Timeframe is a canned query: a resolution and how far back to go.
type Timeframe int

const (
	Hour Timeframe = iota
	Day
	Week
	Month
	Year
	Decade
)

var timeframes = []struct {
	name       string
	resolution time.Duration
	span       time.Duration
}{
	Hour:   {"hour", time.Minute, time.Hour},
	Day:    {"day", 30 * time.Minute, 24 * time.Hour},
	Week:   {"week", 3 * time.Hour, 7 * 24 * time.Hour},
	Month:  {"month", 12 * time.Hour, 30 * 24 * time.Hour},
	Year:   {"year", 7 * 24 * time.Hour, 365 * 24 * time.Hour},
	Decade: {"decade", 7 * 24 * time.Hour, 10 * 365 * 24 * time.Hour},
}

func (tf Timeframe) valid() bool { return tf >= Hour && tf <= Decade }

func (tf Timeframe) String() string {
	if !tf.valid() {
		return "unknown"
	}
	return timeframes[tf].name
}

// Resolution is the step the timeframe is meant to be viewed at.
func (tf Timeframe) Resolution() time.Duration {
	if !tf.valid() {
		return 0
	}
	return timeframes[tf].resolution
}

// Range returns the [start, end) range of the timeframe ending at
// now, aligned on slots of the resolution (counted from the epoch,
// as RRA slots are). End is the end of the slot now is in.
func (tf Timeframe) Range(now time.Time) (time.Time, time.Time) {
	if !tf.valid() {
		return now, now
	}
	step := int64(tf.Resolution() / time.Second)
	end := time.Unix((floorDiv(now.Unix(), step)+1)*step, 0)
	return end.Add(-timeframes[tf].span), end
}

func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for tf, t := range timeframes {
		if t.name == s {
			return Timeframe(tf), nil
		}
	}
	return 0, errors.Wrapf(ErrInvalidQuery, "invalid timeframe: %q (valid: hour, day, week, month, year, decade)", s)
}
