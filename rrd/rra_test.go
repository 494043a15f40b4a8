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
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unix(secs int64) time.Time { return time.Unix(secs, 0) }

func newTestRRA(cf Consolidation, step time.Duration, size int) *RoundRobinArchive {
	return NewRoundRobinArchive(RRASpec{Function: cf, Step: step, Span: time.Duration(size) * step})
}

// assertPoints compares times exactly and values treating NaN as equal to NaN.
func assertPoints(t *testing.T, expected, actual []Point) {
	t.Helper()
	require.Len(t, actual, len(expected))
	for i := range expected {
		assert.Equal(t, expected[i].Time.Unix(), actual[i].Time.Unix(), "point %d time", i)
		if math.IsNaN(expected[i].Value) {
			assert.True(t, math.IsNaN(actual[i].Value), "point %d: expected NaN, got %v", i, actual[i].Value)
		} else {
			assert.Equal(t, expected[i].Value, actual[i].Value, "point %d value", i)
		}
	}
}

func Test_NewRoundRobinArchive(t *testing.T) {
	rra := newTestRRA(MAXIMUM, time.Minute, 10)

	assert.Equal(t, MAXIMUM, rra.Function())
	assert.Equal(t, time.Minute, rra.Step())
	assert.Equal(t, int64(10), rra.Size())
	assert.False(t, rra.Started())
	assert.True(t, rra.Latest().IsZero())
	assert.Equal(t, 0, rra.PointCount())
	for i, v := range rra.DPs() {
		assert.True(t, math.IsNaN(v), "slot %d not NaN", i)
	}
	assert.Equal(t, RRASpec{Function: MAXIMUM, Step: time.Minute, Span: 10 * time.Minute}, rra.Spec())
}

func Test_RoundRobinArchive_ScenarioA(t *testing.T) {
	rra := newTestRRA(AVERAGE, 60*time.Second, 3)

	assert.True(t, rra.Update(unix(0), 10))
	assert.True(t, rra.Update(unix(65), 20))
	assert.True(t, rra.Update(unix(65), 30))

	assertPoints(t, []Point{
		{unix(0), 10},
		{unix(60), 25},
		{unix(120), math.NaN()},
	}, rra.Fetch(unix(0), unix(180)))

	assert.Equal(t, unix(60), rra.Latest())
	assert.Equal(t, uint32(2), rra.Samples())
}

func Test_RoundRobinArchive_ScenarioB(t *testing.T) {
	rra := newTestRRA(AVERAGE, 60*time.Second, 3)

	rra.Update(unix(0), 5)
	rra.Update(unix(250), 7)

	dps := rra.DPs()
	assert.True(t, math.IsNaN(dps[0]))
	assert.Equal(t, 7.0, dps[1])
	assert.True(t, math.IsNaN(dps[2]))
	assert.Equal(t, unix(240), rra.Latest())
}

func Test_RoundRobinArchive_Monotonic(t *testing.T) {
	rra := newTestRRA(LAST, 10*time.Second, 100)

	var expected []Point
	for i := int64(0); i < 50; i++ {
		ts := 1000 + i*10
		rra.Update(unix(ts), float64(i))
		expected = append(expected, Point{unix(ts), float64(i)})
	}
	assertPoints(t, expected, rra.Fetch(unix(1000), unix(1500)))
	assert.Equal(t, 50, rra.PointCount())
}

func Test_RoundRobinArchive_OutOfOrder(t *testing.T) {
	rra := newTestRRA(AVERAGE, time.Minute, 5)

	rra.Update(unix(600), 1)
	before := rra.Copy()

	assert.False(t, rra.Update(unix(540), 100))
	assert.False(t, rra.Update(unix(0), 100))
	assert.Equal(t, before.DPs()[2], rra.DPs()[2])
	assertPoints(t, before.Fetch(unix(360), unix(660)), rra.Fetch(unix(360), unix(660)))
}

func Test_RoundRobinArchive_NaNIsNoop(t *testing.T) {
	rra := newTestRRA(AVERAGE, time.Minute, 5)

	assert.False(t, rra.Update(unix(60), math.NaN()))
	assert.False(t, rra.Started())

	rra.Update(unix(60), 4)
	assert.False(t, rra.Update(unix(60), math.NaN()))
	assert.Equal(t, 4.0, rra.Value())
	assert.Equal(t, uint32(1), rra.Samples())
}

func Test_RoundRobinArchive_Gap(t *testing.T) {
	rra := newTestRRA(MAXIMUM, time.Minute, 10)

	// fill the ring so that the gap has something to erase
	for i := int64(0); i < 10; i++ {
		rra.Update(unix(i*60), 1)
	}
	rra.Update(unix(9*60+4*60), 2) // K = 4

	pts := rra.Fetch(unix(9*60), unix(14*60))
	assertPoints(t, []Point{
		{unix(540), 1},
		{unix(600), math.NaN()},
		{unix(660), math.NaN()},
		{unix(720), math.NaN()},
		{unix(780), 2},
	}, pts)
	assert.Equal(t, 7, rra.PointCount())
}

func Test_RoundRobinArchive_JumpBeyondSize(t *testing.T) {
	rra := newTestRRA(AVERAGE, time.Minute, 4)
	for i := int64(0); i < 4; i++ {
		rra.Update(unix(i*60), 1)
	}
	rra.Update(unix(100*60), 3)
	assert.Equal(t, 1, rra.PointCount())
	assert.Equal(t, unix(6000), rra.Latest())
	assert.Equal(t, unix(6000-3*60), rra.Begins())
}

func Test_RoundRobinArchive_Consolidation(t *testing.T) {
	samples := []float64{3, 1, 4, 1, 5}
	for _, c := range []struct {
		cf       Consolidation
		expected float64
	}{
		{AVERAGE, 2.8},
		{MAXIMUM, 5},
		{MINIMUM, 1},
		{LAST, 5},
	} {
		rra := newTestRRA(c.cf, time.Minute, 2)
		for i, v := range samples {
			rra.Update(unix(120+int64(i)), v)
		}
		pts := rra.Fetch(unix(120), unix(180))
		require.Len(t, pts, 1)
		assert.InDelta(t, c.expected, pts[0].Value, 1e-9, "%v", c.cf)
	}
}

func Test_RoundRobinArchive_Fetch(t *testing.T) {
	rra := newTestRRA(AVERAGE, time.Minute, 3)

	// nothing written yet
	assertPoints(t, []Point{{unix(0), math.NaN()}}, rra.Fetch(unix(0), unix(60)))

	rra.Update(unix(300), 1)
	rra.Update(unix(360), 2)

	// unaligned start is aligned down, end is exclusive
	assertPoints(t, []Point{
		{unix(240), math.NaN()},
		{unix(300), 1},
		{unix(360), 2},
		{unix(420), math.NaN()},
	}, rra.Fetch(unix(250), unix(421)))

	// slots which fell out of the window are NaN even though the ring
	// still has stale data in that position
	rra.Update(unix(480), 3)
	rra.Update(unix(540), 4)
	assertPoints(t, []Point{
		{unix(360), math.NaN()},
		{unix(420), math.NaN()},
		{unix(480), 3},
		{unix(540), 4},
	}, rra.Fetch(unix(360), unix(600)))

	assert.Empty(t, rra.Fetch(unix(600), unix(600)))
	assert.Empty(t, rra.Fetch(unix(600), unix(300)))
}

func Test_RoundRobinArchive_Copy(t *testing.T) {
	rra := newTestRRA(AVERAGE, time.Minute, 3)
	rra.Update(unix(60), 1)

	cp := rra.Copy()
	cp.Update(unix(60), 3)

	assert.Equal(t, 1.0, rra.DPs()[1])
	assert.Equal(t, 2.0, cp.DPs()[1])
}

func Test_Consolidation_Parse(t *testing.T) {
	for s, expected := range map[string]Consolidation{
		"average": AVERAGE, "AVG": AVERAGE, "wmean": AVERAGE,
		"max": MAXIMUM, "MAXIMUM": MAXIMUM,
		"min": MINIMUM, "Minimum": MINIMUM,
		" last ": LAST,
	} {
		cf, err := ParseConsolidation(s)
		require.NoError(t, err, s)
		assert.Equal(t, expected, cf, s)
	}

	_, err := ParseConsolidation("median")
	assert.True(t, errors.Is(err, ErrInvalidQuery))

	var cf Consolidation
	require.NoError(t, cf.UnmarshalText([]byte("max")))
	assert.Equal(t, MAXIMUM, cf)
	text, err := MINIMUM.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "MINIMUM", string(text))

	_, err = Consolidation(9).MarshalText()
	assert.Error(t, err)
	assert.Equal(t, "Consolidation(9)", Consolidation(9).String())
}

func Test_RRASpec_Validate(t *testing.T) {
	good := RRASpec{Function: AVERAGE, Step: time.Minute, Span: time.Hour}
	assert.NoError(t, good.Validate())
	assert.Equal(t, int64(60), good.Size())

	for _, bad := range []RRASpec{
		{Function: Consolidation(7), Step: time.Minute, Span: time.Hour},
		{Function: AVERAGE, Step: 0, Span: time.Hour},
		{Function: AVERAGE, Step: 1500 * time.Millisecond, Span: time.Hour},
		{Function: AVERAGE, Step: time.Hour, Span: time.Minute},
		{Function: AVERAGE, Step: time.Second, Span: (MaxSlots + 1) * time.Second},
	} {
		err := bad.Validate()
		assert.True(t, errors.Is(err, ErrInvalidValue), "%+v: %v", bad, err)
	}
}

func Test_SlotIndex(t *testing.T) {
	assert.Equal(t, int64(0), SlotIndex(unix(0), time.Minute, 3))
	assert.Equal(t, int64(1), SlotIndex(unix(250), time.Minute, 3))
	assert.Equal(t, int64(2), SlotIndex(unix(-60), time.Minute, 3))
}
