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

func testSpec(typ DSType) DSSpec {
	return DSSpec{
		Type: typ,
		RRAs: []RRASpec{
			{Function: AVERAGE, Step: 10 * time.Second, Span: 100 * time.Second},
			{Function: MAXIMUM, Step: time.Minute, Span: time.Hour},
			{Function: AVERAGE, Step: time.Minute, Span: time.Hour},
			{Function: AVERAGE, Step: time.Hour, Span: 24 * time.Hour},
		},
	}
}

func Test_NewDataSource(t *testing.T) {
	// RRAs are ordered finest first regardless of the spec order
	spec := testSpec(GAUGE)
	spec.RRAs[0], spec.RRAs[3] = spec.RRAs[3], spec.RRAs[0]

	ds := NewDataSource(spec)
	require.Len(t, ds.RRAs(), 4)
	assert.Equal(t, 10*time.Second, ds.RRAs()[0].Step())
	assert.Equal(t, time.Hour, ds.RRAs()[3].Step())
	assert.Equal(t, GAUGE, ds.Type())
	assert.False(t, ds.Updated())
	assert.True(t, ds.LastUpdate().IsZero())
	assert.True(t, math.IsNaN(ds.LastValue()))
	assert.True(t, ds.SameLayout(testSpec(DERIVE)))
	assert.True(t, ds.SameLayout(ds.Spec()))
}

func Test_DataSource_Update(t *testing.T) {
	ds := NewDataSource(testSpec(GAUGE))

	require.NoError(t, ds.Update(unix(3600), 2))
	require.NoError(t, ds.Update(unix(3605), 4))
	require.NoError(t, ds.Update(unix(3661), 8))

	assert.Equal(t, unix(3661), ds.LastUpdate())
	assert.Equal(t, 8.0, ds.LastValue())

	// every RRA sees every update
	step, pts, err := ds.Fetch(AVERAGE, 10*time.Second, unix(3600), unix(3610))
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, step)
	assertPoints(t, []Point{{unix(3600), 3}}, pts)

	_, pts, err = ds.Fetch(MAXIMUM, time.Minute, unix(3600), unix(3720))
	require.NoError(t, err)
	assertPoints(t, []Point{{unix(3600), 4}, {unix(3660), 8}}, pts)

	_, pts, err = ds.Fetch(AVERAGE, time.Hour, unix(3600), unix(7200))
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.InDelta(t, 14.0/3, pts[0].Value, 1e-9)

	// late update does not move last update back
	require.NoError(t, ds.Update(unix(3000), 1))
	assert.Equal(t, unix(3661), ds.LastUpdate())
	assert.Equal(t, 8.0, ds.LastValue())
}

func Test_DataSource_UpdateInvalid(t *testing.T) {
	ds := NewDataSource(testSpec(GAUGE))

	err := ds.Update(unix(10), math.Inf(1))
	assert.True(t, errors.Is(err, ErrInvalidValue))
	err = ds.Update(unix(10), math.Inf(-1))
	assert.True(t, errors.Is(err, ErrInvalidValue))
	err = ds.Update(unix(-1), 1)
	assert.True(t, errors.Is(err, ErrInvalidValue))
	assert.False(t, ds.Updated())

	// NaN is accepted but stores nothing
	require.NoError(t, ds.Update(unix(10), math.NaN()))
	assert.Equal(t, 0, ds.PointCount())
}

func Test_DataSource_Derive(t *testing.T) {
	ds := NewDataSource(testSpec(DERIVE))

	require.NoError(t, ds.Update(unix(100), 1000))
	assert.Equal(t, 0, ds.PointCount(), "first update has no rate")

	require.NoError(t, ds.Update(unix(110), 1500))
	require.NoError(t, ds.Update(unix(120), 1000))

	pts, err := ds.FetchArchive(0, unix(110), unix(130))
	require.NoError(t, err)
	assertPoints(t, []Point{{unix(110), 50}, {unix(120), -50}}, pts)
	assert.Equal(t, 1000.0, ds.LastValue())
}

func Test_DataSource_Counter(t *testing.T) {
	ds := NewDataSource(testSpec(COUNTER))

	require.NoError(t, ds.Update(unix(100), 1000))
	require.NoError(t, ds.Update(unix(110), 1200))
	require.NoError(t, ds.Update(unix(120), 5)) // reset
	require.NoError(t, ds.Update(unix(130), 105))

	pts, err := ds.FetchArchive(0, unix(110), unix(140))
	require.NoError(t, err)
	assertPoints(t, []Point{{unix(110), 20}, {unix(120), math.NaN()}, {unix(130), 10}}, pts)
}

func Test_DataSource_BestRRA(t *testing.T) {
	ds := NewDataSource(testSpec(GAUGE))

	for _, c := range []struct {
		cf         Consolidation
		resolution time.Duration
		expected   time.Duration
	}{
		{AVERAGE, 10 * time.Second, 10 * time.Second}, // exact
		{AVERAGE, 30 * time.Second, 10 * time.Second}, // coarsest <= resolution
		{AVERAGE, 5 * time.Minute, time.Minute},
		{AVERAGE, 48 * time.Hour, time.Hour},
		{AVERAGE, time.Second, 10 * time.Second}, // nothing fine enough, finest
		{MAXIMUM, time.Second, time.Minute},
		{MAXIMUM, time.Hour, time.Minute},
	} {
		rra := ds.BestRRA(c.cf, c.resolution)
		require.NotNil(t, rra)
		assert.Equal(t, c.expected, rra.Step(), "%v %v", c.cf, c.resolution)
		assert.Equal(t, c.cf, rra.Function())
	}

	assert.Nil(t, ds.BestRRA(LAST, time.Minute))
	_, _, err := ds.Fetch(LAST, time.Minute, unix(0), unix(60))
	assert.True(t, errors.Is(err, ErrInvalidQuery))

	_, err = ds.FetchArchive(4, unix(0), unix(60))
	assert.True(t, errors.Is(err, ErrInvalidQuery))
}

func Test_DataSource_Copy(t *testing.T) {
	ds := NewDataSource(testSpec(GAUGE))
	require.NoError(t, ds.Update(unix(100), 1))

	cp := ds.Copy()
	require.NoError(t, cp.Update(unix(150), 2))

	assert.Equal(t, unix(100), ds.LastUpdate())
	assert.Equal(t, 4, ds.PointCount())
	assert.Equal(t, 7, cp.PointCount())
}

func Test_DSSpec_Validate(t *testing.T) {
	assert.NoError(t, DefaultDSSpec().Validate())
	assert.Len(t, DefaultDSSpec().RRAs, 8)

	err := DSSpec{Type: GAUGE}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidValue))

	err = DSSpec{Type: DSType(5), RRAs: testSpec(GAUGE).RRAs}.Validate()
	assert.True(t, errors.Is(err, ErrInvalidValue))

	spec := testSpec(GAUGE)
	spec.RRAs[1].Step = 0
	assert.True(t, errors.Is(spec.Validate(), ErrInvalidValue))
}

func Test_DSType_Parse(t *testing.T) {
	for s, expected := range map[string]DSType{"": GAUGE, "gauge": GAUGE, "Derive": DERIVE, "COUNTER": COUNTER} {
		typ, err := ParseDSType(s)
		require.NoError(t, err)
		assert.Equal(t, expected, typ)
	}
	_, err := ParseDSType("absolute")
	assert.True(t, errors.Is(err, ErrInvalidValue))
}
