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
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Timeframe(t *testing.T) {
	now := time.Date(2020, 3, 4, 5, 6, 7, 0, time.UTC)

	for _, c := range []struct {
		name       string
		resolution time.Duration
		span       time.Duration
	}{
		{"hour", time.Minute, time.Hour},
		{"day", 30 * time.Minute, 24 * time.Hour},
		{"week", 3 * time.Hour, 7 * 24 * time.Hour},
		{"month", 12 * time.Hour, 30 * 24 * time.Hour},
		{"year", 7 * 24 * time.Hour, 365 * 24 * time.Hour},
		{"decade", 7 * 24 * time.Hour, 3650 * 24 * time.Hour},
	} {
		tf, err := ParseTimeframe(c.name)
		require.NoError(t, err)
		assert.Equal(t, c.name, tf.String())
		assert.Equal(t, c.resolution, tf.Resolution())

		start, end := tf.Range(now)
		assert.Equal(t, c.span, end.Sub(start), c.name)
		assert.True(t, end.After(now), c.name)
		assert.False(t, end.Add(-c.resolution).After(now), c.name)
		assert.Zero(t, end.Unix()%int64(c.resolution/time.Second), c.name)
	}

	// weeks are counted from the epoch (a Thursday) like RRA slots,
	// not from the zero time.Time (a Monday)
	week := int64(7 * 24 * 3600)
	_, end := Year.Range(time.Unix(100*week+5, 0))
	assert.Equal(t, time.Unix(101*week, 0), end)
	pts := NewRoundRobinArchive(RRASpec{Function: AVERAGE, Step: 7 * 24 * time.Hour, Span: 52 * 7 * 24 * time.Hour}).Fetch(end.Add(-time.Duration(week)*time.Second), end)
	require.Len(t, pts, 1)
	assert.Equal(t, time.Unix(100*week, 0), pts[0].Time)

	_, err := ParseTimeframe("century")
	assert.True(t, errors.Is(err, ErrInvalidQuery))

	start, end := Timeframe(42).Range(now)
	assert.Equal(t, start, end)
	assert.Equal(t, "unknown", Timeframe(42).String())
}

func Test_IOError(t *testing.T) {
	cause := errors.New("disk on fire")
	err := errors.Wrap(&IOError{Op: "save", Name: "foo.bar", Err: cause}, "flush")

	assert.True(t, IsIOError(err))
	assert.True(t, errors.Is(err, cause))
	assert.Contains(t, err.Error(), `save "foo.bar": disk on fire`)
	assert.False(t, IsIOError(ErrNotFound))
}
