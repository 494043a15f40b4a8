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


package main

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgres/rrdcache/rrd"
	"github.com/tgres/rrdcache/serde"
)

type testArchive struct {
	spp, size uint32
	points    []tsPoint
}

// writeWhisper lays out a whisper file: metadata, archive headers,
// then each archive's points, unwritten slots left zero.
func writeWhisper(t *testing.T, path string, method uint32, archives []testArchive) {
	var buf bytes.Buffer
	be := binary.BigEndian
	var maxRetention uint32
	for _, a := range archives {
		if r := a.spp * a.size; r > maxRetention {
			maxRetention = r
		}
	}
	binary.Write(&buf, be, []uint32{method, maxRetention})
	binary.Write(&buf, be, float32(0.5))
	binary.Write(&buf, be, uint32(len(archives)))

	offset := uint32(16 + 12*len(archives))
	for _, a := range archives {
		binary.Write(&buf, be, []uint32{offset, a.spp, a.size})
		offset += 12 * a.size
	}
	for _, a := range archives {
		for i := uint32(0); i < a.size; i++ {
			var p tsPoint
			if int(i) < len(a.points) {
				p = a.points[i]
			}
			binary.Write(&buf, be, p.ts)
			binary.Write(&buf, be, p.value)
		}
	}

	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func twoArchives() []testArchive {
	return []testArchive{
		{spp: 60, size: 5, points: []tsPoint{
			{6000, 10}, {6060, 11}, {6120, 12}, {6180, 13}, {6240, 14},
		}},
		{spp: 300, size: 4, points: []tsPoint{
			{5100, 1}, {5400, 2}, {5700, 3}, {6000, 99},
		}},
	}
}

func values(points []rrd.Point) []float64 {
	result := make([]float64, len(points))
	for i, p := range points {
		result[i] = p.Value
	}
	return result
}

func Test_nameFromPath(t *testing.T) {
	assert.Equal(t, "foo.bar.baz", nameFromPath("/w", "/w/foo/bar/baz.wsp", ""))
	assert.Equal(t, "pfx.foo.bar", nameFromPath("/w", "/w/foo/bar.wsp", "pfx"))
	assert.Equal(t, "foo.b_r", nameFromPath("/w", "/w/foo/b r!.wsp", ""))
}

func Test_consolidation(t *testing.T) {
	assert.Equal(t, rrd.AVERAGE, consolidation(whisperAverage))
	assert.Equal(t, rrd.AVERAGE, consolidation(whisperSum))
	assert.Equal(t, rrd.LAST, consolidation(whisperLast))
	assert.Equal(t, rrd.MAXIMUM, consolidation(whisperMax))
	assert.Equal(t, rrd.MINIMUM, consolidation(whisperMin))
	assert.Equal(t, rrd.AVERAGE, consolidation(0))
}

func Test_importFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foo", "bar.wsp")
	writeWhisper(t, path, whisperAverage, twoArchives())

	sd := serde.NewMemSerDe()
	ok, err := importFile(sd, path, "foo.bar", &options{})
	require.NoError(t, err)
	assert.True(t, ok)

	ds, _, err := sd.Load("foo.bar")
	require.NoError(t, err)
	spec := ds.Spec()
	assert.Equal(t, rrd.GAUGE, spec.Type)
	require.Len(t, spec.RRAs, 2)
	assert.Equal(t, rrd.RRASpec{Function: rrd.AVERAGE, Step: time.Minute, Span: 5 * time.Minute}, spec.RRAs[0])
	assert.Equal(t, rrd.RRASpec{Function: rrd.AVERAGE, Step: 5 * time.Minute, Span: 20 * time.Minute}, spec.RRAs[1])

	fine, err := ds.FetchArchive(0, time.Unix(6000, 0), time.Unix(6300, 0))
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 11, 12, 13, 14}, values(fine))

	// the coarse point at 6000 is covered by the fine archive and
	// replaced by the mean of the fine points
	coarse, err := ds.FetchArchive(1, time.Unix(5100, 0), time.Unix(6300, 0))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 12}, values(coarse))

	// exists, not overwritten
	ok, err = importFile(sd, path, "foo.bar", &options{})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = importFile(sd, path, "foo.bar", &options{overwrite: true, from: 6100})
	require.NoError(t, err)
	assert.True(t, ok)
	ds, _, err = sd.Load("foo.bar")
	require.NoError(t, err)
	fine, err = ds.FetchArchive(0, time.Unix(6000, 0), time.Unix(6300, 0))
	require.NoError(t, err)
	assert.True(t, math.IsNaN(fine[0].Value))
	assert.True(t, math.IsNaN(fine[1].Value))
	assert.Equal(t, []float64{12, 13, 14}, values(fine[2:]))
}

func Test_importFile_Errors(t *testing.T) {
	dir := t.TempDir()
	sd := serde.NewMemSerDe()

	_, err := importFile(sd, filepath.Join(dir, "x.wsp"), "../x", &options{})
	assert.ErrorIs(t, err, rrd.ErrInvalidQuery)

	_, err = importFile(sd, filepath.Join(dir, "missing.wsp"), "missing", &options{})
	assert.Error(t, err)

	path := filepath.Join(dir, "short.wsp")
	require.NoError(t, os.WriteFile(path, []byte{1, 2, 3}, 0644))
	_, err = importFile(sd, path, "short", &options{})
	assert.Error(t, err)
}

func Test_run(t *testing.T) {
	wdir := t.TempDir()
	writeWhisper(t, filepath.Join(wdir, "a", "one.wsp"), whisperMax, twoArchives())
	writeWhisper(t, filepath.Join(wdir, "a", "two.wsp"), whisperLast, twoArchives())
	writeWhisper(t, filepath.Join(wdir, "b", "skip.wsp"), whisperLast, twoArchives())
	require.NoError(t, os.WriteFile(filepath.Join(wdir, "a", "notes.txt"), []byte("x"), 0644))

	ddir := t.TempDir()
	sd, err := serde.NewFileSerDe(ddir)
	require.NoError(t, err)

	o, err := parseFlags([]string{"--whisper-dir", wdir + "/", "--data-dir", ddir, "--prefix", "old", "--exclude", "skip", "-w", "2"})
	require.NoError(t, err)

	res, err := run(o, sd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.imported)
	assert.Equal(t, int64(0), res.failed)

	names, err := sd.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"old.a.one", "old.a.two"}, names)

	ds, _, err := sd.Load("old.a.one")
	require.NoError(t, err)
	assert.Equal(t, rrd.MAXIMUM, ds.Spec().RRAs[0].Function)

	res, err = run(o, sd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.skipped)
}

func Test_run_StopsOnError(t *testing.T) {
	wdir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(wdir, "bad.wsp"), []byte{0}, 0644))

	o, err := parseFlags([]string{"--whisper-dir", wdir, "-w", "1"})
	require.NoError(t, err)
	res, err := run(o, serde.NewMemSerDe())
	assert.Error(t, err)
	assert.Equal(t, int64(1), res.failed)

	o.skipErrors = true
	res, err = run(o, serde.NewMemSerDe())
	assert.NoError(t, err)
	assert.Equal(t, int64(1), res.failed)
}
