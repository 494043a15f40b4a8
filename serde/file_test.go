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

package serde

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgres/rrdcache/rrd"
)

func testDS(t *testing.T, value float64) []byte {
	t.Helper()
	ds := rrd.NewDataSource(rrd.DSSpec{RRAs: []rrd.RRASpec{{Function: rrd.AVERAGE, Step: time.Minute, Span: time.Hour}}})
	require.NoError(t, ds.Update(time.Unix(600, 0), value))
	data, err := ds.MarshalBinary()
	require.NoError(t, err)
	return data
}

func loadedValue(t *testing.T, sd SerDe, name string) float64 {
	t.Helper()
	ds, _, err := sd.Load(name)
	require.NoError(t, err)
	return ds.LastValue()
}

func Test_ValidateName(t *testing.T) {
	for _, name := range []string{"foo", "foo.bar-baz_1", "a/b/c", "x.rrd", "..a"} {
		assert.NoError(t, ValidateName(name), name)
	}
	for _, name := range []string{"", "/abs", "a//b", "a/../b", "..", "./a", "a/", "sp ace", "semi;colon", "ü"} {
		err := ValidateName(name)
		assert.True(t, errors.Is(err, rrd.ErrInvalidQuery), "%q: %v", name, err)
	}
}

func Test_FileSerDe(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	f, err := NewFileSerDe(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, f.Dir())

	names, err := f.List()
	require.NoError(t, err)
	assert.Empty(t, names)

	require.NoError(t, f.Save("foo.bar", testDS(t, 1)))
	require.NoError(t, f.Save("host/cpu/idle", testDS(t, 2)))
	require.NoError(t, f.Save("foo.bar", testDS(t, 3)))

	// things that are not records
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rrd.journal"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.rrd.corrupt-1"), []byte("x"), 0644))

	names, err = f.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"foo.bar", "host/cpu/idle"}, names)

	assert.Equal(t, 3.0, loadedValue(t, f, "foo.bar"))
	assert.Equal(t, 2.0, loadedValue(t, f, "host/cpu/idle"))
	assert.FileExists(t, filepath.Join(dir, "host", "cpu", "idle.rrd"))

	_, version, err := f.Load("foo.bar")
	require.NoError(t, err)
	assert.Equal(t, rrd.FileVersion, version)

	_, _, err = f.Load("nope")
	assert.True(t, errors.Is(err, rrd.ErrNotFound))
	_, _, err = f.Load("../etc/passwd")
	assert.True(t, errors.Is(err, rrd.ErrInvalidQuery))

	require.NoError(t, f.Delete("foo.bar"))
	assert.True(t, errors.Is(f.Delete("foo.bar"), rrd.ErrNotFound))
	names, err = f.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"host/cpu/idle"}, names)

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.Contains(e.Name(), ".tmp-"), e.Name())
	}
}

func Test_FileSerDe_Corrupt(t *testing.T) {
	f, err := NewFileSerDe(t.TempDir())
	require.NoError(t, err)

	data := testDS(t, 1)
	require.NoError(t, f.Save("broken", data[:len(data)-3]))

	_, _, err = f.Load("broken")
	assert.True(t, errors.Is(err, rrd.ErrCorruptRecord))
	assert.Contains(t, err.Error(), "broken")

	require.NoError(t, f.Quarantine("broken"))
	_, _, err = f.Load("broken")
	assert.True(t, errors.Is(err, rrd.ErrNotFound))

	matches, err := filepath.Glob(f.Path("broken") + ".corrupt-*")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	kept, err := os.ReadFile(matches[0])
	require.NoError(t, err)
	assert.Equal(t, data[:len(data)-3], kept)

	assert.True(t, errors.Is(f.Quarantine("broken"), rrd.ErrNotFound))
}

func Test_FileSerDe_CrashBeforeRename(t *testing.T) {
	f, err := NewFileSerDe(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, f.Save("foo", testDS(t, 1)))

	saved := osRename
	defer func() { osRename = saved }()
	osRename = func(string, string) error { return errors.New("simulated crash") }

	err = f.Save("foo", testDS(t, 2))
	require.Error(t, err)
	assert.True(t, rrd.IsIOError(err))

	// the previous version is intact and nothing else is there
	assert.Equal(t, 1.0, loadedValue(t, f, "foo"))
	entries, err := os.ReadDir(f.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "foo.rrd", entries[0].Name())
}

func Test_FileSerDe_SyncFails(t *testing.T) {
	f, err := NewFileSerDe(t.TempDir())
	require.NoError(t, err)

	saved := fileSync
	defer func() { fileSync = saved }()
	fileSync = func(*os.File) error { return errors.New("no space left") }

	err = f.Save("foo", testDS(t, 1))
	assert.True(t, rrd.IsIOError(err))
	_, _, err = f.Load("foo")
	assert.True(t, errors.Is(err, rrd.ErrNotFound))
}

func Test_FileSerDe_FileMode(t *testing.T) {
	f, err := NewFileSerDe(t.TempDir(), WithFileMode(0600))
	require.NoError(t, err)
	require.NoError(t, f.Save("foo", testDS(t, 1)))

	fi, err := os.Stat(f.Path("foo"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), fi.Mode().Perm())
}
