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
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/tgres/rrdcache/rrd"
)

// FileExt is the extension of record files.
const FileExt = ".rrd"

// These are variables so that tests can make them fail.
var (
	osRename = os.Rename
	fileSync = func(f *os.File) error { return f.Sync() }
)

// FileSerDe keeps every record in its own file under a directory.
type FileSerDe struct {
	dir      string
	fileMode os.FileMode
	dirMode  os.FileMode
}

type FileOption func(*FileSerDe)

// WithFileMode sets the permissions of record files (default 0644).
func WithFileMode(mode os.FileMode) FileOption {
	return func(f *FileSerDe) { f.fileMode = mode }
}

// NewFileSerDe returns a SerDe storing records in dir, which is
// created if needed.
func NewFileSerDe(dir string, opts ...FileOption) (*FileSerDe, error) {
	f := &FileSerDe{dir: dir, fileMode: 0644, dirMode: 0755}
	for _, opt := range opts {
		opt(f)
	}
	if err := os.MkdirAll(dir, f.dirMode); err != nil {
		return nil, &rrd.IOError{Op: "mkdir", Name: dir, Err: err}
	}
	return f, nil
}

func (f *FileSerDe) Dir() string { return f.dir }

// Path returns the file a record is stored in.
func (f *FileSerDe) Path(name string) string {
	return filepath.Join(f.dir, filepath.FromSlash(name)+FileExt)
}

func (f *FileSerDe) List() ([]string, error) {
	var names []string
	err := filepath.WalkDir(f.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, FileExt) {
			return nil
		}
		rel, err := filepath.Rel(f.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(strings.TrimSuffix(rel, FileExt))
		if ValidateName(name) == nil {
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, &rrd.IOError{Op: "list", Name: f.dir, Err: err}
	}
	sort.Strings(names)
	return names, nil
}

func (f *FileSerDe) Load(name string) (*rrd.DataSource, int, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}
	file, err := os.Open(f.Path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, errors.Wrap(rrd.ErrNotFound, name)
		}
		return nil, 0, &rrd.IOError{Op: "load", Name: name, Err: err}
	}
	defer file.Close()

	ds, version, err := rrd.Decode(file)
	if err != nil {
		if errors.Is(err, rrd.ErrCorruptRecord) {
			return nil, 0, errors.Wrap(err, name)
		}
		return nil, 0, &rrd.IOError{Op: "load", Name: name, Err: err}
	}
	return ds, version, nil
}

// Save writes data to a temporary file next to the target, syncs it
// and renames it over the target, then syncs the directory. A crash
// at any point leaves either the old or the new file in place.
func (f *FileSerDe) Save(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := f.Path(name)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, f.dirMode); err != nil {
		return &rrd.IOError{Op: "save", Name: name, Err: err}
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return &rrd.IOError{Op: "save", Name: name, Err: err}
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return &rrd.IOError{Op: "save", Name: name, Err: err}
	}

	if _, err := tmp.Write(data); err != nil {
		return fail(err)
	}
	if err := tmp.Chmod(f.fileMode); err != nil {
		return fail(err)
	}
	if err := fileSync(tmp); err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	if err := osRename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &rrd.IOError{Op: "save", Name: name, Err: err}
	}
	if err := syncDir(dir); err != nil {
		return &rrd.IOError{Op: "save", Name: name, Err: err}
	}
	return nil
}

func (f *FileSerDe) Delete(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	if err := os.Remove(f.Path(name)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(rrd.ErrNotFound, name)
		}
		return &rrd.IOError{Op: "delete", Name: name, Err: err}
	}
	return nil
}

// Quarantine renames the record file to <file>.corrupt-<unix time>.
func (f *FileSerDe) Quarantine(name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	path := f.Path(name)
	if err := osRename(path, fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(rrd.ErrNotFound, name)
		}
		return &rrd.IOError{Op: "quarantine", Name: name, Err: err}
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return fileSync(d)
}
