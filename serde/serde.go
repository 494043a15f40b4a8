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

// Package serde stores encoded data sources, one record per name.
package serde

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/tgres/rrdcache/rrd"
)

// This thing knows how to load/save data sources in some storage.
// Records are addressed by name, names may contain "/" which the file
// implementation maps to subdirectories.
type SerDe interface {
	// List returns the names of all stored records, sorted.
	List() ([]string, error)
	// Load decodes a record, returning the format version it was
	// stored in. Missing is rrd.ErrNotFound, undecodable is
	// rrd.ErrCorruptRecord.
	Load(name string) (*rrd.DataSource, int, error)
	// Save replaces the record with data (an encoded DataSource)
	// atomically: on failure the previous record stays intact.
	Save(name string, data []byte) error
	// Delete removes the record, rrd.ErrNotFound if there is none.
	Delete(name string) error
	// Quarantine moves a (presumably corrupt) record out of the way
	// keeping its bytes around for inspection.
	Quarantine(name string) error
}

// ValidateName returns rrd.ErrInvalidQuery unless name is usable as
// a record name: non-empty, made of [A-Za-z0-9_.-/], relative and
// without empty, "." or ".." path components.
func ValidateName(name string) error {
	if name == "" {
		return errors.Wrap(rrd.ErrInvalidQuery, "empty name")
	}
	for _, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '_', c == '.', c == '-', c == '/':
		default:
			return errors.Wrapf(rrd.ErrInvalidQuery, "invalid character %q in name %q", c, name)
		}
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return errors.Wrapf(rrd.ErrInvalidQuery, "invalid path component %q in name %q", part, name)
		}
	}
	return nil
}
