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

	"github.com/pkg/errors"
)

var (
	// ErrNotFound is returned when a data source is not known and
	// there is no file for it either.
	ErrNotFound = errors.New("data source not found")

	// ErrCorruptRecord is returned when a stored record has a bad
	// magic, an unknown version or is truncated. Only the one record
	// is affected, it can be discarded and recreated.
	ErrCorruptRecord = errors.New("corrupt record")

	// ErrInvalidQuery is returned for malformed names, resolutions
	// and time ranges.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrInvalidValue is returned for values and timestamps that
	// cannot be stored.
	ErrInvalidValue = errors.New("invalid value")
)

// IOError is a disk failure while loading, saving or deleting a
// record. Writes failing this way are retried on the next flush,
// reads surface it to the caller.
type IOError struct {
	Op   string
	Name string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Name, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }
func (e *IOError) Cause() error  { return e.Err }

// IsIOError tells whether err is (or wraps) an *IOError.
func IsIOError(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe)
}
