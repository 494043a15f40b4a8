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

package receiver

import (
	lru "github.com/hashicorp/golang-lru"
	"github.com/tgres/rrdcache/rrd"
)

// A DSSpec Finder can find a DSSpec for a name. For previously
// unknown DS names that need to be created on-the-fly this interface
// provides a mechanism for specifying DS/RRA configurations based on
// the name. A nil result means the name should not be created.
type MatchingDSSpecFinder interface {
	FindMatchingDSSpec(name string) *rrd.DSSpec
}

// The default finder, it returns rrd.DefaultDSSpec() for every name.
type dftDSFinder struct{}

func (dftDSFinder) FindMatchingDSSpec(name string) *rrd.DSSpec {
	if name == "" {
		return nil
	}
	spec := rrd.DefaultDSSpec()
	return &spec
}

// A simple DS finder always returns itself as the only DSSpec it
// knows.
type SimpleDSFinder struct {
	*rrd.DSSpec
}

func (s *SimpleDSFinder) FindMatchingDSSpec(name string) *rrd.DSSpec {
	if name == "" {
		return nil
	}
	return s.DSSpec
}

// cachingDSFinder remembers what the wrapped finder returned for the
// most recently used names, finders such as the daemon config one
// run a list of regular expressions on every call.
type cachingDSFinder struct {
	finder MatchingDSSpecFinder
	cache  *lru.Cache
}

// newCachingDSFinder wraps finder with an LRU of size entries. With
// a size of 0 or less finder is returned as is.
func newCachingDSFinder(finder MatchingDSSpecFinder, size int) MatchingDSSpecFinder {
	if size <= 0 {
		return finder
	}
	cache, err := lru.New(size)
	if err != nil {
		return finder
	}
	return &cachingDSFinder{finder: finder, cache: cache}
}

func (c *cachingDSFinder) FindMatchingDSSpec(name string) *rrd.DSSpec {
	if v, ok := c.cache.Get(name); ok {
		return v.(*rrd.DSSpec)
	}
	spec := c.finder.FindMatchingDSSpec(name)
	c.cache.Add(name, spec)
	return spec
}
