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
	"sort"
	"sync"

	"github.com/tgres/rrdcache/rrd"
)

// A collection of data sources kept by name, plus the names known to
// exist in storage that have not been loaded.
type dsCache struct {
	sync.RWMutex
	byName map[string]*cachedDs
	stored map[string]bool
}

// Returns a new dsCache object.
func newDsCache() *dsCache {
	return &dsCache{
		byName: make(map[string]*cachedDs),
		stored: make(map[string]bool),
	}
}

// get rlocks and gets a DS pointer.
func (d *dsCache) get(name string) *cachedDs {
	d.RLock()
	defer d.RUnlock()
	return d.byName[name]
}

// getOrInsert returns the entry for name, inserting an empty
// (not loaded) one if there is none.
func (d *dsCache) getOrInsert(name string) *cachedDs {
	if cds := d.get(name); cds != nil {
		return cds
	}
	d.Lock()
	defer d.Unlock()
	if cds := d.byName[name]; cds != nil {
		return cds
	}
	cds := &cachedDs{name: name}
	d.byName[name] = cds
	return cds
}

// remove deletes the entry if it is still cds. The caller must hold
// the cds lock and have marked it removed.
func (d *dsCache) remove(cds *cachedDs) {
	d.Lock()
	defer d.Unlock()
	if d.byName[cds.name] == cds {
		delete(d.byName, cds.name)
	}
}

func (d *dsCache) setStored(name string, stored bool) {
	d.Lock()
	defer d.Unlock()
	if stored {
		d.stored[name] = true
	} else {
		delete(d.stored, name)
	}
}

// names returns the sorted union of cached and stored names.
func (d *dsCache) names() []string {
	d.RLock()
	seen := make(map[string]bool, len(d.byName)+len(d.stored))
	for name := range d.stored {
		seen[name] = true
	}
	for name := range d.byName {
		seen[name] = true
	}
	d.RUnlock()

	result := make([]string, 0, len(seen))
	for name := range seen {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// entries returns a snapshot of all cached entries.
func (d *dsCache) entries() []*cachedDs {
	d.RLock()
	defer d.RUnlock()
	result := make([]*cachedDs, 0, len(d.byName))
	for _, cds := range d.byName {
		result = append(result, cds)
	}
	return result
}

// counts returns the number of loaded and of dirty entries.
func (d *dsCache) counts() (loaded, dirty int) {
	for _, cds := range d.entries() {
		cds.Lock()
		if cds.ds != nil {
			loaded++
		}
		if cds.dirty() {
			dirty++
		}
		cds.Unlock()
	}
	return loaded, dirty
}

// cachedDs is a named DS. The DS is nil until loaded. Every update
// bumps gen, a successful flush sets flushedGen to the gen it wrote,
// so that updates arriving during the write keep the entry dirty.
type cachedDs struct {
	sync.Mutex
	name       string
	ds         *rrd.DataSource
	gen        uint64
	flushedGen uint64
	removed    bool // deleted from the cache, callers holding it must look again
}

func (cds *cachedDs) dirty() bool { return cds.gen != cds.flushedGen }

// snapshot encodes the DS if it is dirty. ok is false if there is
// nothing to write.
func (cds *cachedDs) snapshot() (data []byte, gen uint64, ok bool, err error) {
	cds.Lock()
	defer cds.Unlock()
	if cds.removed || cds.ds == nil || !cds.dirty() {
		return nil, 0, false, nil
	}
	data, err = cds.ds.MarshalBinary()
	if err != nil {
		return nil, 0, false, err
	}
	return data, cds.gen, true, nil
}

func (cds *cachedDs) markFlushed(gen uint64) {
	cds.Lock()
	defer cds.Unlock()
	if gen > cds.flushedGen {
		cds.flushedGen = gen
	}
}
