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
	"bytes"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tgres/rrdcache/rrd"
)

type memSerDe struct {
	*sync.RWMutex
	byName      map[string][]byte
	quarantined map[string][]byte
}

// Returns a SerDe which keeps everything in memory.
func NewMemSerDe() *memSerDe {
	return &memSerDe{
		RWMutex:     &sync.RWMutex{},
		byName:      make(map[string][]byte),
		quarantined: make(map[string][]byte),
	}
}

func (m *memSerDe) List() ([]string, error) {
	m.RLock()
	defer m.RUnlock()
	result := make([]string, 0, len(m.byName))
	for name := range m.byName {
		result = append(result, name)
	}
	sort.Strings(result)
	return result, nil
}

func (m *memSerDe) Load(name string) (*rrd.DataSource, int, error) {
	if err := ValidateName(name); err != nil {
		return nil, 0, err
	}
	m.RLock()
	data, ok := m.byName[name]
	m.RUnlock()
	if !ok {
		return nil, 0, errors.Wrap(rrd.ErrNotFound, name)
	}
	ds, version, err := rrd.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, 0, errors.Wrap(err, name)
	}
	return ds, version, nil
}

func (m *memSerDe) Save(name string, data []byte) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	m.Lock()
	defer m.Unlock()
	m.byName[name] = cp
	return nil
}

func (m *memSerDe) Delete(name string) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.byName[name]; !ok {
		return errors.Wrap(rrd.ErrNotFound, name)
	}
	delete(m.byName, name)
	return nil
}

func (m *memSerDe) Quarantine(name string) error {
	m.Lock()
	defer m.Unlock()
	data, ok := m.byName[name]
	if !ok {
		return errors.Wrap(rrd.ErrNotFound, name)
	}
	m.quarantined[name] = data
	delete(m.byName, name)
	return nil
}

// Quarantined returns the bytes of a quarantined record.
func (m *memSerDe) Quarantined(name string) ([]byte, bool) {
	m.RLock()
	defer m.RUnlock()
	data, ok := m.quarantined[name]
	return data, ok
}
