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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tgres/rrdcache/serde"
)

type fakeStatReporter struct {
	stats map[string]float64
}

func (f *fakeStatReporter) reportStatGauge(name string, value float64) { f.stats[name] = value }
func (f *fakeStatReporter) cacheCounts() (int, int)                    { return 5, 2 }

func Test_reportRuntime(t *testing.T) {
	saved := runtimeCpuPercent
	defer func() { runtimeCpuPercent = saved }()
	runtimeCpuPercent = func() float64 { return 12.5 }

	sr := &fakeStatReporter{stats: map[string]float64{}}
	reportRuntime(sr)
	assert.Equal(t, 12.5, sr.stats["runtime.cpu.percent"])
	assert.Greater(t, sr.stats["runtime.mem.alloc"], 0.0)
	assert.Equal(t, 5.0, sr.stats["receiver.loaded"])
	assert.Equal(t, 2.0, sr.stats["receiver.dirty"])
}

func Test_Receiver_reportStatGauge(t *testing.T) {
	cfg := testConfig()
	cfg.StatsNamePrefix = "self"
	r := New(cfg, serde.NewMemSerDe())

	r.reportStatGauge("receiver.loaded", 3)
	require.Equal(t, []string{"self.receiver.loaded"}, r.ListMetrics())
	loaded, _ := r.cacheCounts()
	assert.Equal(t, 1, loaded)
}
