//
// Copyright 2017 Gregory Trubetskoy. All Rights Reserved.
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
	"runtime"
	"time"

	"github.com/shirou/gopsutil/cpu"
	log "github.com/sirupsen/logrus"
)

// Some rudimentary runtime stats collected here, they are stored as
// data sources of the receiver itself.

type statReporter interface {
	reportStatGauge(name string, value float64)
	cacheCounts() (loaded, dirty int)
}

func runtimeMemory() uint64 {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return mem.Alloc
}

var runtimeCpuPercent = func() float64 {
	ps, _ := cpu.Percent(0, false)
	if len(ps) > 0 {
		return ps[0]
	}
	return 0
}

func (r *Receiver) reportStatGauge(name string, value float64) {
	name = r.cfg.StatsNamePrefix + "." + name
	if err := r.Update(name, time.Now(), value); err != nil {
		log.WithField("name", name).WithError(err).Printf("Receiver: cannot record runtime stat")
	}
}

func (r *Receiver) cacheCounts() (int, int) { return r.dsc.counts() }

func reportRuntime(sr statReporter) {
	loaded, dirty := sr.cacheCounts()
	sr.reportStatGauge("runtime.cpu.percent", runtimeCpuPercent())
	sr.reportStatGauge("runtime.mem.alloc", float64(runtimeMemory()))
	sr.reportStatGauge("receiver.loaded", float64(loaded))
	sr.reportStatGauge("receiver.dirty", float64(dirty))
}

var statReporterWorker = func(wc wController, sr statReporter, interval time.Duration, stopCh chan struct{}) {
	wc.onEnter()
	defer wc.onExit()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("%s: started.", wc.ident())
	wc.onStarted()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			reportRuntime(sr)
		}
	}
}
