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
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

type metrics struct {
	updates        *prometheus.CounterVec // by result
	fetches        *prometheus.CounterVec // by result
	flushes        *prometheus.CounterVec // by result
	flushDuration  prometheus.Histogram
	recordsWritten prometheus.Counter
	writeErrors    prometheus.Counter
	quarantined    prometheus.Counter
	migrated       prometheus.Counter
	replayed       prometheus.Counter
}

func newMetrics(reg prometheus.Registerer, dsc *dsCache) *metrics {
	m := &metrics{
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "updates_total",
			Help:      "Updates received, by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "fetches_total",
			Help:      "Fetches served, by result.",
		}, []string{"result"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "flushes_total",
			Help:      "Flush cycles, by result.",
		}, []string{"result"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "rrdcache",
			Name:      "flush_duration_seconds",
			Help:      "Duration of flush cycles.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		recordsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "records_written_total",
			Help:      "Records written to storage.",
		}),
		writeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "record_write_errors_total",
			Help:      "Records that failed to be written, they are retried on the next flush.",
		}),
		quarantined: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "records_quarantined_total",
			Help:      "Corrupt records moved out of the way and recreated.",
		}),
		migrated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "records_migrated_total",
			Help:      "Records converted to a new archive layout.",
		}),
		replayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rrdcache",
			Name:      "journal_replayed_total",
			Help:      "Journal lines replayed at startup.",
		}),
	}
	if reg == nil {
		return m
	}

	collectors := []prometheus.Collector{
		m.updates, m.fetches, m.flushes, m.flushDuration, m.recordsWritten,
		m.writeErrors, m.quarantined, m.migrated, m.replayed,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "rrdcache",
			Name:      "records_loaded",
			Help:      "Records decoded in memory.",
		}, func() float64 { loaded, _ := dsc.counts(); return float64(loaded) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "rrdcache",
			Name:      "records_dirty",
			Help:      "Records with updates not yet written.",
		}, func() float64 { _, dirty := dsc.counts(); return float64(dirty) }),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			log.WithError(err).Printf("Receiver: cannot register metric")
		}
	}
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
