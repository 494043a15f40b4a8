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

// Package receiver manages the receiving end of the data. All of the
// caching, journaling and periodic flushing logic is here.
package receiver

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/rrd"
	"github.com/tgres/rrdcache/serde"
	"golang.org/x/time/rate"
)

const (
	DefaultFlushInterval   = 60 * time.Second
	DefaultSpecCacheSize   = 1024
	DefaultStatInterval    = 10 * time.Second
	DefaultStatsNamePrefix = "rrdcache"
	DefaultMaxFetchPoints  = 100000
)

// Config is what the Receiver needs to know. The zero value of a
// field means its default, except for Journal and ReportStats which
// DefaultConfig turns on.
type Config struct {
	DataDir             string
	FlushInterval       time.Duration
	MaxFlushesPerSecond int // records written per second, 0 is unlimited
	Journal             bool
	SpecFinder          MatchingDSSpecFinder
	SpecCacheSize       int
	MaxFetchPoints      int
	ReportStats         bool
	StatsNamePrefix     string
	StatInterval        time.Duration
	Registerer          prometheus.Registerer
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:   DefaultFlushInterval,
		Journal:         true,
		SpecCacheSize:   DefaultSpecCacheSize,
		MaxFetchPoints:  DefaultMaxFetchPoints,
		StatsNamePrefix: DefaultStatsNamePrefix,
		StatInterval:    DefaultStatInterval,
	}
}

// Receiver is the handle shared by everything that updates or reads
// data sources. Updates are applied in memory (and journaled), the
// flusher periodically writes the changed records to storage.
type Receiver struct {
	cfg     Config
	serde   serde.SerDe
	finder  MatchingDSSpecFinder
	dsc     *dsCache
	journal *journal
	limiter *rate.Limiter
	metrics *metrics

	// Updates hold it for reading across journal append and apply,
	// the journal is rotated holding it for writing.
	updMu sync.RWMutex
	// Serializes flushes and deletes.
	flushMu sync.Mutex

	startMu     sync.Mutex
	started     bool
	stopped     bool
	stopCh      chan struct{}
	flushCtx    context.Context
	cancelFlush context.CancelFunc
	workerWg    sync.WaitGroup
}

// UpdateOptions modify how an update is applied.
type UpdateOptions struct {
	// Type of the data source if the update creates it, by default
	// the type of the matching spec.
	Type *rrd.DSType
	// Skip the update if it is not newer than the last update.
	NewOnly bool
	// Do not write it to the journal.
	NoJournal bool
}

// New returns a Receiver storing data sources in sd. It has no
// journal, see Open.
func New(cfg Config, sd serde.SerDe) *Receiver {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.MaxFetchPoints <= 0 {
		cfg.MaxFetchPoints = DefaultMaxFetchPoints
	}
	if cfg.StatInterval <= 0 {
		cfg.StatInterval = DefaultStatInterval
	}
	if cfg.StatsNamePrefix == "" {
		cfg.StatsNamePrefix = DefaultStatsNamePrefix
	}
	finder := cfg.SpecFinder
	if finder == nil {
		finder = dftDSFinder{}
	}
	r := &Receiver{
		cfg:    cfg,
		serde:  sd,
		finder: newCachingDSFinder(finder, cfg.SpecCacheSize),
		dsc:    newDsCache(),
	}
	if cfg.MaxFlushesPerSecond > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.MaxFlushesPerSecond), cfg.MaxFlushesPerSecond)
	}
	r.metrics = newMetrics(cfg.Registerer, r.dsc)
	return r
}

// Open returns a Receiver storing data sources as files in
// cfg.DataDir. With cfg.Journal any journal left by a previous run is
// replayed and flushed.
func Open(cfg Config) (*Receiver, error) {
	if cfg.DataDir == "" {
		return nil, errors.Wrap(rrd.ErrInvalidValue, "no data directory")
	}
	sd, err := serde.NewFileSerDe(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	r := New(cfg, sd)
	if err := r.Scan(); err != nil {
		return nil, err
	}
	log.Printf("Receiver: %d data sources in %s.", len(r.ListMetrics()), cfg.DataDir)

	if !cfg.Journal {
		return r, nil
	}
	if r.journal, err = openJournal(cfg.DataDir); err != nil {
		return nil, err
	}
	if len(r.journal.rotatedFiles()) > 0 {
		r.replay()
		if err := r.Flush(context.Background()); err != nil {
			log.WithError(err).Printf("Receiver: flush after journal replay failed, will retry.")
		}
	}
	return r, nil
}

// Scan records the names of the data sources in storage without
// loading them.
func (r *Receiver) Scan() error {
	names, err := r.serde.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		r.dsc.setStored(name, true)
	}
	return nil
}

// replay applies the rotated journals in order, skipping the lines a
// stored record already has (its seq is at or past theirs).
func (r *Receiver) replay() {
	applied, skipped, bad := 0, 0, 0
	files := r.journal.rotatedFiles()
	for _, path := range files {
		n, err := readJournal(path, func(e journalEntry) {
			r.journal.observe(e.seq)
			var (
				done bool
				err  error
			)
			if e.delete {
				done, err = r.replayDelete(e)
			} else {
				typ := e.dsType
				done, err = r.update(e.name, e.ts, e.value, UpdateOptions{Type: &typ}, e.seq)
			}
			switch {
			case err != nil:
				log.WithField("name", e.name).WithError(err).Printf("Receiver: journal replay")
			case done:
				applied++
			default:
				skipped++
			}
		})
		bad += n
		if err != nil {
			log.WithError(err).Printf("Receiver: journal replay")
		}
	}
	r.metrics.replayed.Add(float64(applied))
	log.Printf("Receiver: replayed %d journal entries from %d files (%d already stored, %d bad lines).", applied, len(files), skipped, bad)
}

// replayDelete deletes the data source unless it was recreated after
// the journaled delete and stored.
func (r *Receiver) replayDelete(e journalEntry) (bool, error) {
	cds, err := r.entry(e.name, false, nil)
	if errors.Is(err, rrd.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	newer := cds.ds.Seq() >= e.seq
	cds.Unlock()
	if newer {
		return false, nil
	}
	return true, r.deleteMetric(e.name, false)
}

// Update is UpdateWith with default options.
func (r *Receiver) Update(name string, ts time.Time, value float64) error {
	return r.UpdateWith(name, ts, value, UpdateOptions{})
}

// UpdateWith applies a raw value at ts to the named data source,
// creating it if it does not exist. The update is journaled before it
// is applied and is visible to Fetch immediately, it reaches storage
// with the next flush.
func (r *Receiver) UpdateWith(name string, ts time.Time, value float64, opts UpdateOptions) (err error) {
	defer func() { r.metrics.updates.WithLabelValues(result(err)).Inc() }()
	_, err = r.update(name, ts, value, opts, 0)
	return err
}

// update applies an update, replaySeq is the journal sequence of a
// replayed one and 0 for a new one. It returns false if the update
// was skipped.
//
// The journal line is written under the entry lock, so the lines of
// a data source are in the order they were applied in.
func (r *Receiver) update(name string, ts time.Time, value float64, opts UpdateOptions, replaySeq uint64) (bool, error) {
	if err := serde.ValidateName(name); err != nil {
		return false, err
	}
	if math.IsInf(value, 0) {
		return false, errors.Wrapf(rrd.ErrInvalidValue, "%q: ±Inf is not a valid value", name)
	}
	if ts.Unix() < 0 {
		return false, errors.Wrapf(rrd.ErrInvalidValue, "%q: time stamp %v is before the epoch", name, ts)
	}

	r.updMu.RLock()
	defer r.updMu.RUnlock()

	cds, err := r.entry(name, true, opts.Type)
	if err != nil {
		return false, err
	}
	defer cds.Unlock()

	if replaySeq != 0 && cds.ds.Seq() >= replaySeq {
		return false, nil
	}
	if opts.NewOnly && cds.ds.Updated() && ts.Unix() <= cds.ds.LastUpdate().Unix() {
		return false, nil
	}

	seq := replaySeq
	if seq == 0 && r.journal != nil && !opts.NoJournal {
		e := journalEntry{ts: ts, value: value, dsType: cds.ds.Type(), name: name}
		if seq, err = r.journal.append(e); err != nil {
			return false, err
		}
	}
	if err := cds.ds.Update(ts, value); err != nil {
		return false, err
	}
	if seq != 0 {
		cds.ds.SetSeq(seq)
	}
	cds.gen++
	return true, nil
}

// GetOrCreate makes sure the named data source is loaded, creating
// it if it does not exist.
func (r *Receiver) GetOrCreate(name string) error {
	if err := serde.ValidateName(name); err != nil {
		return err
	}
	cds, err := r.entry(name, true, nil)
	if err != nil {
		return err
	}
	cds.Unlock()
	return nil
}

// lockedEntry returns the locked cache entry for name, inserting an
// empty one if needed.
func (r *Receiver) lockedEntry(name string) *cachedDs {
	for {
		cds := r.dsc.getOrInsert(name)
		cds.Lock()
		if !cds.removed {
			return cds
		}
		cds.Unlock()
	}
}

// entry returns the locked, loaded entry for name. The caller must
// unlock it.
func (r *Receiver) entry(name string, create bool, dsType *rrd.DSType) (*cachedDs, error) {
	cds := r.lockedEntry(name)
	if cds.ds != nil {
		return cds, nil
	}
	if err := r.load(cds, create, dsType); err != nil {
		cds.removed = true
		r.dsc.remove(cds)
		cds.Unlock()
		return nil, err
	}
	return cds, nil
}

// load decodes the stored record into cds, which must be locked.
// With create a missing record is created from its spec and a
// corrupt one is quarantined and recreated, without it either is an
// error. A record with a layout different from its spec is migrated.
func (r *Receiver) load(cds *cachedDs, create bool, dsType *rrd.DSType) error {
	ds, version, err := r.serde.Load(cds.name)
	switch {
	case err == nil:
	case create && errors.Is(err, rrd.ErrNotFound):
	case create && errors.Is(err, rrd.ErrCorruptRecord):
		log.WithField("name", cds.name).WithError(err).Printf("Receiver: corrupt record, moving it aside and starting over.")
		if qerr := r.serde.Quarantine(cds.name); qerr != nil && !errors.Is(qerr, rrd.ErrNotFound) {
			return qerr
		}
		r.metrics.quarantined.Inc()
		r.dsc.setStored(cds.name, false)
	default:
		return err
	}

	spec := r.finder.FindMatchingDSSpec(cds.name)
	if ds == nil {
		if spec == nil {
			return errors.Wrapf(rrd.ErrInvalidValue, "no data source spec matches %q", cds.name)
		}
		s := *spec
		if dsType != nil {
			s.Type = *dsType
		}
		if err := s.Validate(); err != nil {
			return errors.Wrapf(err, "spec for %q", cds.name)
		}
		cds.ds = rrd.NewDataSource(s)
		cds.gen++
		return nil
	}

	r.dsc.setStored(cds.name, true)
	if spec != nil && spec.Validate() == nil {
		if migrated, changed := rrd.Migrate(ds, *spec); changed {
			log.WithField("name", cds.name).Printf("Receiver: archive layout changed, migrating.")
			r.metrics.migrated.Inc()
			ds = migrated
			cds.gen++
		}
	}
	if version < rrd.FileVersion {
		cds.gen++
	}
	cds.ds = ds
	return nil
}

// Fetch returns the step and the points of the archive of the named
// data source that best matches cf and resolution, for the half-open
// range [start, end). A data source that is not cached is loaded,
// but never created.
func (r *Receiver) Fetch(name string, cf rrd.Consolidation, resolution time.Duration, start, end time.Time) (step time.Duration, points []rrd.Point, err error) {
	defer func() { r.metrics.fetches.WithLabelValues(result(err)).Inc() }()

	if err := serde.ValidateName(name); err != nil {
		return 0, nil, err
	}
	if !cf.Valid() {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "unknown consolidation %v", cf)
	}
	if resolution <= 0 {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "resolution must be positive, got %v", resolution)
	}
	if !start.Before(end) {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "start %v is not before end %v", start, end)
	}

	cds, err := r.entry(name, false, nil)
	if err != nil {
		return 0, nil, err
	}
	defer cds.Unlock()

	rra := cds.ds.BestRRA(cf, resolution)
	if rra == nil {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "%q has no %v archive", name, cf)
	}
	if n := slotCount(start, end, rra.Step()); n > int64(r.cfg.MaxFetchPoints) {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "%d points requested, at most %d allowed", n, r.cfg.MaxFetchPoints)
	}
	return rra.Step(), rra.Fetch(start, end), nil
}

// FetchTimeframe is Fetch of the range and resolution of tf ending
// at now.
func (r *Receiver) FetchTimeframe(name string, tf rrd.Timeframe, cf rrd.Consolidation, now time.Time) (time.Duration, []rrd.Point, error) {
	if tf.Resolution() == 0 {
		return 0, nil, errors.Wrapf(rrd.ErrInvalidQuery, "unknown timeframe %d", tf)
	}
	start, end := tf.Range(now)
	return r.Fetch(name, cf, tf.Resolution(), start, end)
}

// slotCount is the number of points Fetch(start, end) returns for an
// archive of step.
func slotCount(start, end time.Time, step time.Duration) int64 {
	s := int64(step / time.Second)
	if s < 1 {
		s = 1
	}
	a := start.Unix()
	first := a / s
	if a%s < 0 {
		first--
	}
	return (end.Unix() - first*s + s - 1) / s
}

// ListMetrics returns the sorted names of all data sources, both
// those in memory and those only in storage.
func (r *Receiver) ListMetrics() []string {
	return r.dsc.names()
}

// DeleteMetric removes the data source from memory and storage.
func (r *Receiver) DeleteMetric(name string) error {
	if err := serde.ValidateName(name); err != nil {
		return err
	}
	return r.deleteMetric(name, true)
}

func (r *Receiver) deleteMetric(name string, journal bool) error {
	// a flush in progress could write the record back
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.updMu.RLock()
	defer r.updMu.RUnlock()

	// Holding the entry locked while the file is deleted keeps
	// concurrent updates from loading the file we are deleting.
	cds := r.lockedEntry(name)
	defer cds.Unlock()

	if journal && r.journal != nil {
		if _, err := r.journal.append(journalEntry{name: name, delete: true}); err != nil {
			return err
		}
	}

	err := r.serde.Delete(name)
	if err != nil && !errors.Is(err, rrd.ErrNotFound) {
		return err
	}
	inMemory := cds.ds != nil
	cds.removed = true
	r.dsc.remove(cds)
	r.dsc.setStored(name, false)
	if err != nil && !inMemory {
		return err
	}
	log.WithField("name", name).Printf("Receiver: deleted.")
	return nil
}
