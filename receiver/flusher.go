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
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Flush writes every dirty data source to storage, paced by
// MaxFlushesPerSecond. A record that fails to be written stays dirty
// and is retried on the next flush, the error returned reports how
// many failed.
func (r *Receiver) Flush(ctx context.Context) error {
	return r.flush(ctx, r.limiter)
}

func (r *Receiver) flush(ctx context.Context, limiter *rate.Limiter) (err error) {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	started := time.Now()
	defer func() {
		r.metrics.flushes.WithLabelValues(result(err)).Inc()
		r.metrics.flushDuration.Observe(time.Since(started).Seconds())
	}()

	// Once we have the write lock every update in the journal being
	// rotated has been applied, so the snapshots below include it.
	if r.journal != nil {
		r.updMu.Lock()
		err := r.journal.rotate()
		r.updMu.Unlock()
		if err != nil {
			return err
		}
	}

	written, failed := 0, 0
	for _, cds := range r.dsc.entries() {
		if err := ctx.Err(); err != nil {
			return errors.Wrapf(err, "flush interrupted after %d records", written)
		}

		data, gen, ok, err := cds.snapshot()
		if err != nil {
			log.WithField("name", cds.name).WithError(err).Printf("Receiver: flush: cannot encode")
			failed++
			continue
		}
		if !ok {
			continue
		}

		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return errors.Wrapf(err, "flush interrupted after %d records", written)
			}
		}
		if err := r.serde.Save(cds.name, data); err != nil {
			log.WithField("name", cds.name).WithError(err).Printf("Receiver: flush: write failed, will retry")
			r.metrics.writeErrors.Inc()
			failed++
			continue
		}
		cds.markFlushed(gen)
		r.dsc.setStored(cds.name, true)
		r.metrics.recordsWritten.Inc()
		written++
	}

	if failed > 0 {
		return errors.Errorf("flush: %d of %d records failed", failed, failed+written)
	}
	if r.journal != nil {
		r.journal.removeRotated()
	}
	if written > 0 {
		log.Printf("Receiver: flushed %d records in %v.", written, time.Since(started))
	}
	return nil
}
