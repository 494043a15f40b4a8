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
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

type wrkCtl struct {
	wg, startWg *sync.WaitGroup
	id          string
}

func (w *wrkCtl) ident() string { return w.id }
func (w *wrkCtl) onEnter()      { w.wg.Add(1) }
func (w *wrkCtl) onExit()       { w.wg.Done() }
func (w *wrkCtl) onStarted()    { w.startWg.Done() }

type wController interface {
	ident() string
	onEnter()
	onExit()
	onStarted()
}

// Start starts the periodic flusher and, with ReportStats, the
// runtime stats reporter. Calling it more than once does nothing.
func (r *Receiver) Start() {
	doStart(r)
}

// Stop stops the periodic flusher, waiting for a flush in progress
// (which is cut short of pacing), then flushes everything and closes
// the journal. The Receiver should not be used after Stop.
func (r *Receiver) Stop() {
	doStop(r)
}

var doStart = func(r *Receiver) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.started || r.stopped {
		return
	}
	r.started = true

	log.Printf("Receiver: starting...")
	r.stopCh = make(chan struct{})
	r.flushCtx, r.cancelFlush = context.WithCancel(context.Background())

	var startWg sync.WaitGroup
	startAllWorkers(r, &startWg)
	startWg.Wait()

	log.Printf("Receiver: Ready.")
}

var startAllWorkers = func(r *Receiver, startWg *sync.WaitGroup) {
	startFlusher(r, startWg)
	if r.cfg.ReportStats {
		startStatReporter(r, startWg)
	}
}

var startFlusher = func(r *Receiver, startWg *sync.WaitGroup) {
	log.Printf("Starting flusher (every %v)...", r.cfg.FlushInterval)
	startWg.Add(1)
	go flusher(&wrkCtl{wg: &r.workerWg, startWg: startWg, id: "flusher"}, r, r.flushCtx, r.cfg.FlushInterval, r.stopCh)
}

var startStatReporter = func(r *Receiver, startWg *sync.WaitGroup) {
	log.Printf("Starting runtime stats reporter (every %v)...", r.cfg.StatInterval)
	startWg.Add(1)
	go statReporterWorker(&wrkCtl{wg: &r.workerWg, startWg: startWg, id: "statReporter"}, r, r.cfg.StatInterval, r.stopCh)
}

var doStop = func(r *Receiver) {
	r.startMu.Lock()
	defer r.startMu.Unlock()
	if r.stopped {
		return
	}
	r.stopped = true

	if r.started {
		log.Printf("Receiver: stopping workers...")
		r.cancelFlush()
		close(r.stopCh)
		r.workerWg.Wait()
		log.Printf("Receiver: workers finished.")
	}

	log.Printf("Receiver: final flush...")
	if err := r.flush(context.Background(), nil); err != nil {
		log.WithError(err).Printf("Receiver: final flush failed, the journal is kept.")
	}
	if r.journal != nil {
		if err := r.journal.close(); err != nil {
			log.WithError(err).Printf("Receiver: closing journal")
		}
	}
	log.Printf("Receiver: stopped.")
}

type flushable interface {
	Flush(context.Context) error
}

var flusher = func(wc wController, f flushable, ctx context.Context, interval time.Duration, stopCh chan struct{}) {
	wc.onEnter()
	defer wc.onExit()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Printf("%s: started.", wc.ident())
	wc.onStarted()

	for {
		select {
		case <-stopCh:
			log.Printf("%s: exiting.", wc.ident())
			return
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				log.WithError(err).Printf("%s: flush", wc.ident())
			}
		}
	}
}
