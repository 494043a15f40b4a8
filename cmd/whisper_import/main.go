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


// Whisper_import converts a tree of graphite whisper files into
// rrdcache record files. Every whisper archive becomes an RRA of the
// same step and span, points from coarser archives are only used
// where the finer ones no longer reach.
package main

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tgres/rrdcache/serde"
)

type options struct {
	whisperDir, dataDir string
	prefix              string
	include, exclude    string
	workers             int
	from, until         int64
	overwrite, dryRun   bool
	skipErrors          bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	flags := pflag.NewFlagSet("whisper_import", pflag.ContinueOnError)
	flags.StringVar(&o.whisperDir, "whisper-dir", "/opt/graphite/storage/whisper", "location of the whisper files")
	flags.StringVar(&o.dataDir, "data-dir", "./data", "rrdcache data directory to write to")
	flags.StringVar(&o.prefix, "prefix", "", "prefix this string to all imported names")
	flags.StringVar(&o.include, "include", "", "only import files whose path contains this string")
	flags.StringVar(&o.exclude, "exclude", "", "skip files whose path contains this string")
	flags.IntVarP(&o.workers, "workers", "w", runtime.NumCPU(), "number of files converted concurrently")
	flags.Int64Var(&o.from, "from", 0, "unix time of the earliest point to import (0 is no limit)")
	flags.Int64Var(&o.until, "until", 0, "unix time of the latest point to import (0 is no limit)")
	flags.BoolVar(&o.overwrite, "overwrite", false, "replace records that already exist")
	flags.BoolVarP(&o.dryRun, "dry-run", "n", false, "convert but do not write anything")
	flags.BoolVar(&o.skipErrors, "skip-errors", false, "keep going when a whisper file cannot be read")
	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	o.whisperDir = strings.TrimSuffix(o.whisperDir, "/")
	if o.workers < 1 {
		o.workers = 1
	}
	return o, nil
}

type result struct {
	imported, skipped, failed int64
}

var errStopped = errors.New("stopped")

// run walks the whisper directory feeding a pool of converters. It
// stops at the first failed file unless skipErrors is set.
func run(o *options, sd serde.SerDe) (*result, error) {
	var (
		res      result
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	paths := make(chan string)
	done := make(chan struct{})

	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for path := range paths {
				name := nameFromPath(o.whisperDir, path, o.prefix)
				imported, err := importFile(sd, path, name, o)
				switch {
				case err != nil:
					atomic.AddInt64(&res.failed, 1)
					log.WithField("path", path).WithError(err).Printf("whisper_import: failed")
					if !o.skipErrors {
						errOnce.Do(func() {
							firstErr = err
							close(done)
						})
					}
				case imported:
					atomic.AddInt64(&res.imported, 1)
				default:
					atomic.AddInt64(&res.skipped, 1)
				}
			}
		}()
	}

	walkErr := filepath.Walk(o.whisperDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !strings.HasSuffix(path, ".wsp") {
			return nil
		}
		if o.exclude != "" && strings.Contains(path, o.exclude) {
			return nil
		}
		if !strings.Contains(path, o.include) {
			return nil
		}
		select {
		case paths <- path:
			return nil
		case <-done:
			return errStopped
		}
	})
	close(paths)
	wg.Wait()

	if firstErr != nil {
		return &res, firstErr
	}
	if walkErr != nil {
		return &res, errors.Wrap(walkErr, "walking whisper dir")
	}
	return &res, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		log.Fatalf("whisper_import: %v", err)
	}

	var sd serde.SerDe
	if o.dryRun {
		sd = serde.NewMemSerDe()
	} else if sd, err = serde.NewFileSerDe(o.dataDir); err != nil {
		log.Fatalf("whisper_import: %v", err)
	}

	start := time.Now()
	res, err := run(o, sd)
	log.Printf("whisper_import: imported %d, skipped %d, failed %d in %v.",
		res.imported, res.skipped, res.failed, time.Since(start))
	if err != nil {
		log.Fatalf("whisper_import: %v", err)
	}
}
