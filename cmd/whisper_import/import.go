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


package main

import (
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kisielk/whisper-go/whisper"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/rrd"
	"github.com/tgres/rrdcache/serde"
)

// Aggregation method codes as stored in the whisper header.
const (
	whisperAverage = 1
	whisperSum     = 2
	whisperLast    = 3
	whisperMax     = 4
	whisperMin     = 5
)

// nameFromPath turns dir/a/b/c.wsp into prefix.a.b.c
func nameFromPath(dir, path, prefix string) string {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		rel = path
	}
	name := strings.TrimSuffix(filepath.ToSlash(rel), ".wsp")
	name = strings.Replace(name, "/", ".", -1)
	if prefix != "" {
		name = prefix + "." + name
	}
	return misc.SanitizeName(name)
}

func consolidation(method uint32) rrd.Consolidation {
	switch method {
	case whisperLast:
		return rrd.LAST
	case whisperMax:
		return rrd.MAXIMUM
	case whisperMin:
		return rrd.MINIMUM
	}
	// sum has no equivalent, average is the closest we have
	return rrd.AVERAGE
}

// specFromHeader makes a gauge with one RRA per whisper archive.
func specFromHeader(hdr *whisper.Header) rrd.DSSpec {
	cf := consolidation(uint32(hdr.Metadata.AggregationMethod))
	spec := rrd.DSSpec{Type: rrd.GAUGE}
	for _, a := range hdr.Archives {
		step := time.Duration(a.SecondsPerPoint) * time.Second
		spec.RRAs = append(spec.RRAs, rrd.RRASpec{
			Function: cf,
			Step:     step,
			Span:     time.Duration(a.Points) * step,
		})
	}
	return spec
}

type tsPoint struct {
	ts    uint32
	value float64
}

// readPoints returns all the points of a whisper file oldest first.
// Archives are read finest first and a coarser archive only
// contributes points older than what the finer ones cover.
func readPoints(w *whisper.Whisper) ([]tsPoint, error) {
	points := make(map[uint32]float64)
	var covered uint32 // earliest timestamp covered so far, 0 is none

	for i, archive := range w.Header.Archives {
		dump, err := w.DumpArchive(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading archive %d", i)
		}

		var earliest, latest uint32
		for _, p := range dump {
			// never written slots have a zero timestamp
			if p.Timestamp == 0 || math.IsNaN(p.Value) {
				continue
			}
			if covered != 0 && p.Timestamp >= covered {
				continue
			}
			points[p.Timestamp] = p.Value
			if earliest == 0 || p.Timestamp < earliest {
				earliest = p.Timestamp
			}
			if p.Timestamp > latest {
				latest = p.Timestamp
			}
		}
		if earliest == 0 {
			continue
		}

		// stale slots of a ring that wrapped long ago
		retention := archive.SecondsPerPoint * archive.Points
		if latest > retention && earliest < latest-retention {
			earliest = latest - retention
			for ts := range points {
				if ts < earliest {
					delete(points, ts)
				}
			}
		}
		if covered == 0 || earliest < covered {
			covered = earliest
		}
	}

	result := make([]tsPoint, 0, len(points))
	for ts, v := range points {
		result = append(result, tsPoint{ts, v})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ts < result[j].ts })
	return result, nil
}

// convert builds a DataSource from a whisper file, limited to points
// within [from, until] when those are non-zero.
func convert(w *whisper.Whisper, from, until int64) (*rrd.DataSource, int, error) {
	spec := specFromHeader(&w.Header)
	if err := spec.Validate(); err != nil {
		return nil, 0, err
	}
	points, err := readPoints(w)
	if err != nil {
		return nil, 0, err
	}

	ds := rrd.NewDataSource(spec)
	n := 0
	for _, p := range points {
		if from != 0 && int64(p.ts) < from {
			continue
		}
		if until != 0 && int64(p.ts) > until {
			continue
		}
		if err := ds.Update(time.Unix(int64(p.ts), 0), p.value); err != nil {
			return nil, n, errors.Wrapf(err, "point at %d", p.ts)
		}
		n++
	}
	return ds, n, nil
}

// importFile converts one whisper file and saves it as name. It
// returns false without error when the record exists and overwrite is
// off.
func importFile(sd serde.SerDe, path, name string, o *options) (bool, error) {
	if err := serde.ValidateName(name); err != nil {
		return false, err
	}
	if !o.overwrite {
		_, _, err := sd.Load(name)
		if err == nil {
			log.WithField("name", name).Debugf("whisper_import: exists, skipping")
			return false, nil
		}
		if !errors.Is(err, rrd.ErrNotFound) {
			return false, err
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	w, err := whisper.OpenWhisper(f)
	if err != nil {
		return false, errors.Wrap(err, "not a whisper file")
	}

	ds, n, err := convert(w, o.from, o.until)
	if err != nil {
		return false, err
	}
	data, err := ds.MarshalBinary()
	if err != nil {
		return false, err
	}
	if err := sd.Save(name, data); err != nil {
		return false, err
	}
	log.WithFields(log.Fields{"name": name, "points": n}).Debugf("whisper_import: imported")
	return true, nil
}
