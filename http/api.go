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

// Package http provides the HTTP API for querying and updating the
// data sources of a receiver.
package http

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/receiver"
	"github.com/tgres/rrdcache/rrd"
)

const (
	// Without a resolution a fetch asks for about this many points.
	DefaultFetchPoints = 1000
	DefaultFetchRange  = time.Hour
)

var timeNow = time.Now

// NewRouter returns the router serving the API of rcvr. With a
// non-nil gatherer prometheus metrics are served at /metrics.
func NewRouter(rcvr *receiver.Receiver, gatherer prometheus.Gatherer) *httprouter.Router {
	router := httprouter.New()
	router.GET("/ping", PingHandler)
	router.GET("/api/v1/metrics", MetricsListHandler(rcvr))
	router.GET("/api/v1/data/*name", makeGzipHandler(DataFetchHandler(rcvr)))
	router.POST("/api/v1/data/*name", DataUpdateHandler(rcvr))
	router.DELETE("/api/v1/data/*name", DataDeleteHandler(rcvr))
	router.POST("/api/v1/flush", FlushHandler(rcvr))
	router.HandlerFunc("GET", "/pixel", PixelHandler(rcvr))
	if gatherer != nil {
		router.Handler("GET", "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return router
}

type apiError struct {
	Error string `json:"error"`
}

// errorStatus maps the rrd error taxonomy onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, rrd.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, rrd.ErrInvalidQuery), errors.Is(err, rrd.ErrInvalidValue):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Printf("http: writing response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).Printf("http: %s %s", r.Method, r.URL.Path)
	}
	writeJSON(w, status, &apiError{Error: err.Error()})
}

func dataSourceName(ps httprouter.Params) string {
	return strings.TrimPrefix(ps.ByName("name"), "/")
}

func PingHandler(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	fmt.Fprintf(w, "OK\n")
}

func MetricsListHandler(rcvr *receiver.Receiver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		names := rcvr.ListMetrics()
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, names)
	}
}

// A point is encoded as [time, value], a NaN value as null.
type jsonPoint rrd.Point

func (p jsonPoint) MarshalJSON() ([]byte, error) {
	if math.IsNaN(p.Value) {
		return []byte(fmt.Sprintf("[%d,null]", p.Time.Unix())), nil
	}
	return []byte(fmt.Sprintf("[%d,%s]", p.Time.Unix(), strconv.FormatFloat(p.Value, 'g', -1, 64))), nil
}

type fetchResponse struct {
	Name   string      `json:"name"`
	CF     string      `json:"cf"`
	Step   int64       `json:"step"`
	Points []jsonPoint `json:"points"`
}

// DataFetchHandler serves GET /api/v1/data/<name> with either
// timeframe (hour, day, ...) or resolution, start and end. Times are
// unix seconds, "now" or relative to now such as "-1d".
func DataFetchHandler(rcvr *receiver.Receiver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, errors.Wrap(rrd.ErrInvalidQuery, err.Error()))
			return
		}
		name := dataSourceName(ps)

		cf := rrd.AVERAGE
		if s := r.FormValue("cf"); s != "" {
			var err error
			if cf, err = rrd.ParseConsolidation(s); err != nil {
				writeError(w, r, err)
				return
			}
		}

		var (
			step   time.Duration
			points []rrd.Point
			err    error
		)
		if s := r.FormValue("timeframe"); s != "" {
			tf, perr := rrd.ParseTimeframe(s)
			if perr != nil {
				writeError(w, r, perr)
				return
			}
			step, points, err = rcvr.FetchTimeframe(name, tf, cf, timeNow())
		} else {
			var start, end time.Time
			if start, end, err = parseRange(r.FormValue("start"), r.FormValue("end")); err != nil {
				writeError(w, r, err)
				return
			}
			resolution := end.Sub(start) / DefaultFetchPoints
			if s := r.FormValue("resolution"); s != "" {
				if resolution, err = misc.BetterParseDuration(s); err != nil {
					writeError(w, r, errors.Wrap(rrd.ErrInvalidQuery, err.Error()))
					return
				}
			}
			if resolution < time.Second {
				resolution = time.Second
			}
			step, points, err = rcvr.Fetch(name, cf, resolution, start, end)
		}
		if err != nil {
			writeError(w, r, err)
			return
		}

		resp := &fetchResponse{Name: name, CF: cf.String(), Step: int64(step / time.Second), Points: make([]jsonPoint, len(points))}
		for i, p := range points {
			resp.Points[i] = jsonPoint(p)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// DataUpdateHandler serves POST /api/v1/data/<name> with value and
// optionally time (default now) and type (used if the data source is
// created).
func DataUpdateHandler(rcvr *receiver.Receiver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := r.ParseForm(); err != nil {
			writeError(w, r, errors.Wrap(rrd.ErrInvalidValue, err.Error()))
			return
		}
		name := dataSourceName(ps)

		value, err := strconv.ParseFloat(r.FormValue("value"), 64)
		if err != nil {
			writeError(w, r, errors.Wrapf(rrd.ErrInvalidValue, "value: %v", err))
			return
		}
		ts := timeNow()
		if t, err := parseTime(r.FormValue("time")); err != nil {
			writeError(w, r, err)
			return
		} else if t != nil {
			ts = *t
		}
		var opts receiver.UpdateOptions
		if s := r.FormValue("type"); s != "" {
			typ, err := rrd.ParseDSType(s)
			if err != nil {
				writeError(w, r, err)
				return
			}
			opts.Type = &typ
		}

		if err := rcvr.UpdateWith(name, ts, value, opts); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func DataDeleteHandler(rcvr *receiver.Receiver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if err := rcvr.DeleteMetric(dataSourceName(ps)); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func FlushHandler(rcvr *receiver.Receiver) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		if err := rcvr.Flush(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// parseRange defaults end to now and start to DefaultFetchRange
// before end.
func parseRange(startStr, endStr string) (time.Time, time.Time, error) {
	end := timeNow()
	t, err := parseTime(endStr)
	if err != nil {
		return end, end, err
	}
	if t != nil {
		end = *t
	}
	start := end.Add(-DefaultFetchRange)
	if t, err = parseTime(startStr); err != nil {
		return start, end, err
	}
	if t != nil {
		start = *t
	}
	return start, end, nil
}

func parseTime(s string) (*time.Time, error) {

	if len(s) == 0 {
		return nil, nil
	}

	if s[0] == '-' { // relative
		dur, err := misc.BetterParseDuration(s[1:])
		if err != nil {
			return nil, errors.Wrapf(rrd.ErrInvalidQuery, "parsing relative time %q: %v", s, err)
		}
		t := timeNow().Add(-dur)
		return &t, nil
	}
	if s == "now" {
		t := timeNow()
		return &t, nil
	}
	i, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(rrd.ErrInvalidQuery, "parsing absolute time %q: %v", s, err)
	}
	t := time.Unix(i, 0)
	return &t, nil
}

// Gzip Compression
type gzipResponseWriter struct {
	io.Writer
	http.ResponseWriter
}

func (w gzipResponseWriter) Write(b []byte) (int, error) {
	return w.Writer.Write(b)
}

func makeGzipHandler(fn httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			fn(w, r, ps)
			return
		}
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		gzr := gzipResponseWriter{Writer: gz, ResponseWriter: w}
		fn(gzr, r, ps)
	}
}
