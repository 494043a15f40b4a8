//
// Copyright 2015 Gregory Trubetskoy. All Rights Reserved.
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


// Package misc is misc stuff.
package misc

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	sanitizeRegexSpace       = regexp.MustCompile(`\s+`)
	sanitizeRegexNonAlphaNum = regexp.MustCompile(`[^a-zA-Z_\-0-9\./]`)
	sanitizeRegexSlashes     = regexp.MustCompile(`/+`)
)

// SanitizeName turns an arbitrary metric name into one acceptable as
// a data source name: whitespace becomes "_", characters other than
// letters, digits, "_", "-", "." and "/" are dropped, and "/"
// separated components that are empty or made of dots are removed.
func SanitizeName(name string) string {
	name = sanitizeRegexSpace.ReplaceAllString(strings.TrimSpace(name), "_")
	name = sanitizeRegexNonAlphaNum.ReplaceAllString(name, "")
	name = sanitizeRegexSlashes.ReplaceAllString(name, "/")
	parts := strings.Split(name, "/")
	kept := parts[:0]
	for _, p := range parts {
		if p == "" || strings.Trim(p, ".") == "" {
			continue
		}
		kept = append(kept, p)
	}
	return strings.Join(kept, "/")
}

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// longest suffixes first, "min" must win over "m"
	{"hour", time.Hour},
	{"min", time.Minute},
	{"mon", 30 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"w", 7 * 24 * time.Hour},
	{"y", 365 * 24 * time.Hour},
}

// BetterParseDuration is time.ParseDuration which also understands
// "min", "hour", "d" (day), "w" (week), "mon" (30 days) and "y" (365
// days) as a single unit, e.g. "30min", "1.5d" or "1y".
func BetterParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	for _, u := range durationUnits {
		if !strings.HasSuffix(s, u.suffix) {
			continue
		}
		num := strings.TrimSuffix(s, u.suffix)
		f, err := strconv.ParseFloat(num, 64)
		if err != nil {
			break // maybe something like "1h30min"
		}
		if f < 0 {
			return 0, errors.Errorf("negative duration: %q", s)
		}
		return time.Duration(f * float64(u.unit)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return d, nil
}
