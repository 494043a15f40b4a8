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


package misc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_SanitizeName(t *testing.T) {
	for in, out := range map[string]string{
		"foo.bar":               "foo.bar",
		"  foo bar\tbaz ":       "foo_bar_baz",
		"host/cpu/idle":         "host/cpu/idle",
		"/a//b/":                "a/b",
		"a/../b/./c":            "a/b/c",
		"weird:name*with(junk)": "weirdnamewithjunk",
		"..":                    "",
	} {
		assert.Equal(t, out, SanitizeName(in), in)
	}
}

func Test_BetterParseDuration(t *testing.T) {
	for in, out := range map[string]time.Duration{
		"10s":    10 * time.Second,
		"1h30m":  90 * time.Minute,
		"30min":  30 * time.Minute,
		"2hour":  2 * time.Hour,
		"1d":     24 * time.Hour,
		"1.5d":   36 * time.Hour,
		"2w":     14 * 24 * time.Hour,
		"1mon":   30 * 24 * time.Hour,
		"1y":     365 * 24 * time.Hour,
		" 60s  ": time.Minute,
	} {
		d, err := BetterParseDuration(in)
		if assert.NoError(t, err, in) {
			assert.Equal(t, out, d, in)
		}
	}

	for _, in := range []string{"", "d", "xd", "-1d", "10", "1 fortnight"} {
		_, err := BetterParseDuration(in)
		assert.Error(t, err, in)
	}
}
