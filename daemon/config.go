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

package daemon

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/misc"
	"github.com/tgres/rrdcache/receiver"
	"github.com/tgres/rrdcache/rrd"
)

type Config struct { // Needs to be exported for TOML to work
	PidPath                  string         `toml:"pid-file"`
	LogPath                  string         `toml:"log-file"`
	LogCycle                 duration       `toml:"log-cycle-interval"`
	LogLevel                 string         `toml:"log-level"`
	DataDir                  string         `toml:"data-dir"`
	FlushInterval            duration       `toml:"flush-interval"`
	MaxFlushesPerSecond      int            `toml:"max-flushes-per-second"`
	Journal                  *bool          `toml:"journal"`
	GraphiteTextListenSpec   string         `toml:"graphite-text-listen-spec"`
	GraphiteUdpListenSpec    string         `toml:"graphite-udp-listen-spec"`
	GraphitePickleListenSpec string         `toml:"graphite-pickle-listen-spec"`
	HttpListenSpec           string         `toml:"http-listen-spec"`
	ReportStats              bool           `toml:"report-stats"`
	StatInterval             duration       `toml:"stat-interval"`
	StatsNamePrefix          string         `toml:"stats-name-prefix"`
	SpecCacheSize            int            `toml:"spec-cache-size"`
	DSs                      []ConfigDSSpec `toml:"ds"`
}

type regex struct{ *regexp.Regexp }

func (r *regex) UnmarshalText(text []byte) (err error) {
	r.Regexp, err = regexp.Compile(string(text))
	return err
}

type duration struct{ time.Duration }

func (d *duration) UnmarshalText(text []byte) (err error) {
	d.Duration, err = misc.BetterParseDuration(string(text))
	return err
}

// Needs to be exported for TOML
type ConfigDSSpec struct {
	Regexp regex
	Type   rrd.DSType
	RRAs   []ConfigRRASpec
}

// ConfigRRASpec is an RRA as written in the config file,
// "<cf>:<step>:<span>", e.g. "AVERAGE:1min:1d". Without a cf,
// "1min:1d", it is AVERAGE.
type ConfigRRASpec struct {
	Function rrd.Consolidation
	Step     time.Duration
	Span     time.Duration
}

func (r *ConfigRRASpec) UnmarshalText(text []byte) error {
	parts := strings.Split(string(text), ":")
	if len(parts) == 2 {
		parts = append([]string{"AVERAGE"}, parts...)
	}
	if len(parts) != 3 {
		return errors.Errorf("Invalid RRA specification (not enough or too many elements): %q", string(text))
	}

	var err error
	if r.Function, err = rrd.ParseConsolidation(parts[0]); err != nil {
		return err
	}
	if r.Step, err = misc.BetterParseDuration(parts[1]); err != nil {
		return errors.Wrapf(err, "Invalid Step: %q", parts[1])
	}
	if r.Span, err = misc.BetterParseDuration(parts[2]); err != nil {
		return errors.Wrapf(err, "Invalid Span: %q", parts[2])
	}
	if r.Step < time.Second || r.Step%time.Second != 0 {
		return errors.Errorf("Invalid Step: %q, must be whole seconds", parts[1])
	}
	if r.Span%r.Step != 0 {
		newSpan := r.Span / r.Step * r.Step
		log.Printf("Span (%q) is not a multiple of step (%q), auto adjusting span to %v.", parts[2], parts[1], newSpan)
		if newSpan == 0 {
			return errors.Errorf("invalid Span (%v)", newSpan)
		}
		r.Span = newSpan
	}
	return nil
}

var readConfig = func(cfgPath string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(cfgPath, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func absPath(setting, path, wd string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	if wd == "" {
		return "", errors.Errorf("%s must be absolute path if working directory cannot be determined", setting)
	}
	return filepath.Join(wd, path), nil
}

func (c *Config) processConfigPidFile(wd string) error {
	if c.PidPath == "" {
		return errors.New("pid-file setting empty")
	}
	var err error
	if c.PidPath, err = absPath("pid-file", c.PidPath, wd); err != nil {
		return err
	}
	pidDir, _ := filepath.Split(c.PidPath)
	if err := os.MkdirAll(pidDir, 0755); err != nil {
		return errors.Wrapf(err, "Unable to create directory: '%s'", pidDir)
	}
	return nil
}

func (c *Config) processConfigLogFile(wd string) error {
	if os.Getenv("RRDCACHE_LOG") != "" {
		c.LogPath = os.Getenv("RRDCACHE_LOG")
	}
	if c.LogPath == "" {
		return errors.New("log-file setting empty")
	}
	var err error
	if c.LogPath, err = absPath("log-file", c.LogPath, wd); err != nil {
		return err
	}
	logDir, _ := filepath.Split(c.LogPath)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return errors.Wrapf(err, "Unable to create directory: '%s'", logDir)
	}

	log.Printf("Logs will be written to '%s'.", c.LogPath)
	return nil
}

func (c *Config) processConfigLogCycleInterval() error {
	if c.LogCycle.Duration == 0 {
		return errors.New("log-cycle-interval setting empty")
	}
	log.Printf("Will cycle logs every %v (log-cycle-interval).", c.LogCycle.Duration)
	return nil
}

func (c *Config) processConfigLogLevel() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log-level")
	}
	return nil
}

func (c *Config) processDataDir(wd string) error {
	if os.Getenv("RRDCACHE_DATA_DIR") != "" {
		c.DataDir = os.Getenv("RRDCACHE_DATA_DIR")
	}
	if c.DataDir == "" {
		return errors.New("data-dir setting empty")
	}
	var err error
	if c.DataDir, err = absPath("data-dir", c.DataDir, wd); err != nil {
		return err
	}
	log.Printf("Data sources are stored in '%s' (data-dir).", c.DataDir)
	return nil
}

func (c *Config) processFlushInterval() error {
	if c.FlushInterval.Duration == 0 {
		log.Printf("flush-interval unspecified, defaults to %v.", receiver.DefaultFlushInterval)
		c.FlushInterval.Duration = receiver.DefaultFlushInterval
	} else if c.FlushInterval.Duration < time.Second {
		return errors.Errorf("flush-interval (%v) must be at least 1s", c.FlushInterval.Duration)
	}
	if c.MaxFlushesPerSecond < 0 {
		return errors.Errorf("max-flushes-per-second (%d) cannot be negative", c.MaxFlushesPerSecond)
	} else if c.MaxFlushesPerSecond == 0 {
		log.Printf("Flushing every %v, not rate limited (flush-interval).", c.FlushInterval.Duration)
	} else {
		log.Printf("Flushing every %v, at most %d records per second (flush-interval, max-flushes-per-second).", c.FlushInterval.Duration, c.MaxFlushesPerSecond)
	}
	return nil
}

func (c *Config) processJournal() error {
	if c.Journal == nil {
		on := true
		c.Journal = &on
	}
	if !*c.Journal {
		log.Printf("Journal is off, updates since the last flush are lost in a crash (journal).")
	}
	return nil
}

func (c *Config) processStatInterval() error {
	if c.StatInterval.Duration == 0 {
		c.StatInterval.Duration = receiver.DefaultStatInterval
	}
	if c.ReportStats {
		log.Printf("Runtime stats will be recorded every %v (stat-interval).", c.StatInterval.Duration)
	}
	return nil
}

func (c *Config) processStatsNamePrefix() error {
	if c.StatsNamePrefix == "" {
		log.Printf("stats-name-prefix is empty, defaulting to %q", receiver.DefaultStatsNamePrefix)
		c.StatsNamePrefix = receiver.DefaultStatsNamePrefix
	}
	return nil
}

func (c *Config) processSpecCacheSize() error {
	if c.SpecCacheSize == 0 {
		c.SpecCacheSize = receiver.DefaultSpecCacheSize
	}
	return nil
}

func (c *Config) processDSSpec() error {
	for n, ds := range c.DSs {
		if ds.Regexp.Regexp == nil {
			return errors.Errorf("[[ds]] #%d: regexp missing", n+1)
		}
		if err := c.dsSpec(n).Validate(); err != nil {
			return errors.Wrapf(err, "DS %q", ds.Regexp.String())
		}
	}
	log.Printf("%d data source specs configured ([[ds]]).", len(c.DSs))
	return nil
}

func (c *Config) dsSpec(n int) *rrd.DSSpec {
	ds := c.DSs[n]
	spec := &rrd.DSSpec{Type: ds.Type, RRAs: make([]rrd.RRASpec, len(ds.RRAs))}
	for i, r := range ds.RRAs {
		spec.RRAs[i] = rrd.RRASpec{Function: r.Function, Step: r.Step, Span: r.Span}
	}
	return spec
}

// FindMatchingDSSpec returns the spec of the first [[ds]] whose
// regexp matches name, or the default spec if none does.
func (c *Config) FindMatchingDSSpec(name string) *rrd.DSSpec {
	for n, ds := range c.DSs {
		if ds.Regexp.Regexp != nil && ds.Regexp.MatchString(name) {
			return c.dsSpec(n)
		}
	}
	spec := rrd.DefaultDSSpec()
	return &spec
}

// receiverConfig translates the daemon config into the receiver one.
func (c *Config) receiverConfig() receiver.Config {
	cfg := receiver.DefaultConfig()
	cfg.DataDir = c.DataDir
	cfg.FlushInterval = c.FlushInterval.Duration
	cfg.MaxFlushesPerSecond = c.MaxFlushesPerSecond
	cfg.Journal = c.Journal == nil || *c.Journal
	cfg.SpecFinder = c
	cfg.SpecCacheSize = c.SpecCacheSize
	cfg.ReportStats = c.ReportStats
	cfg.StatInterval = c.StatInterval.Duration
	cfg.StatsNamePrefix = c.StatsNamePrefix
	return cfg
}

type configer interface {
	processConfigPidFile(string) error
	processConfigLogFile(string) error
	processConfigLogCycleInterval() error
	processConfigLogLevel() error
	processDataDir(string) error
	processFlushInterval() error
	processJournal() error
	processStatInterval() error
	processStatsNamePrefix() error
	processSpecCacheSize() error
	processDSSpec() error
}

var processConfig = func(c configer, wd string) error {

	if err := c.processConfigPidFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogFile(wd); err != nil {
		return err
	}
	if err := c.processConfigLogCycleInterval(); err != nil {
		return err
	}
	if err := c.processConfigLogLevel(); err != nil {
		return err
	}
	if err := c.processDataDir(wd); err != nil {
		return err
	}
	if err := c.processFlushInterval(); err != nil {
		return err
	}
	if err := c.processJournal(); err != nil {
		return err
	}
	if err := c.processStatInterval(); err != nil {
		return err
	}
	if err := c.processStatsNamePrefix(); err != nil {
		return err
	}
	if err := c.processSpecCacheSize(); err != nil {
		return err
	}
	if err := c.processDSSpec(); err != nil {
		return err
	}
	return nil
}
