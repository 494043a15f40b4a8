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

// Package daemon runs rrdcached: it reads the config, opens the
// receiver on the data directory, starts the graphite and HTTP
// services and waits for a signal to exit.
package daemon

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/tgres/rrdcache/receiver"
)

const DefaultConfigPath = "./etc/rrdcache.conf"

var (
	// Set by main.
	Version, BuildTime, GitRevision string

	cycleLogCh = make(chan struct{}, 1)
)

func parseFlags(args []string) (cfgPath string, version bool, err error) {
	flags := pflag.NewFlagSet("rrdcached", pflag.ContinueOnError)
	flags.StringVarP(&cfgPath, "config", "c", DefaultConfigPath, "path to config file")
	flags.BoolVarP(&version, "version", "v", false, "print version and exit")
	err = flags.Parse(args)
	return cfgPath, version, err
}

func printVersion() {
	fmt.Printf("rrdcached version: %v\n", Version)
	if BuildTime != "" {
		fmt.Printf("Build time: %v\n", BuildTime)
	}
	if GitRevision != "" {
		fmt.Printf("Git revision: %v\n", GitRevision)
	}
}

var savePid = func(pidPath string) error {
	f, err := os.Create(pidPath)
	if err != nil {
		return errors.Wrapf(err, "Unable to create pid file '%s'", pidPath)
	}
	defer f.Close()
	fmt.Fprintf(f, "%d\n", os.Getpid())
	log.Printf("Pid saved in %s.", pidPath)
	return nil
}

var getCwd = func() string {
	wd, err := os.Getwd()
	if err != nil {
		log.WithError(err).Printf("Unable to determine working directory")
		return ""
	}
	return wd
}

var createReceiver = func(cfg *Config, reg prometheus.Registerer) (*receiver.Receiver, error) {
	rcfg := cfg.receiverConfig()
	rcfg.Registerer = reg
	return receiver.Open(rcfg)
}

var startReceiver = func(r *receiver.Receiver) {
	r.Start()
}

// waitForSignal returns on SIGINT or SIGTERM, SIGHUP cycles the log.
var waitForSignal = func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		s := <-ch
		log.Printf("Got signal: %v", s)
		if s != syscall.SIGHUP {
			return
		}
		select {
		case cycleLogCh <- struct{}{}:
		default:
		}
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	return reg
}

// Init runs the daemon until it is told to exit. It is not to be
// confused with init().
func Init(args []string) error {

	cfgPath, version, err := parseFlags(args)
	if err != nil {
		return err
	}
	if version {
		printVersion()
		return nil
	}

	runtime.GOMAXPROCS(runtime.NumCPU())

	log.Printf("rrdcached starting (pid %d).", os.Getpid())

	cfg, err := readConfig(cfgPath)
	if err != nil {
		return errors.Wrapf(err, "Reading config file %s", cfgPath)
	}

	if err := processConfig(configer(cfg), getCwd()); err != nil { // This validates the config
		return errors.Wrapf(err, "Error in config file %s", cfgPath)
	}

	setLogLevel(cfg.LogLevel)
	stopLogCh := make(chan struct{})
	lf, err := logFileCycler(cfg.LogPath, cfg.LogCycle.Duration, cycleLogCh, stopLogCh)
	if err != nil {
		return err
	}
	defer lf.close()
	defer close(stopLogCh)
	log.Printf("rrdcached starting, config %s.", cfgPath)

	if err := savePid(cfg.PidPath); err != nil {
		return err
	}
	defer os.Remove(cfg.PidPath)

	reg := newRegistry()
	rcvr, err := createReceiver(cfg, reg)
	if err != nil {
		return errors.Wrap(err, "Unable to open the receiver")
	}

	serviceMgr := newServiceManager(rcvr, reg, cfg)
	if err := serviceMgr.run(); err != nil {
		rcvr.Stop()
		return errors.Wrap(err, "Could not run the service manager")
	}

	startReceiver(rcvr)

	waitForSignal()

	gracefulExit(rcvr, serviceMgr)
	return nil
}

func gracefulExit(rcvr *receiver.Receiver, serviceMgr *serviceManager) {

	log.Printf("Gracefully exiting...")

	log.Printf("Waiting for all TCP connections to finish...")
	serviceMgr.closeListeners(true)
	log.Printf("TCP connections finished.")

	// Stop the receiver, this flushes everything
	rcvr.Stop()

	log.Printf("All goroutines finished, exiting.")
}
