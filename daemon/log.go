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
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

var timeNow = func() time.Time {
	return time.Now()
}

var osRename = func(a, b string) error {
	return os.Rename(a, b)
}

// logFile is the open log file, cycled by the logCycler.
type logFile struct {
	sync.Mutex
	path string
	file *os.File
}

var renameLogFile = func(logPath string) {
	logDir, logName := filepath.Split(logPath)
	filename := timeNow().Format(logName + "-20060102_150405")
	fullpath := filepath.Join(logDir, filename)
	log.Printf("Starting new log file, current log archived as: '%s'", fullpath)
	if err := osRename(logPath, fullpath); err != nil {
		log.WithError(err).Printf("Unable to archive log file '%s'", logPath)
	}
}

// cycle archives the current log file (if any) and starts a new one.
func (lf *logFile) cycle() error {
	lf.Lock()
	defer lf.Unlock()

	if lf.file != nil {
		renameLogFile(lf.path)
	}
	file, err := os.OpenFile(lf.path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(file)
	if lf.file != nil {
		lf.file.Close()
	}
	lf.file = file
	return nil
}

func (lf *logFile) close() {
	lf.Lock()
	defer lf.Unlock()
	log.SetOutput(os.Stderr)
	if lf.file != nil {
		lf.file.Close()
		lf.file = nil
	}
}

// logFileCycler opens the log file and cycles it every logCycle and
// whenever something is sent on cycleCh, until stopCh is closed.
var logFileCycler = func(logPath string, logCycle time.Duration, cycleCh, stopCh chan struct{}) (*logFile, error) {
	lf := &logFile{path: logPath}
	if err := lf.cycle(); err != nil { // Initial cycle
		return nil, fmt.Errorf("Unable to open log file '%s': %v", logPath, err)
	}

	go func() {
		ticker := time.NewTicker(logCycle)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case <-ticker.C:
			case <-cycleCh:
			}
			if err := lf.cycle(); err != nil {
				fmt.Fprintf(os.Stderr, "Unable to cycle log file '%s': %v\n", logPath, err)
			}
		}
	}()
	return lf, nil
}

func setLogLevel(level string) {
	if lvl, err := log.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
}
