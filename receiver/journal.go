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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/tgres/rrdcache/rrd"
)

const (
	journalName = "rrd.journal"

	// In the type field of a journal line, marks a deletion.
	journalDelete = "DELETE"
)

// The journal is an append-only text file of every update applied
// since the last successful flush, one per line:
//
//   <seq>:<unix seconds>:<value>:<type>:<name>
//
// Before a flush it is rotated (renamed to rrd.journal-<unixnano>),
// once every dirty record is written the rotated files are removed.
// Lines are written, not synced, which survives a crash of the
// process but not necessarily of the machine.
//
// Every line gets the next sequence number and a data source stores
// the sequence of the latest line applied to it, so a replay applies
// exactly the lines the stored record is missing. Numbering starts at
// the time of opening in nanoseconds, above anything a previous run
// could have reached unless the clock went back.
type journal struct {
	sync.Mutex
	dir     string
	file    *os.File
	written int64
	rotated []string
	seq     uint64
}

type journalEntry struct {
	seq    uint64
	ts     time.Time
	value  float64
	dsType rrd.DSType
	name   string
	delete bool
}

func (e journalEntry) String() string {
	if e.delete {
		return fmt.Sprintf("%d:0:0:%s:%s", e.seq, journalDelete, e.name)
	}
	return fmt.Sprintf("%d:%d:%s:%s:%s", e.seq, e.ts.Unix(), strconv.FormatFloat(e.value, 'g', -1, 64), e.dsType, e.name)
}

func parseJournalLine(line string) (journalEntry, error) {
	var e journalEntry
	parts := strings.SplitN(line, ":", 5)
	if len(parts) != 5 || parts[4] == "" {
		return e, errors.Errorf("malformed journal line: %q", line)
	}
	var err error
	if e.seq, err = strconv.ParseUint(parts[0], 10, 64); err != nil || e.seq == 0 {
		return e, errors.Errorf("bad sequence in journal line %q", line)
	}
	e.name = parts[4]
	if parts[3] == journalDelete {
		e.delete = true
		return e, nil
	}
	secs, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return e, errors.Wrapf(err, "bad time stamp in journal line %q", line)
	}
	e.ts = time.Unix(secs, 0)
	if e.value, err = strconv.ParseFloat(parts[2], 64); err != nil {
		return e, errors.Wrapf(err, "bad value in journal line %q", line)
	}
	if e.dsType, err = rrd.ParseDSType(parts[3]); err != nil {
		return e, errors.Wrapf(err, "bad type in journal line %q", line)
	}
	return e, nil
}

var journalClock = time.Now

// openJournal renames any journal left behind by a previous run so
// that it can be replayed, then starts a new one.
func openJournal(dir string) (*journal, error) {
	j := &journal{dir: dir, seq: uint64(journalClock().UnixNano())}
	path := filepath.Join(dir, journalName)
	if fi, err := os.Stat(path); err == nil && fi.Size() > 0 {
		if err := j.rotateFile(); err != nil {
			return nil, err
		}
	}
	old, err := filepath.Glob(path + "-*")
	if err != nil {
		return nil, err
	}
	j.rotated = sortJournals(old)
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

// sortJournals orders rotated journals oldest first by their suffix.
func sortJournals(paths []string) []string {
	suffix := func(p string) int64 {
		n, _ := strconv.ParseInt(p[strings.LastIndex(p, "-")+1:], 10, 64)
		return n
	}
	sort.SliceStable(paths, func(i, j int) bool { return suffix(paths[i]) < suffix(paths[j]) })
	return paths
}

func (j *journal) path() string { return filepath.Join(j.dir, journalName) }

func (j *journal) open() error {
	f, err := os.OpenFile(j.path(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &rrd.IOError{Op: "open", Name: j.path(), Err: err}
	}
	j.file = f
	j.written = 0
	return nil
}

func (j *journal) rotateFile() error {
	rotated := fmt.Sprintf("%s-%d", j.path(), time.Now().UnixNano())
	if err := os.Rename(j.path(), rotated); err != nil {
		return &rrd.IOError{Op: "rotate", Name: j.path(), Err: err}
	}
	j.rotated = append(j.rotated, rotated)
	return nil
}

// append writes e under the next sequence number, which it returns.
func (j *journal) append(e journalEntry) (uint64, error) {
	j.Lock()
	defer j.Unlock()
	if j.file == nil {
		return 0, &rrd.IOError{Op: "append", Name: j.path(), Err: os.ErrClosed}
	}
	e.seq = j.seq + 1
	n, err := j.file.WriteString(e.String() + "\n")
	j.written += int64(n)
	if err != nil {
		return 0, &rrd.IOError{Op: "append", Name: j.path(), Err: err}
	}
	j.seq = e.seq
	return e.seq, nil
}

// observe makes sure new lines are numbered after seq.
func (j *journal) observe(seq uint64) {
	j.Lock()
	if seq > j.seq {
		j.seq = seq
	}
	j.Unlock()
}

// rotate starts a new journal, unless nothing was written to the
// current one.
func (j *journal) rotate() error {
	j.Lock()
	defer j.Unlock()
	if j.file == nil || j.written == 0 {
		return nil
	}
	if err := j.file.Close(); err != nil {
		log.WithError(err).Printf("journal: error closing %s", j.path())
	}
	j.file = nil
	if err := j.rotateFile(); err != nil {
		// keep appending to the same file
		if oerr := j.open(); oerr != nil {
			log.WithError(oerr).Printf("journal: cannot reopen %s", j.path())
		}
		return err
	}
	return j.open()
}

// removeRotated deletes the rotated journals, which is only correct
// once everything they contain has been written.
func (j *journal) removeRotated() {
	j.Lock()
	defer j.Unlock()
	var kept []string
	for _, path := range j.rotated {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).Printf("journal: cannot remove %s", path)
			kept = append(kept, path)
		}
	}
	j.rotated = kept
}

func (j *journal) rotatedFiles() []string {
	j.Lock()
	defer j.Unlock()
	return append([]string(nil), j.rotated...)
}

func (j *journal) close() error {
	j.Lock()
	defer j.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// readJournal calls fn for every valid line of the file at path.
// Malformed lines are logged and skipped, their count is returned.
func readJournal(path string, fn func(journalEntry)) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, &rrd.IOError{Op: "replay", Name: path, Err: err}
	}
	defer f.Close()

	bad := 0
	scanner := bufio.NewScanner(f)
	for lineNo := 1; scanner.Scan(); lineNo++ {
		line := scanner.Text()
		if line == "" {
			continue
		}
		e, err := parseJournalLine(line)
		if err != nil {
			log.WithError(err).Printf("journal: %s:%d: skipping", path, lineNo)
			bad++
			continue
		}
		fn(e)
	}
	if err := scanner.Err(); err != nil {
		return bad, &rrd.IOError{Op: "replay", Name: path, Err: err}
	}
	return bad, nil
}
