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

package rrd

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"
)

// The file format. Everything is little-endian.
//
// Version 1 (read only):
//
//   magic [8]byte, version u8, rra count u8
//   per RRA:  slots u32, step seconds u32, cf u8, current slot begin u64
//   per RRA:  slots * f64
//
// Version 2 (read only):
//
//   magic [8]byte, version u8, rra count u8
//   ds type u8, ds flags u8, last update u64, last value f64
//   per RRA:  slots u32, step seconds u32, cf u8, rra flags u8,
//             samples in current slot u32, current slot begin u64
//   per RRA:  slots * f64
//
// Version 3 is version 2 with the journal sequence (u64) appended to
// the ds header.
const (
	FileVersion = 3

	MaxRRAs  = math.MaxUint8
	MaxSlots = 1 << 24

	dsFlagUpdated  = 1 << 0
	rraFlagStarted = 1 << 0
)

// Magic is the first 8 bytes of every encoded DataSource.
var Magic = [8]byte{0x89, 'R', 'R', 'D', '\r', '\n', 0x1a, '\n'}

var byteOrder = binary.LittleEndian

type fileHeader struct {
	Magic   [8]byte
	Version uint8
	Count   uint8
}

type dsHeaderV2 struct {
	Type       uint8
	Flags      uint8
	LastUpdate uint64
	LastValue  float64
}

type dsHeaderV3 struct {
	Type       uint8
	Flags      uint8
	LastUpdate uint64
	LastValue  float64
	Seq        uint64
}

type rraHeaderV1 struct {
	Slots    uint32
	Step     uint32
	Function uint8
	Current  uint64
}

type rraHeaderV2 struct {
	Slots    uint32
	Step     uint32
	Function uint8
	Flags    uint8
	Samples  uint32
	Current  uint64
}

// MarshalBinary encodes the DS using the current FileVersion.
func (ds *DataSource) MarshalBinary() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := ds.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the encoded DS to w.
func (ds *DataSource) WriteTo(w io.Writer) (int64, error) {
	if len(ds.rras) == 0 || len(ds.rras) > MaxRRAs {
		return 0, errors.Wrapf(ErrInvalidValue, "cannot encode a data source with %d RRAs", len(ds.rras))
	}

	var buf bytes.Buffer
	var err error
	check := func(er error) {
		if er != nil && err == nil {
			err = er
		}
	}

	check(binary.Write(&buf, byteOrder, fileHeader{Magic: Magic, Version: FileVersion, Count: uint8(len(ds.rras))}))

	dsh := dsHeaderV3{Type: uint8(ds.dsType), LastUpdate: uint64(ds.lastUpdate), LastValue: ds.lastValue, Seq: ds.seq}
	if ds.updated {
		dsh.Flags |= dsFlagUpdated
	}
	check(binary.Write(&buf, byteOrder, dsh))

	for _, rra := range ds.rras {
		rh := rraHeaderV2{
			Slots:    uint32(rra.size),
			Step:     uint32(rra.step),
			Function: uint8(rra.cf),
			Samples:  rra.samples,
		}
		if rra.started {
			rh.Flags |= rraFlagStarted
			rh.Current = uint64(rra.current * rra.step)
		}
		check(binary.Write(&buf, byteOrder, rh))
	}
	for _, rra := range ds.rras {
		check(binary.Write(&buf, byteOrder, rra.dps))
	}
	if err != nil {
		return 0, err
	}

	n, err := w.Write(buf.Bytes())
	return int64(n), err
}

// UnmarshalBinary replaces the DS with the decoded data (any version).
func (ds *DataSource) UnmarshalBinary(data []byte) error {
	decoded, _, err := Decode(bytes.NewReader(data))
	if err != nil {
		return err
	}
	*ds = *decoded
	return nil
}

// Decode reads an encoded DS. Older versions are upgraded to the
// in-memory form of the current version, the version found is
// returned so that the caller can decide to rewrite it. Any
// inconsistency is reported as ErrCorruptRecord.
func Decode(r io.Reader) (*DataSource, int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, err
	}
	buf := bytes.NewReader(data)

	var fh fileHeader
	if err := binary.Read(buf, byteOrder, &fh); err != nil {
		return nil, 0, corrupt(err, "header")
	}
	if fh.Magic != Magic {
		return nil, 0, errors.Wrap(ErrCorruptRecord, "bad magic")
	}
	if fh.Count == 0 {
		return nil, 0, errors.Wrap(ErrCorruptRecord, "no RRAs")
	}

	var ds *DataSource
	switch fh.Version {
	case 1:
		ds, err = decodeV1(buf, int(fh.Count))
	case 2, 3:
		ds, err = decodeV2(buf, int(fh.Count), fh.Version)
	default:
		return nil, 0, errors.Wrapf(ErrCorruptRecord, "unknown version %d", fh.Version)
	}
	if err != nil {
		return nil, 0, err
	}
	if buf.Len() != 0 {
		return nil, 0, errors.Wrapf(ErrCorruptRecord, "%d trailing bytes", buf.Len())
	}
	return ds, int(fh.Version), nil
}

func decodeV1(buf *bytes.Reader, count int) (*DataSource, error) {
	headers := make([]rraHeaderV1, count)
	for i := range headers {
		if err := binary.Read(buf, byteOrder, &headers[i]); err != nil {
			return nil, corrupt(err, "RRA header")
		}
	}

	ds := &DataSource{dsType: GAUGE, lastValue: math.NaN(), rras: make([]*RoundRobinArchive, count)}
	for i, h := range headers {
		rra, err := newDecodedRRA(buf, h.Slots, h.Step, h.Function)
		if err != nil {
			return nil, errors.Wrapf(err, "RRA #%d", i)
		}
		rra.current = int64(h.Current) / rra.step
		rra.started = h.Current != 0 || rra.PointCount() > 0
		if rra.started && !math.IsNaN(rra.dps[rra.index(rra.current)]) {
			rra.samples = 1
		}
		rra.restorePdp()
		ds.rras[i] = rra

		// v1 has no last update, the latest slot is the best guess.
		if rra.started {
			if begin := rra.current * rra.step; !ds.updated || begin > ds.lastUpdate {
				ds.lastUpdate = begin
			}
			ds.updated = true
		}
	}
	return ds, nil
}

// decodeV2 decodes versions 2 and 3, which only differ in the ds
// header.
func decodeV2(buf *bytes.Reader, count int, version uint8) (*DataSource, error) {
	var dsh dsHeaderV3
	if version == 2 {
		var h dsHeaderV2
		if err := binary.Read(buf, byteOrder, &h); err != nil {
			return nil, corrupt(err, "data source header")
		}
		dsh = dsHeaderV3{Type: h.Type, Flags: h.Flags, LastUpdate: h.LastUpdate, LastValue: h.LastValue}
	} else if err := binary.Read(buf, byteOrder, &dsh); err != nil {
		return nil, corrupt(err, "data source header")
	}
	if !DSType(dsh.Type).Valid() {
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown data source type %d", dsh.Type)
	}
	if dsh.LastUpdate > math.MaxInt64 {
		return nil, errors.Wrapf(ErrCorruptRecord, "last update %d out of range", dsh.LastUpdate)
	}

	headers := make([]rraHeaderV2, count)
	for i := range headers {
		if err := binary.Read(buf, byteOrder, &headers[i]); err != nil {
			return nil, corrupt(err, "RRA header")
		}
	}

	ds := &DataSource{
		dsType:     DSType(dsh.Type),
		updated:    dsh.Flags&dsFlagUpdated != 0,
		lastUpdate: int64(dsh.LastUpdate),
		lastValue:  dsh.LastValue,
		seq:        dsh.Seq,
		rras:       make([]*RoundRobinArchive, count),
	}
	for i, h := range headers {
		rra, err := newDecodedRRA(buf, h.Slots, h.Step, h.Function)
		if err != nil {
			return nil, errors.Wrapf(err, "RRA #%d", i)
		}
		if h.Current%uint64(h.Step) != 0 || h.Current > math.MaxInt64 {
			return nil, errors.Wrapf(ErrCorruptRecord, "RRA #%d: current slot %d not on a step boundary", i, h.Current)
		}
		rra.started = h.Flags&rraFlagStarted != 0
		rra.current = int64(h.Current) / rra.step
		rra.samples = h.Samples
		rra.restorePdp()
		ds.rras[i] = rra
	}
	return ds, nil
}

// newDecodedRRA validates an RRA header and reads its slots. The
// slots of all RRAs follow all the headers, in the same order.
func newDecodedRRA(buf *bytes.Reader, slots, step uint32, cf uint8) (*RoundRobinArchive, error) {
	if slots == 0 || slots > MaxSlots {
		return nil, errors.Wrapf(ErrCorruptRecord, "invalid slot count %d", slots)
	}
	if step == 0 {
		return nil, errors.Wrap(ErrCorruptRecord, "zero step")
	}
	if !Consolidation(cf).Valid() {
		return nil, errors.Wrapf(ErrCorruptRecord, "unknown consolidation %d", cf)
	}
	if int64(buf.Len()) < int64(slots)*8 {
		return nil, errors.Wrapf(ErrCorruptRecord, "truncated: %d slots need %d bytes, %d left", slots, int64(slots)*8, buf.Len())
	}
	rra := &RoundRobinArchive{
		cf:   Consolidation(cf),
		step: int64(step),
		size: int64(slots),
		dps:  make([]float64, slots),
	}
	if err := binary.Read(buf, byteOrder, rra.dps); err != nil {
		return nil, corrupt(err, "slots")
	}
	return rra, nil
}

// restorePdp makes the PDP agree with the current slot.
func (rra *RoundRobinArchive) restorePdp() {
	if !rra.started {
		rra.Pdp.Reset()
		return
	}
	v := rra.dps[rra.index(rra.current)]
	switch {
	case math.IsNaN(v):
		rra.Pdp.Reset()
	case rra.samples == 0:
		rra.SetValue(v, 1)
	default:
		rra.SetValue(v, rra.samples)
	}
}

func corrupt(err error, what string) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return errors.Wrapf(ErrCorruptRecord, "truncated %s", what)
	}
	return errors.Wrapf(ErrCorruptRecord, "%s: %v", what, err)
}
