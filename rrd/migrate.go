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

// Migrate returns ds converted to the layout described by spec. If ds
// already has that layout it is returned as is and the second return
// value is false.
//
// For every RRA in spec a source RRA with the same CF is looked for
// among the old ones:
//
//   - same step and size: the data is copied as is
//   - otherwise the finest RRA whose step divides the new step: its
//     retained slots are re-binned into the new one, oldest first
//   - none: the new RRA starts empty, that history is lost
//
// Type, last update, last value and seq are carried over, the type in
// spec is ignored since changing it would make last value meaningless.
func Migrate(ds *DataSource, spec DSSpec) (*DataSource, bool) {
	if ds.SameLayout(spec) {
		return ds, false
	}

	spec.Type = ds.dsType
	result := NewDataSource(spec)
	result.updated = ds.updated
	result.lastUpdate = ds.lastUpdate
	result.lastValue = ds.lastValue
	result.seq = ds.seq

	for i, rra := range result.rras {
		src := migrationSource(ds, rra)
		switch {
		case src == nil:
			continue
		case src.step == rra.step && src.size == rra.size:
			result.rras[i] = src.Copy()
		default:
			Rebin(src, rra)
		}
	}
	return result, true
}

func migrationSource(ds *DataSource, dst *RoundRobinArchive) *RoundRobinArchive {
	var best *RoundRobinArchive
	for _, rra := range ds.rras {
		if rra.cf != dst.cf || dst.step%rra.step != 0 {
			continue
		}
		if rra.step == dst.step && rra.size == dst.size {
			return rra
		}
		if best == nil || rra.step < best.step ||
			(rra.step == best.step && rra.size > best.size) {
			best = rra
		}
	}
	return best
}

// Rebin consolidates the retained slots of src into dst, oldest
// first, using the CF of dst. The step of dst should be a multiple of
// that of src. Each src slot counts as one sample, so an AVERAGE of
// averages is not weighted by how many samples the src slots had.
func Rebin(src, dst *RoundRobinArchive) {
	for _, p := range src.points() {
		dst.Update(p.Time, p.Value)
	}
}
