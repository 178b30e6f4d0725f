// Package sampling implements the per-source sensor state machines:
// accelerometer (vector and interrupt), battery, microphone, and scan,
// each driven by the timeout registry and emitting into chunk/stream
// FIFOs per spec.md §4.6.
package sampling

import (
	"sort"

	"github.com/HumanDynamics/openbadge-sub000/internal/record"
)

// SortTruncateScan reduces entries to at most record.ScanChunkMaxEntries,
// following spec.md §4.7's exact (not rssi-optimal) priority rule:
//  1. Partition into beacons (id >= record.BeaconIDFloor) and badges,
//     beacons first.
//  2. Sort the beacon prefix by rssi descending.
//  3. Let k = min(len(beacons), 4): these k stay in place.
//  4. Sort everything from k onward (remaining beacons + all badges) by
//     rssi descending.
//  5. Truncate to the cap.
//
// Step 4 starts at k, not at the full beacon count: a beacon outside the
// top four is ordered among the badges by rssi alone.
func SortTruncateScan(entries []record.ScanEntry) []record.ScanEntry {
	out := make([]record.ScanEntry, len(entries))
	copy(out, entries)

	var beacons, badges []record.ScanEntry
	for _, e := range out {
		if e.IsBeacon() {
			beacons = append(beacons, e)
		} else {
			badges = append(badges, e)
		}
	}
	sort.SliceStable(beacons, func(i, j int) bool { return beacons[i].RSSI > beacons[j].RSSI })

	merged := append(beacons, badges...)
	k := len(beacons)
	if k > 4 {
		k = 4
	}
	rest := merged[k:]
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].RSSI > rest[j].RSSI })

	if len(merged) > record.ScanChunkMaxEntries {
		merged = merged[:record.ScanChunkMaxEntries]
	}
	return merged
}
