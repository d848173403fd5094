package main

import (
	"log"
	"math/rand"
	"sync"
)

// bandNames is the canonical band order. Selection tie-breaks and the
// sequential policy both follow this order.
var bandNames = [12]string{
	"160m", "80m", "60m", "40m", "30m", "20m", "17m", "15m", "12m", "10m", "6m", "2m",
}

// BandSelectionMode is the policy for rotating over the enabled bands.
type BandSelectionMode int

const (
	BandModeSequential BandSelectionMode = iota
	BandModeRoundRobin
	BandModeRandomExhaustive
)

// ParseBandMode maps the settings-key spelling of a band mode to its value.
// Unknown strings fall back to sequential.
func ParseBandMode(s string) BandSelectionMode {
	switch s {
	case "roundRobin":
		return BandModeRoundRobin
	case "randomExhaustive":
		return BandModeRandomExhaustive
	default:
		return BandModeSequential
	}
}

func (m BandSelectionMode) String() string {
	switch m {
	case BandModeRoundRobin:
		return "roundRobin"
	case BandModeRandomExhaustive:
		return "randomExhaustive"
	default:
		return "sequential"
	}
}

// BandSelector picks the band for each transmission from the set of bands
// that are enabled and whose hourly schedule admits the current UTC hour.
//
// The random-exhaustive policy keeps a per-hour used bitmap so every
// eligible band is visited once before any repeats; the bitmap clears on
// each UTC hour rollover. The round-robin cursor survives rollovers so
// rotation continues smoothly when schedules overlap across hours.
type BandSelector struct {
	mu sync.Mutex

	settings *Settings
	randInt  func(n int) int // injectable for tests

	currentBandIndex int
	currentHour      int
	usedBands        uint16
}

// NewBandSelector creates a selector reading band state from settings.
func NewBandSelector(settings *Settings) *BandSelector {
	return &BandSelector{
		settings:         settings,
		randInt:          rand.Intn,
		currentBandIndex: 0,
		currentHour:      -1,
	}
}

// eligibleIndices returns the canonical-order indices of bands that are
// enabled and scheduled for the given UTC hour.
func (bs *BandSelector) eligibleIndices(hour int) []int {
	var out []int
	for i, name := range bandNames {
		b := bs.settings.Band(name)
		if b.Enabled && b.Schedule&(1<<uint(hour)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// Next selects the band for the next transmission given the current UTC
// hour. Returns ok=false when no band is eligible; the caller skips the
// opportunity.
func (bs *BandSelector) Next(hour int) (string, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	if hour != bs.currentHour {
		bs.currentHour = hour
		bs.usedBands = 0
	}

	eligible := bs.eligibleIndices(hour)
	if len(eligible) == 0 {
		return "", false
	}

	mode := ParseBandMode(bs.settings.GetString("bandMode", "sequential"))

	var selected int
	switch mode {
	case BandModeRoundRobin:
		// Rotation runs toward the front of the canonical list (20m ->
		// 40m -> 80m), wrapping from the first eligible band to the last.
		selected = eligible[0]
		for i, idx := range eligible {
			if idx == bs.currentBandIndex {
				selected = eligible[(i-1+len(eligible))%len(eligible)]
				break
			}
		}

	case BandModeRandomExhaustive:
		unused := make([]int, 0, len(eligible))
		for _, idx := range eligible {
			if bs.usedBands&(1<<uint(idx)) == 0 {
				unused = append(unused, idx)
			}
		}
		if len(unused) == 0 {
			// Every eligible band has had its turn; start a fresh round.
			bs.usedBands = 0
			unused = eligible
		}
		selected = unused[bs.randInt(len(unused))]
		bs.usedBands |= 1 << uint(selected)

	default: // sequential
		selected = eligible[0]
	}

	bs.currentBandIndex = selected
	log.Printf("BandSelector: selected %s (%s)", bandNames[selected], mode)
	return bandNames[selected], true
}

// Peek reports which band a transmission at the given hour would most
// likely use, without advancing any selector state. Used for the next-TX
// forecast in the status snapshot.
func (bs *BandSelector) Peek(hour int) (string, bool) {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	eligible := bs.eligibleIndices(hour)
	if len(eligible) == 0 {
		return "", false
	}
	return bandNames[eligible[0]], true
}

// CurrentBand returns the most recently selected band name.
func (bs *BandSelector) CurrentBand() string {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	return bandNames[bs.currentBandIndex]
}
