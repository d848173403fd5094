package main

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// TimeSource supplies UTC time to the scheduler and beacon. WSPR lives or
// dies on clock accuracy (the decode window is about two seconds wide), so
// the real implementation disciplines the local clock against NTP; tests
// substitute a fake that advances deterministically.
type TimeSource interface {
	// NowUnix returns the current UTC time in Unix seconds.
	NowUnix() int64
	// UTCHourAt returns the UTC hour (0..23) at the given Unix time.
	UTCHourAt(unix int64) int
	// IsSynced reports whether the clock has been disciplined at least once.
	IsSynced() bool
	// RequestSync re-synchronizes against the named NTP server.
	RequestSync(server string) error
}

// SystemTime is the production TimeSource: the OS clock plus an offset
// measured from an NTP server. The offset approach avoids needing
// privileges to step the system clock.
type SystemTime struct {
	mu       sync.RWMutex
	offset   time.Duration
	synced   bool
	lastSync time.Time
}

// NewSystemTime returns an undisciplined system time source.
func NewSystemTime() *SystemTime {
	return &SystemTime{}
}

// NowUnix returns the disciplined current time in Unix seconds.
func (t *SystemTime) NowUnix() int64 {
	t.mu.RLock()
	off := t.offset
	t.mu.RUnlock()
	return time.Now().Add(off).Unix()
}

// UTCHourAt returns the UTC hour at the given Unix second.
func (t *SystemTime) UTCHourAt(unix int64) int {
	return time.Unix(unix, 0).UTC().Hour()
}

// IsSynced reports whether at least one NTP sync has completed.
func (t *SystemTime) IsSynced() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.synced
}

// LastSync returns the wall time of the most recent successful sync, zero
// if none has happened yet.
func (t *SystemTime) LastSync() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastSync
}

// RequestSync queries the NTP server once and stores the measured clock
// offset. Failures leave the previous discipline in place.
func (t *SystemTime) RequestSync(server string) error {
	if server == "" {
		return fmt.Errorf("no NTP server configured")
	}
	resp, err := ntp.Query(server)
	if err != nil {
		return fmt.Errorf("NTP query to %s failed: %w", server, err)
	}
	if err := resp.Validate(); err != nil {
		return fmt.Errorf("NTP response from %s invalid: %w", server, err)
	}

	t.mu.Lock()
	t.offset = resp.ClockOffset
	t.synced = true
	t.lastSync = time.Now()
	t.mu.Unlock()

	log.Printf("Time: synced to %s, offset %v", server, resp.ClockOffset)
	return nil
}
