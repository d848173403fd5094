package main

import (
	"log"
	"math/rand"
	"sync"
	"time"
)

// Scheduler drives the WSPR transmit cadence. A 1 Hz tick watches the UTC
// clock; in the first two seconds of every even minute it rolls a dice
// against the configured transmit percentage and may fire the start
// callback, then arms a one-shot that fires the end callback when the
// 110.592 s frame is over.
//
// Only one dice roll happens per window: a latch set at the roll clears
// once the window is safely past (second >= 5).
type Scheduler struct {
	mu sync.Mutex

	settings *Settings
	timeSrc  TimeSource

	// Injection points for deterministic tests.
	randInt   func(n int) int
	afterFunc func(d time.Duration, f func()) *time.Timer

	onStart func()
	onEnd   func()

	active         bool
	txInProgress   bool
	windowConsumed bool
	calibration    bool

	stopChan chan struct{}
	endTimer *time.Timer
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(settings *Settings, timeSrc TimeSource) *Scheduler {
	return &Scheduler{
		settings:  settings,
		timeSrc:   timeSrc,
		randInt:   rand.Intn,
		afterFunc: time.AfterFunc,
	}
}

// SetTransmissionStartCallback installs the callback fired when a
// transmission should begin.
func (sc *Scheduler) SetTransmissionStartCallback(fn func()) {
	sc.mu.Lock()
	sc.onStart = fn
	sc.mu.Unlock()
}

// SetTransmissionEndCallback installs the callback fired when the
// transmission duration has elapsed.
func (sc *Scheduler) SetTransmissionEndCallback(fn func()) {
	sc.mu.Lock()
	sc.onEnd = fn
	sc.mu.Unlock()
}

// Start launches the 1 Hz tick worker. Starting a running scheduler is a
// no-op.
func (sc *Scheduler) Start() {
	sc.mu.Lock()
	if sc.active {
		sc.mu.Unlock()
		return
	}
	sc.active = true
	sc.txInProgress = false
	sc.windowConsumed = false
	sc.stopChan = make(chan struct{})
	stop := sc.stopChan
	sc.mu.Unlock()

	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sc.Tick()
			case <-stop:
				return
			}
		}
	}()
	log.Printf("Scheduler: started")
}

// Stop halts the tick worker and any pending end timer. Idempotent.
func (sc *Scheduler) Stop() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if !sc.active {
		// Still clear a straggling end timer from an earlier run.
		if sc.endTimer != nil {
			sc.endTimer.Stop()
			sc.endTimer = nil
		}
		return
	}
	sc.active = false
	close(sc.stopChan)
	if sc.endTimer != nil {
		sc.endTimer.Stop()
		sc.endTimer = nil
	}
	sc.txInProgress = false
	sc.windowConsumed = false
	log.Printf("Scheduler: stopped")
}

// Tick evaluates one scheduler step against the current UTC time. The
// background worker calls this once per second; tests call it directly.
func (sc *Scheduler) Tick() {
	now := sc.timeSrc.NowUnix()
	utc := time.Unix(now, 0).UTC()
	minute, second := utc.Minute(), utc.Second()

	sc.mu.Lock()
	if !sc.active {
		sc.mu.Unlock()
		return
	}

	inWindow := minute%2 == 0 && second < 2
	if inWindow && !sc.txInProgress && !sc.windowConsumed && !sc.calibration {
		sc.windowConsumed = true

		txPercent := int(sc.settings.GetInt("txPct", 0))
		roll := sc.randInt(100)
		if txPercent > 0 && roll < txPercent {
			sc.startTransmissionLocked()
		} else {
			log.Printf("Scheduler: opportunity skipped (roll %d >= %d%%)", roll, txPercent)
		}
	}

	if sc.windowConsumed && second >= 5 {
		sc.windowConsumed = false
	}
	sc.mu.Unlock()
}

func (sc *Scheduler) startTransmissionLocked() {
	if sc.txInProgress {
		return
	}
	sc.txInProgress = true
	start := sc.onStart
	log.Printf("Scheduler: transmitting for %.3f seconds", WSPRTxDurationMs/1000.0)

	sc.endTimer = sc.afterFunc(WSPRTxDurationMs*time.Millisecond, sc.transmissionEnded)

	if start != nil {
		// Run the start callback off the lock: it reprograms hardware and
		// may take a while.
		go start()
	}
}

// transmissionEnded fires when the TX duration one-shot expires. If the
// transmission was already cancelled this is a no-op.
func (sc *Scheduler) transmissionEnded() {
	sc.mu.Lock()
	if !sc.txInProgress {
		sc.mu.Unlock()
		return
	}
	sc.txInProgress = false
	end := sc.onEnd
	sc.mu.Unlock()

	if end != nil {
		end()
	}
}

// CancelCurrentTransmission marks the in-flight transmission complete. The
// armed end timer may still fire but will be a no-op.
func (sc *Scheduler) CancelCurrentTransmission() {
	sc.mu.Lock()
	sc.txInProgress = false
	sc.mu.Unlock()
}

// IsTransmissionInProgress reports whether a transmission frame is active.
func (sc *Scheduler) IsTransmissionInProgress() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.txInProgress
}

// SetCalibrationMode suppresses new transmission starts while leaving any
// in-flight transmission to complete normally.
func (sc *Scheduler) SetCalibrationMode(enabled bool) {
	sc.mu.Lock()
	sc.calibration = enabled
	sc.mu.Unlock()
	log.Printf("Scheduler: calibration mode %v", enabled)
}

// IsCalibrationMode reports whether calibration mode is active.
func (sc *Scheduler) IsCalibrationMode() bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.calibration
}

// SecondsUntilNextOpportunity computes the wait until the next even-minute
// window, directly from the current UTC minute and second.
func (sc *Scheduler) SecondsUntilNextOpportunity() int {
	utc := time.Unix(sc.timeSrc.NowUnix(), 0).UTC()
	minute, second := utc.Minute(), utc.Second()
	if minute%2 == 0 {
		if second < 2 {
			return 0
		}
		return 120 - second
	}
	return 60 - second
}

// anyBandEligible reports whether any enabled band is scheduled for the
// given UTC hour.
func (sc *Scheduler) anyBandEligible(hour int) bool {
	for _, name := range bandNames {
		b := sc.settings.Band(name)
		if b.Enabled && b.Schedule&(1<<uint(hour)) != 0 {
			return true
		}
	}
	return false
}

// SecondsUntilNextActualTransmission estimates when the next transmission
// will really start: it walks the even-minute opportunities up to 24 hours
// ahead, counts those falling in an hour with an eligible band, and returns
// the time to the (100/txPct)-th one. Returns -1 when txPct is zero or
// nothing is schedulable inside the horizon.
func (sc *Scheduler) SecondsUntilNextActualTransmission() int {
	txPercent := int(sc.settings.GetInt("txPct", 0))
	if txPercent <= 0 {
		return -1
	}
	needed := 100 / txPercent
	if needed < 1 {
		needed = 1
	}

	now := sc.timeSrc.NowUnix()
	// First even-minute boundary strictly after now.
	next := now - now%120 + 120

	opportunities := 0
	for t := next; t <= now+24*3600; t += 120 {
		if sc.anyBandEligible(sc.timeSrc.UTCHourAt(t)) {
			opportunities++
			if opportunities >= needed {
				return int(t - now)
			}
		}
	}
	return -1
}
