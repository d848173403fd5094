package main

import (
	"sync/atomic"
	"testing"
	"time"
)

// newTestScheduler wires a scheduler with a fake clock, scripted dice and
// a captured end timer. The scheduler is marked active without launching
// the background worker; tests drive Tick directly.
func newTestScheduler(ft *fakeTime, settings *Settings, rolls []int) (*Scheduler, *[]func()) {
	sc := NewScheduler(settings, ft)

	rollIdx := 0
	sc.randInt = func(n int) int {
		if rollIdx < len(rolls) {
			v := rolls[rollIdx]
			rollIdx++
			return v
		}
		return 0
	}

	endFns := &[]func(){}
	sc.afterFunc = func(d time.Duration, f func()) *time.Timer {
		*endFns = append(*endFns, f)
		// Inert timer; tests fire f explicitly.
		return time.NewTimer(time.Hour)
	}

	sc.mu.Lock()
	sc.active = true
	sc.stopChan = make(chan struct{})
	sc.mu.Unlock()
	return sc, endFns
}

// waitStarts polls briefly for the asynchronous start callback to land on
// the expected count, then verifies it did not overshoot.
func waitStarts(t *testing.T, starts *atomic.Int32, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for starts.Load() < want && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(5 * time.Millisecond)
	if got := starts.Load(); got != want {
		t.Fatalf("starts = %d, want %d", got, want)
	}
}

// tickSeconds advances the fake clock one second at a time, ticking the
// scheduler at each step, the way the 1 Hz worker would.
func tickSeconds(sc *Scheduler, ft *fakeTime, n int) {
	for i := 0; i < n; i++ {
		ft.advance(1)
		sc.Tick()
	}
}

// S3: dice rolls 49, 50, 0 against txPct=50 across three even-minute
// windows produce exactly two starts.
func TestSchedulerDiceRoll(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 50)

	ft := newFakeTimeAt(12, 0, 1)
	sc, _ := newTestScheduler(ft, settings, []int{49, 50, 0})

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })

	sc.Tick() // 12:00:01, roll 49 < 50: fire
	waitStarts(t, &starts, 1)

	// The real end timer is inert here; clear the in-progress flag so the
	// next window can be evaluated, then walk second by second to 12:02:01.
	sc.CancelCurrentTransmission()
	tickSeconds(sc, ft, 120) // latch clears at 12:00:05 along the way
	waitStarts(t, &starts, 1) // roll 50 >= 50 at 12:02:00: no fire

	sc.CancelCurrentTransmission()
	tickSeconds(sc, ft, 120) // 12:04:01, roll 0: fire
	waitStarts(t, &starts, 2)
}

// The latch allows exactly one dice roll per window, resetting at
// second >= 5.
func TestSchedulerWindowLatch(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(8, 2, 0)
	sc, _ := newTestScheduler(ft, settings, nil)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })

	sc.Tick() // second 0: fire
	waitStarts(t, &starts, 1)
	sc.CancelCurrentTransmission()

	sc.Tick() // second 0 again: latch holds even with the TX flag cleared
	tickSeconds(sc, ft, 10)
	waitStarts(t, &starts, 1)
}

func TestSchedulerNoWindowOutsideFirstTwoSeconds(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(14, 0, 2) // hh:00:02: just outside
	sc, _ := newTestScheduler(ft, settings, nil)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })
	sc.Tick()
	waitStarts(t, &starts, 0)
}

func TestSchedulerOddMinuteNoOpportunity(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(14, 1, 0)
	sc, _ := newTestScheduler(ft, settings, nil)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })
	sc.Tick()
	waitStarts(t, &starts, 0)
}

// Invariant: txPct=0 never transmits, over any interval.
func TestSchedulerZeroPercentNeverFires(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 0)

	ft := newFakeTimeAt(0, 0, 0)
	sc, _ := newTestScheduler(ft, settings, nil)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })
	sc.Tick()
	tickSeconds(sc, ft, 600) // five windows
	waitStarts(t, &starts, 0)
}

// Invariant: txPct=100 with an eligible band fires at every boundary.
func TestSchedulerHundredPercentFiresEveryWindow(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(0, 0, 0)
	sc, _ := newTestScheduler(ft, settings, nil)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })

	sc.Tick()
	for w := 0; w < 4; w++ {
		waitStarts(t, &starts, int32(w+1))
		sc.CancelCurrentTransmission()
		tickSeconds(sc, ft, 120)
	}
	waitStarts(t, &starts, 5)
}

// S6: calibration mode suppresses every start.
func TestSchedulerCalibrationSuppressesStarts(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(6, 0, 0)
	sc, _ := newTestScheduler(ft, settings, nil)
	sc.SetCalibrationMode(true)

	var starts atomic.Int32
	sc.SetTransmissionStartCallback(func() { starts.Add(1) })
	sc.Tick()
	tickSeconds(sc, ft, 360) // three boundaries
	waitStarts(t, &starts, 0)

	sc.SetCalibrationMode(false)
	tickSeconds(sc, ft, 120)
	waitStarts(t, &starts, 1)
}

func TestSchedulerEndCallbackAfterCancelIsNoop(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(10, 0, 0)
	sc, endFns := newTestScheduler(ft, settings, nil)

	ends := 0
	sc.SetTransmissionEndCallback(func() { ends++ })
	sc.Tick()

	if len(*endFns) != 1 {
		t.Fatalf("end timer not armed at start (%d)", len(*endFns))
	}

	sc.CancelCurrentTransmission()
	(*endFns)[0]() // stale end timer fires after cancellation
	if ends != 0 {
		t.Fatalf("end callback ran %d times after cancel, want 0", ends)
	}
	if sc.IsTransmissionInProgress() {
		t.Fatal("transmission still marked in progress")
	}
}

func TestSchedulerEndCallbackNormalPath(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)

	ft := newFakeTimeAt(10, 0, 0)
	sc, endFns := newTestScheduler(ft, settings, nil)

	ends := 0
	sc.SetTransmissionEndCallback(func() { ends++ })
	sc.Tick()

	if !sc.IsTransmissionInProgress() {
		t.Fatal("transmission not marked in progress after start")
	}

	(*endFns)[0]()
	if ends != 1 {
		t.Fatalf("end callback ran %d times, want 1", ends)
	}
	if sc.IsTransmissionInProgress() {
		t.Fatal("transmission still in progress after end")
	}
	// A duplicate firing stays a no-op.
	(*endFns)[0]()
	if ends != 1 {
		t.Fatalf("duplicate end callback ran, ends = %d", ends)
	}
}

func TestSecondsUntilNextOpportunity(t *testing.T) {
	settings := newTestSettings()
	cases := []struct {
		minute, second int
		want           int
	}{
		{0, 0, 0},   // inside the window
		{0, 1, 0},   // still inside
		{0, 2, 118}, // just missed: wait for the next even minute
		{0, 30, 90},
		{1, 0, 60}, // odd minute
		{1, 59, 1},
		{58, 45, 75},
		{59, 30, 30},
	}
	for _, c := range cases {
		ft := newFakeTimeAt(9, c.minute, c.second)
		sc := NewScheduler(settings, ft)
		if got := sc.SecondsUntilNextOpportunity(); got != c.want {
			t.Errorf("at :%02d:%02d got %d, want %d", c.minute, c.second, got, c.want)
		}
	}
}

func TestSecondsUntilNextActualTransmission(t *testing.T) {
	settings := newTestSettings() // 20m enabled all hours by default

	ft := newFakeTimeAt(9, 1, 0) // next boundary at 9:02:00
	sc := NewScheduler(settings, ft)

	settings.SetInt("txPct", 100)
	if got := sc.SecondsUntilNextActualTransmission(); got != 60 {
		t.Errorf("txPct=100: got %d, want 60", got)
	}

	// At 50%, expect roughly every second opportunity.
	settings.SetInt("txPct", 50)
	if got := sc.SecondsUntilNextActualTransmission(); got != 180 {
		t.Errorf("txPct=50: got %d, want 180", got)
	}

	settings.SetInt("txPct", 0)
	if got := sc.SecondsUntilNextActualTransmission(); got != -1 {
		t.Errorf("txPct=0: got %d, want -1", got)
	}
}

func TestSecondsUntilNextActualTransmissionNoBands(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)
	settings.SetInt("bands.20m.en", 0) // nothing left enabled

	ft := newFakeTimeAt(9, 0, 0)
	sc := NewScheduler(settings, ft)
	if got := sc.SecondsUntilNextActualTransmission(); got != -1 {
		t.Errorf("no eligible bands: got %d, want -1", got)
	}
}

// Schedule bitmap 0 keeps the band out at every hour.
func TestScheduleBitmapGatesForecast(t *testing.T) {
	settings := newTestSettings()
	settings.SetInt("txPct", 100)
	settings.SetInt("bands.20m.sched", 0)

	ft := newFakeTimeAt(9, 0, 0)
	sc := NewScheduler(settings, ft)
	if got := sc.SecondsUntilNextActualTransmission(); got != -1 {
		t.Errorf("sched=0: got %d, want -1", got)
	}
}

func TestSchedulerStopIdempotent(t *testing.T) {
	settings := newTestSettings()
	ft := newFakeTimeAt(0, 0, 30)
	sc := NewScheduler(settings, ft)

	sc.Start()
	sc.Stop()
	sc.Stop() // must not panic or double-close
	sc.Start()
	sc.Stop()
}
