package main

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// WSPRModulator walks an encoded symbol array at the WSPR symbol cadence,
// invoking a callback for every symbol. The callback is expected to retune
// the synthesizer; it runs on the modulator's own goroutine, which is the
// only writer to the synth for the duration of a transmission.
//
// Timing uses absolute deadlines (next wake = previous wake + period), so
// jitter from one symbol never accumulates into the next.
type WSPRModulator struct {
	mu sync.Mutex

	period   time.Duration
	active   bool
	index    int
	stopChan chan struct{}
}

// NewWSPRModulator returns a modulator with the standard 683 ms symbol
// period.
func NewWSPRModulator() *WSPRModulator {
	return &WSPRModulator{period: WSPRSymbolPeriodMs * time.Millisecond}
}

// Start begins modulation: onSymbol(0) is invoked immediately on the new
// worker goroutine, then one callback every symbol period until the last
// symbol, after which the modulator stops itself.
func (m *WSPRModulator) Start(symbols []byte, onSymbol func(int)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return fmt.Errorf("modulation already active")
	}
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to modulate")
	}

	m.active = true
	m.index = 0
	m.stopChan = make(chan struct{})

	// Copy so a caller reusing its buffer cannot corrupt the frame.
	syms := make([]byte, len(symbols))
	copy(syms, symbols)

	go m.run(syms, onSymbol, m.stopChan)
	return nil
}

func (m *WSPRModulator) run(symbols []byte, onSymbol func(int), stop chan struct{}) {
	onSymbol(0)

	wake := time.Now()
	for i := 1; i < len(symbols); i++ {
		wake = wake.Add(m.period)
		timer := time.NewTimer(time.Until(wake))
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		m.mu.Lock()
		if !m.active || m.stopChan != stop {
			m.mu.Unlock()
			return
		}
		m.index = i
		m.mu.Unlock()

		onSymbol(i)
	}

	m.mu.Lock()
	if m.active && m.stopChan == stop {
		m.active = false
		m.index = -1
	}
	m.mu.Unlock()
	log.Printf("Modulator: all %d symbols sent", len(symbols))
}

// Stop cancels the worker. Idempotent. A callback already in progress
// completes; no further callbacks are delivered. The caller is responsible
// for disabling the RF output afterwards.
func (m *WSPRModulator) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return
	}
	m.active = false
	m.index = -1
	close(m.stopChan)
}

// IsActive reports whether a modulation run is in progress.
func (m *WSPRModulator) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// CurrentSymbolIndex returns the index of the symbol most recently
// delivered, or ok=false when no modulation is active.
func (m *WSPRModulator) CurrentSymbolIndex() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active {
		return 0, false
	}
	return m.index, true
}
