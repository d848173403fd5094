package main

import (
	"log"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// StartTime anchors process uptime reporting.
var StartTime = time.Now()

// BandStatsSnapshot mirrors BandStats for the observation surface.
type BandStatsSnapshot struct {
	TxCnt int64 `json:"txCnt"`
	TxMin int64 `json:"txMin"`
}

// StatsSnapshot aggregates total and per-band transmission statistics.
type StatsSnapshot struct {
	TxCnt int64                        `json:"txCnt"`
	TxMin int64                        `json:"txMin"`
	Bands map[string]BandStatsSnapshot `json:"bands"`
}

// SystemSnapshot carries host health alongside the beacon state.
type SystemSnapshot struct {
	UptimeSeconds int64   `json:"uptimeSeconds"`
	CPUPercent    float64 `json:"cpuPercent"`
	MemoryPercent float64 `json:"memoryPercent"`
}

// StatusSnapshot is the readable state the beacon exposes to the HTTP
// layer. Field names are part of the external contract.
type StatusSnapshot struct {
	TxState  string `json:"txState"`
	NetState string `json:"netState"`

	CurBand string `json:"curBand"`
	Freq    int64  `json:"freq"`

	NextTx      int    `json:"nextTx"`
	NextTxBand  string `json:"nextTxBand"`
	NextTxFreq  int64  `json:"nextTxFreq"`
	NextTxValid bool   `json:"nextTxValid"`

	Call     string  `json:"call"`
	Locator  string  `json:"loc"`
	PowerDBM int     `json:"pwr"`
	Lat      float64 `json:"lat,omitempty"`
	Lon      float64 `json:"lon,omitempty"`

	Time        int64 `json:"time"`
	Synced      bool  `json:"synced"`
	Calibrating bool  `json:"calibrating"`

	Stats  StatsSnapshot  `json:"stats"`
	System SystemSnapshot `json:"system"`
}

// Status builds the full observation snapshot.
func (b *Beacon) Status() StatusSnapshot {
	netState, txState := b.fsm.States()
	cfg := b.settings.Snapshot()

	b.mu.Lock()
	curBand := b.currentBand
	curFreq := b.currentFreq
	calibrating := b.calibrating
	b.mu.Unlock()
	if curFreq == 0 {
		curFreq = cfg.Bands[curBand].Frequency
	}

	now := b.timeSrc.NowUnix()

	snap := StatusSnapshot{
		TxState:  txState.String(),
		NetState: netState.String(),
		CurBand:  curBand,
		Freq:     curFreq,
		Call:     cfg.Callsign,
		Locator:  normalizeLocator(b.settings.EffectiveLocator()),
		PowerDBM: normalizePower(cfg.PowerDBM),
		Time:        now,
		Synced:      b.timeSrc.IsSynced(),
		Calibrating: calibrating,
		Stats: StatsSnapshot{
			TxCnt: cfg.TotalTxCount,
			TxMin: cfg.TotalTxMinutes,
			Bands: map[string]BandStatsSnapshot{},
		},
		System: systemSnapshot(),
	}
	for name, st := range cfg.BandStats {
		snap.Stats.Bands[name] = BandStatsSnapshot{TxCnt: st.TxCount, TxMin: st.TxMinutes}
	}

	if lat, lon, err := MaidenheadToLatLon(snap.Locator); err == nil {
		snap.Lat, snap.Lon = lat, lon
	}

	// Next-transmission forecast.
	secs := b.scheduler.SecondsUntilNextActualTransmission()
	if secs >= 0 {
		snap.NextTx = secs
		snap.NextTxValid = true
		hour := b.timeSrc.UTCHourAt(now + int64(secs))
		if band, ok := b.selector.Peek(hour); ok {
			snap.NextTxBand = band
			snap.NextTxFreq = cfg.Bands[band].Frequency
		}
	} else {
		snap.NextTx = b.scheduler.SecondsUntilNextOpportunity()
		snap.NextTxBand = curBand
		snap.NextTxFreq = curFreq
		snap.NextTxValid = false
	}

	if b.metrics != nil {
		b.metrics.SetNextTxSeconds(snap.NextTx, snap.NextTxValid)
	}
	return snap
}

// systemSnapshot samples host CPU and memory. Failures degrade to zeros;
// status must never block on the OS.
func systemSnapshot() SystemSnapshot {
	s := SystemSnapshot{
		UptimeSeconds: int64(time.Since(StartTime).Seconds()),
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		s.CPUPercent = pcts[0]
	} else if err != nil {
		log.Printf("Status: cpu sample failed: %v", err)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		s.MemoryPercent = vm.UsedPercent
	}
	return s
}
