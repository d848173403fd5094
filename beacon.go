package main

import (
	"log"
	"sync"
	"time"
)

// SynthDriver is the slice of the clock-synth driver the beacon needs.
// *Si5351 implements it; tests substitute a fake that records tuning.
type SynthDriver interface {
	SetupCLK0Smooth(baseCentiHz int64, drive SynthDrive) error
	UpdateFrequencyMinimal(centiHz int64) error
	EnableOutputs(mask byte) error
	SetCorrection(correction int32)
}

// NetworkManager abstracts the Wi-Fi/network lifecycle. The beacon only
// cares about three outcomes: station connect succeeded, it failed (fall
// back to AP), or AP mode is up.
type NetworkManager interface {
	Connect(ssid, password string, timeout time.Duration) error
	StartAccessPoint(ssid, password string) error
}

const (
	staConnectTimeout = 30 * time.Second
	timeSyncInterval  = 3600 // seconds between NTP re-syncs
)

// Beacon is the top-level controller. It owns the scheduler, modulator,
// band selector and synth handle, reacts to scheduler callbacks and
// settings changes, and keeps the composite FSM honest.
type Beacon struct {
	mu sync.Mutex

	settings  *Settings
	timeSrc   TimeSource
	fsm       *FSM
	scheduler *Scheduler
	selector  *BandSelector
	modulator *WSPRModulator
	synth     SynthDriver
	net       NetworkManager

	metrics  *BeaconMetrics // optional
	reporter *MQTTReporter  // optional
	setLED   func(on bool)  // optional TX indicator

	currentBand  string
	currentFreq  int64
	txStartUnix  int64
	lastTimeSync int64
	calibrating  bool

	running  bool
	stopChan chan struct{}
}

// NewBeacon wires the beacon core. synth may be nil when initialization
// failed; Run will then park the FSM in ERROR.
func NewBeacon(settings *Settings, timeSrc TimeSource, synth SynthDriver, net NetworkManager) *Beacon {
	b := &Beacon{
		settings:    settings,
		timeSrc:     timeSrc,
		fsm:         NewFSM(),
		selector:    NewBandSelector(settings),
		modulator:   NewWSPRModulator(),
		synth:       synth,
		net:         net,
		currentBand: "20m",
	}
	b.scheduler = NewScheduler(settings, timeSrc)
	b.scheduler.SetTransmissionStartCallback(b.onTransmissionStart)
	b.scheduler.SetTransmissionEndCallback(b.onTransmissionEnd)
	b.settings.Subscribe(b.onSettingsChanged)
	b.fsm.SetStateChangeCallback(func(n NetworkState, t TransmissionState) {
		log.Printf("Beacon: state %s / %s", n, t)
		if b.metrics != nil {
			b.metrics.SetStates(n, t)
		}
		if n == NetError {
			b.scheduler.Stop()
		}
	})
	return b
}

// SetMetrics attaches the Prometheus collectors.
func (b *Beacon) SetMetrics(m *BeaconMetrics) { b.metrics = m }

// SetReporter attaches the MQTT transmission reporter.
func (b *Beacon) SetReporter(r *MQTTReporter) { b.reporter = r }

// SetLEDFunc attaches the TX status LED control.
func (b *Beacon) SetLEDFunc(fn func(bool)) { b.setLED = fn }

// FSMState exposes the composite state for the observation surface.
func (b *Beacon) FSMState() (NetworkState, TransmissionState) { return b.fsm.States() }

// Run brings the network up and then blocks, servicing the hourly time
// re-sync, until Stop is called.
func (b *Beacon) Run() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopChan = make(chan struct{})
	stop := b.stopChan
	b.mu.Unlock()

	log.Printf("Beacon: initializing")

	if b.synth == nil {
		log.Printf("Beacon: clock synthesizer unavailable, entering ERROR")
		b.fsm.TransitionToError()
	} else {
		b.startNetworking()
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.periodicTimeSync()
		case <-stop:
			return
		}
	}
}

// Stop shuts the beacon down: scheduler halted, modulation cancelled, RF
// off.
func (b *Beacon) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopChan)
	b.mu.Unlock()

	b.scheduler.Stop()
	b.modulator.Stop()
	if b.synth != nil {
		if err := b.synth.EnableOutputs(0); err != nil {
			log.Printf("Beacon: failed to disable outputs on shutdown: %v", err)
		}
	}
	b.ledOn(false)
}

// startNetworking walks BOOTING through to READY, preferring station mode
// when credentials are present and falling back to the access point.
func (b *Beacon) startNetworking() {
	cfg := b.settings.Snapshot()

	if cfg.Wifi.Mode == "sta" && cfg.Wifi.SSID != "" {
		b.fsm.TransitionToStaConnecting()
		err := b.net.Connect(cfg.Wifi.SSID, cfg.Wifi.Password, staConnectTimeout)
		if err == nil {
			log.Printf("Beacon: connected to %s", cfg.Wifi.SSID)
			b.becomeReady()
			return
		}
		log.Printf("Beacon: station connect failed (%v), starting access point", err)
	}

	b.fsm.TransitionToAPMode()
	if err := b.net.StartAccessPoint(cfg.Wifi.APSSID, cfg.Wifi.APPassword); err != nil {
		log.Printf("Beacon: access point failed: %v", err)
		b.fsm.TransitionToError()
		return
	}
	b.becomeReady()
}

func (b *Beacon) becomeReady() {
	b.syncTime()
	b.fsm.TransitionToReady()
	b.scheduler.Start()
}

func (b *Beacon) syncTime() {
	server := b.settings.Snapshot().NTPServer
	if err := b.timeSrc.RequestSync(server); err != nil {
		log.Printf("Beacon: time sync failed: %v", err)
	}
	b.mu.Lock()
	b.lastTimeSync = b.timeSrc.NowUnix()
	b.mu.Unlock()
}

// periodicTimeSync re-disciplines the clock once an hour. Symbol timing is
// local, but the even-minute start point has to stay inside the WSPR
// decode window.
func (b *Beacon) periodicTimeSync() {
	b.mu.Lock()
	due := b.timeSrc.NowUnix()-b.lastTimeSync >= timeSyncInterval
	if due {
		b.lastTimeSync = b.timeSrc.NowUnix()
	}
	b.mu.Unlock()
	if due {
		go b.syncTime()
	}
}

// onTransmissionStart is the scheduler's start callback: pick a band,
// encode the message, program the synthesizer and hand the symbols to the
// modulator.
func (b *Beacon) onTransmissionStart() {
	if !b.fsm.CanStartTransmission() {
		log.Printf("Beacon: cannot start transmission in state %s/%s",
			b.fsm.NetworkState(), b.fsm.TransmissionState())
		b.scheduler.CancelCurrentTransmission()
		return
	}

	hour := b.timeSrc.UTCHourAt(b.timeSrc.NowUnix())
	band, ok := b.selector.Next(hour)
	if !ok {
		log.Printf("Beacon: no band eligible this hour, skipping opportunity")
		b.scheduler.CancelCurrentTransmission()
		return
	}

	freq := b.settings.Band(band).Frequency

	b.mu.Lock()
	b.currentBand = band
	b.currentFreq = freq
	b.txStartUnix = b.timeSrc.NowUnix()
	b.mu.Unlock()

	b.fsm.TransitionToTxPending()

	cfg := b.settings.Snapshot()
	msg := NewWSPRMessage(cfg.Callsign, b.settings.EffectiveLocator(), cfg.PowerDBM)
	symbols := msg.Encode()

	log.Printf("Beacon: TX start: %s %s %ddBm on %s (%.6f MHz)",
		msg.Callsign, msg.Locator, msg.PowerDBM, band, float64(freq)/1e6)

	baseCentiHz := freq * 100
	if err := b.synth.SetupCLK0Smooth(baseCentiHz, Drive8mA); err != nil {
		log.Printf("Beacon: synth setup failed, skipping transmission: %v", err)
		b.countI2CError()
		b.scheduler.CancelCurrentTransmission()
		b.fsm.TransitionToIdle()
		return
	}
	if err := b.synth.EnableOutputs(1 << 0); err != nil {
		log.Printf("Beacon: output enable failed, skipping transmission: %v", err)
		b.countI2CError()
		b.scheduler.CancelCurrentTransmission()
		b.fsm.TransitionToIdle()
		return
	}
	b.ledOn(true)
	b.fsm.TransitionToTransmitting()

	err := b.modulator.Start(symbols[:], func(i int) {
		target := baseCentiHz + wsprToneCentiHz(symbols[i])
		if err := b.synth.UpdateFrequencyMinimal(target); err != nil {
			// One wrong symbol is recoverable; a stalled frame is not.
			log.Printf("Beacon: retune for symbol %d failed: %v", i, err)
			b.countI2CError()
		}
	})
	if err != nil {
		log.Printf("Beacon: modulator start failed: %v", err)
		b.abortTransmission()
		return
	}

	if b.metrics != nil {
		b.metrics.TransmissionStarted(band)
		b.metrics.SetFrequency(freq)
	}
	if b.reporter != nil {
		b.reporter.ReportTransmissionStart(msg, band, freq)
	}
}

// onTransmissionEnd is the scheduler's end callback: silence the RF output
// and fold the transmission into the statistics.
func (b *Beacon) onTransmissionEnd() {
	b.modulator.Stop()
	if err := b.synth.EnableOutputs(0); err != nil {
		log.Printf("Beacon: output disable failed: %v", err)
		b.countI2CError()
	}
	b.ledOn(false)

	b.mu.Lock()
	band := b.currentBand
	start := b.txStartUnix
	b.mu.Unlock()

	minutes := (b.timeSrc.NowUnix() - start + 30) / 60
	if minutes < 1 {
		minutes = 1
	}
	b.settings.RecordTransmission(band, minutes)

	log.Printf("Beacon: TX end on %s", band)
	if b.metrics != nil {
		b.metrics.TransmissionEnded(band, minutes)
	}
	if b.reporter != nil {
		b.reporter.ReportTransmissionEnd(band, minutes)
	}

	b.fsm.TransitionToIdle()
}

// abortTransmission tears down a partially started transmission.
func (b *Beacon) abortTransmission() {
	b.modulator.Stop()
	if err := b.synth.EnableOutputs(0); err != nil {
		log.Printf("Beacon: output disable failed: %v", err)
	}
	b.ledOn(false)
	b.scheduler.CancelCurrentTransmission()
	b.fsm.TransitionToIdle()
}

// onSettingsChanged restarts the scheduler so new settings take effect at
// the next opportunity. An in-flight transmission is cancelled: its message
// may no longer match the configuration.
func (b *Beacon) onSettingsChanged() {
	log.Printf("Beacon: settings changed, restarting scheduler")

	b.scheduler.CancelCurrentTransmission()
	b.scheduler.Stop()
	if b.modulator.IsActive() {
		b.abortTransmission()
	}

	if b.fsm.NetworkState() == NetReady && !b.scheduler.IsCalibrationMode() {
		b.scheduler.Start()
	}
}

// EnterCalibration suppresses scheduled transmissions and parks the
// carrier on freqHz so the crystal error can be measured. While a
// transmission is running only the suppression is armed and nil is
// returned: the carrier is not parked, neither then nor when the frame ends.
func (b *Beacon) EnterCalibration(freqHz int64) error {
	b.scheduler.SetCalibrationMode(true)
	b.mu.Lock()
	b.calibrating = true
	b.mu.Unlock()

	if b.modulator.IsActive() {
		log.Printf("Beacon: calibration armed, carrier not parked while a transmission is running")
		return nil
	}
	if err := b.synth.SetupCLK0Smooth(freqHz*100, Drive8mA); err != nil {
		return err
	}
	return b.synth.EnableOutputs(1 << 0)
}

// LeaveCalibration silences the calibration carrier and re-enables the
// scheduler.
func (b *Beacon) LeaveCalibration() error {
	b.mu.Lock()
	b.calibrating = false
	b.mu.Unlock()

	err := b.synth.EnableOutputs(0)
	b.scheduler.SetCalibrationMode(false)
	return err
}

// SetCorrection applies a new crystal correction (1/100 ppm). Takes effect
// on the next synthesizer programming.
func (b *Beacon) SetCorrection(correction int32) {
	b.synth.SetCorrection(correction)
}

func (b *Beacon) ledOn(on bool) {
	if b.setLED != nil {
		b.setLED(on)
	}
}

func (b *Beacon) countI2CError() {
	if b.metrics != nil {
		b.metrics.I2CErrorOccurred()
	}
}
