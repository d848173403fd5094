package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// BandConfig holds the per-band transmit configuration.
type BandConfig struct {
	Enabled   bool   `yaml:"en" json:"en"`
	Frequency int64  `yaml:"freq" json:"freq"`   // carrier frequency in Hz
	Schedule  uint32 `yaml:"sched" json:"sched"` // 24-bit bitmap, bit h = active in UTC hour h
}

// BandStats holds cumulative per-band transmission statistics.
type BandStats struct {
	TxCount   int64 `yaml:"tx_cnt" json:"txCnt"`
	TxMinutes int64 `yaml:"tx_min" json:"txMin"`
}

// GPSConfig holds station coordinates, used to derive the grid locator
// when none is configured.
type GPSConfig struct {
	Lat float64 `yaml:"lat"`
	Lon float64 `yaml:"lon"`
}

// WifiConfig holds network provisioning settings.
type WifiConfig struct {
	Mode       string `yaml:"mode"` // "sta" or "ap"
	SSID       string `yaml:"ssid"`
	Password   string `yaml:"password"`
	APSSID     string `yaml:"ap_ssid"`
	APPassword string `yaml:"ap_password"`
}

// SynthConfig holds clock-synthesizer hardware settings.
type SynthConfig struct {
	I2CBus     string `yaml:"i2c_bus"`    // periph bus name, "" = first available
	I2CAddress uint16 `yaml:"i2c_addr"`   // 7-bit device address (default 0x60)
	CrystalHz  int32  `yaml:"crystal_hz"` // reference crystal (default 25 MHz)
	Correction int32  `yaml:"correction"` // frequency correction in 1/100 ppm
}

// MQTTReportConfig holds optional MQTT transmission reporting settings.
type MQTTReportConfig struct {
	Broker      string `yaml:"broker"` // empty = reporting disabled
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// BeaconConfig is the full on-disk configuration. Persisted values merge
// over the compiled-in defaults at load time.
type BeaconConfig struct {
	Hostname string `yaml:"hostname"`

	Callsign  string `yaml:"callsign"`
	Locator   string `yaml:"locator"`
	PowerDBM  int    `yaml:"power_dbm"`
	TxPercent int    `yaml:"tx_percent"` // probability of transmitting at each opportunity
	BandMode  string `yaml:"band_mode"`  // sequential | roundRobin | randomExhaustive

	Bands map[string]*BandConfig `yaml:"bands"`

	GPS   GPSConfig        `yaml:"gps"`
	Wifi  WifiConfig       `yaml:"wifi"`
	Synth SynthConfig      `yaml:"synth"`
	MQTT  MQTTReportConfig `yaml:"mqtt"`

	NTPServer    string `yaml:"ntp_server"`
	StatusLEDPin string `yaml:"status_led_pin"` // periph GPIO name, "" = no LED
	Listen       string `yaml:"listen"`         // observation listener (/metrics, /api/status)

	TotalTxCount   int64                 `yaml:"total_tx_cnt"`
	TotalTxMinutes int64                 `yaml:"total_tx_min"`
	BandStats      map[string]*BandStats `yaml:"band_stats"`
}

// defaultConfig returns the compiled-in defaults, including the stock WSPR
// band plan. Only 20m starts enabled.
func defaultConfig() *BeaconConfig {
	cfg := &BeaconConfig{
		Hostname:  "wspr-beacon",
		Callsign:  "N0CALL",
		Locator:   "AA00aa",
		PowerDBM:  10,
		TxPercent: 100,
		BandMode:  "sequential",
		Bands:     map[string]*BandConfig{},
		Wifi: WifiConfig{
			Mode: "sta",
		},
		Synth: SynthConfig{
			I2CAddress: 0x60,
			CrystalHz:  25000000,
		},
		NTPServer: "pool.ntp.org",
		Listen:    ":8080",
		BandStats: map[string]*BandStats{},
	}

	allHours := uint32(0xFFFFFF)
	defaults := []struct {
		name    string
		freq    int64
		sched   uint32
		enabled bool
	}{
		{"160m", 1836600, allHours, false},
		{"80m", 3568600, allHours, false},
		{"60m", 5287200, allHours, false},
		{"40m", 7038600, allHours, false},
		{"30m", 10138700, allHours, false},
		{"20m", 14095600, allHours, true},
		{"17m", 18104600, allHours, false},
		{"15m", 21094600, allHours, false},
		{"12m", 24924600, allHours, false},
		{"10m", 28124600, allHours, false},
		{"6m", 50293000, allHours, false},
		{"2m", 144488500, allHours, false},
	}
	for _, d := range defaults {
		cfg.Bands[d.name] = &BandConfig{Enabled: d.enabled, Frequency: d.freq, Schedule: d.sched}
		cfg.BandStats[d.name] = &BandStats{}
	}
	return cfg
}

// Settings is the runtime settings store: a typed configuration guarded by
// a lock, persisted as YAML, with a string-key accessor layer for the
// external control surface and change notification for the beacon core.
//
// Single writer (the change handlers), many readers; readers may observe a
// value up to one scheduler tick stale, which the core tolerates.
type Settings struct {
	mu       sync.RWMutex
	cfg      *BeaconConfig
	path     string
	onChange []func()
	suppress bool // batch mode: hold notifications until the batch ends
}

// LoadSettings reads the YAML settings file at path, merging persisted
// values over the defaults. A missing file is not an error: the defaults
// are used and the file is created on first save.
func LoadSettings(path string) (*Settings, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
			}
		case os.IsNotExist(err):
			log.Printf("Settings: %s not found, using defaults", path)
		default:
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	// Bands removed from the file still need entries.
	for _, name := range bandNames {
		if cfg.Bands[name] == nil {
			cfg.Bands[name] = &BandConfig{}
		}
		if cfg.BandStats[name] == nil {
			cfg.BandStats[name] = &BandStats{}
		}
	}
	if cfg.TxPercent < 0 {
		cfg.TxPercent = 0
	}
	if cfg.TxPercent > 100 {
		cfg.TxPercent = 100
	}

	return &Settings{cfg: cfg, path: path}, nil
}

// Subscribe registers a callback invoked after every settings mutation.
func (s *Settings) Subscribe(fn func()) {
	s.mu.Lock()
	s.onChange = append(s.onChange, fn)
	s.mu.Unlock()
}

func (s *Settings) notify() {
	s.mu.RLock()
	subs := append([]func(){}, s.onChange...)
	suppressed := s.suppress
	s.mu.RUnlock()
	if suppressed {
		return
	}
	for _, fn := range subs {
		fn()
	}
}

// Save persists the current configuration. A failed save is non-fatal: the
// in-memory values stay live and the next boot reverts.
func (s *Settings) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.cfg)
	path := s.path
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

func (s *Settings) saveQuiet() {
	if err := s.Save(); err != nil {
		log.Printf("Settings: save failed (keeping in-memory values): %v", err)
	}
}

// EffectiveLocator returns the locator to transmit: the configured grid
// square when it parses, otherwise one derived from the configured
// coordinates. The encoder's own coercion handles anything left over.
func (s *Settings) EffectiveLocator() string {
	s.mu.RLock()
	loc := s.cfg.Locator
	gps := s.cfg.GPS
	s.mu.RUnlock()

	if validLocator(strings.ToUpper(loc)) {
		return loc
	}
	if gps.Lat != 0 || gps.Lon != 0 {
		return LatLonToGrid(gps.Lat, gps.Lon)
	}
	return loc
}

// Band returns a copy of the configuration for the named band.
func (s *Settings) Band(name string) BandConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if b := s.cfg.Bands[name]; b != nil {
		return *b
	}
	return BandConfig{}
}

// Snapshot returns a deep copy of the full configuration.
func (s *Settings) Snapshot() BeaconConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := *s.cfg
	out.Bands = map[string]*BandConfig{}
	out.BandStats = map[string]*BandStats{}
	for k, v := range s.cfg.Bands {
		b := *v
		out.Bands[k] = &b
	}
	for k, v := range s.cfg.BandStats {
		st := *v
		out.BandStats[k] = &st
	}
	return out
}

// bandKey splits a "bands.<band>.<field>" key. ok is false for any other
// shape or an unknown band name.
func bandKey(key string) (band, field string, ok bool) {
	parts := strings.Split(key, ".")
	if len(parts) != 3 || parts[0] != "bands" {
		return "", "", false
	}
	for _, n := range bandNames {
		if parts[1] == n {
			return parts[1], parts[2], true
		}
	}
	return "", "", false
}

// GetString reads a settings value by its external key name.
func (s *Settings) GetString(key, def string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch key {
	case "call":
		return s.cfg.Callsign
	case "loc":
		return s.cfg.Locator
	case "bandMode":
		return s.cfg.BandMode
	case "wifiMode":
		return s.cfg.Wifi.Mode
	case "ssid":
		return s.cfg.Wifi.SSID
	case "pwd":
		return s.cfg.Wifi.Password
	case "ssidAp":
		return s.cfg.Wifi.APSSID
	case "pwdAp":
		return s.cfg.Wifi.APPassword
	case "hostname":
		return s.cfg.Hostname
	}
	return def
}

// GetInt reads an integer settings value by its external key name.
// Band fields use "bands.<band>.en|freq|sched"; statistics use
// "totalTxCnt", "totalTxMin", "<band>TxCnt" and "<band>TxMin".
func (s *Settings) GetInt(key string, def int64) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch key {
	case "pwr":
		return int64(s.cfg.PowerDBM)
	case "txPct":
		return int64(s.cfg.TxPercent)
	case "totalTxCnt":
		return s.cfg.TotalTxCount
	case "totalTxMin":
		return s.cfg.TotalTxMinutes
	}
	if band, field, ok := bandKey(key); ok {
		b := s.cfg.Bands[band]
		switch field {
		case "en":
			if b.Enabled {
				return 1
			}
			return 0
		case "freq":
			return b.Frequency
		case "sched":
			return int64(b.Schedule)
		}
		return def
	}
	for _, n := range bandNames {
		if key == n+"TxCnt" {
			return s.cfg.BandStats[n].TxCount
		}
		if key == n+"TxMin" {
			return s.cfg.BandStats[n].TxMinutes
		}
	}
	return def
}

// SetString writes a string settings value, persists, and notifies
// subscribers.
func (s *Settings) SetString(key, value string) {
	s.mu.Lock()
	switch key {
	case "call":
		s.cfg.Callsign = value
	case "loc":
		s.cfg.Locator = value
	case "bandMode":
		s.cfg.BandMode = value
	case "wifiMode":
		s.cfg.Wifi.Mode = value
	case "ssid":
		s.cfg.Wifi.SSID = value
	case "pwd":
		s.cfg.Wifi.Password = value
	case "ssidAp":
		s.cfg.Wifi.APSSID = value
	case "pwdAp":
		s.cfg.Wifi.APPassword = value
	case "hostname":
		s.cfg.Hostname = value
	default:
		s.mu.Unlock()
		log.Printf("Settings: unknown string key %q", key)
		return
	}
	s.mu.Unlock()
	s.saveQuiet()
	s.notify()
}

// SetInt writes an integer settings value, persists, and notifies
// subscribers. txPct is clamped to [0, 100].
func (s *Settings) SetInt(key string, value int64) {
	s.mu.Lock()
	known := true
	switch key {
	case "pwr":
		s.cfg.PowerDBM = int(value)
	case "txPct":
		v := value
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		s.cfg.TxPercent = int(v)
	case "totalTxCnt":
		s.cfg.TotalTxCount = value
	case "totalTxMin":
		s.cfg.TotalTxMinutes = value
	default:
		known = false
	}
	if !known {
		if band, field, ok := bandKey(key); ok {
			known = true
			b := s.cfg.Bands[band]
			switch field {
			case "en":
				b.Enabled = value != 0
			case "freq":
				b.Frequency = value
			case "sched":
				b.Schedule = uint32(value) & 0xFFFFFF
			default:
				known = false
			}
		}
	}
	if !known {
		for _, n := range bandNames {
			if key == n+"TxCnt" {
				s.cfg.BandStats[n].TxCount = value
				known = true
				break
			}
			if key == n+"TxMin" {
				s.cfg.BandStats[n].TxMinutes = value
				known = true
				break
			}
		}
	}
	s.mu.Unlock()
	if !known {
		log.Printf("Settings: unknown int key %q", key)
		return
	}
	s.saveQuiet()
	s.notify()
}

// RecordTransmission folds one completed transmission into the statistics
// and persists them. minutes is the rounded on-air time.
func (s *Settings) RecordTransmission(band string, minutes int64) {
	s.mu.Lock()
	s.cfg.TotalTxCount++
	s.cfg.TotalTxMinutes += minutes
	if st := s.cfg.BandStats[band]; st != nil {
		st.TxCount++
		st.TxMinutes += minutes
	}
	s.mu.Unlock()
	s.saveQuiet()
	// Statistics updates do not restart the scheduler: no notify.
}

// Batch runs fn with change notifications suppressed, then fires a single
// notification. Used by the control surface when it updates several keys.
func (s *Settings) Batch(fn func()) {
	s.mu.Lock()
	s.suppress = true
	s.mu.Unlock()

	fn()

	s.mu.Lock()
	s.suppress = false
	s.mu.Unlock()
	s.notify()
}

// ParseSettingValue converts a string form (as received from the control
// surface) into the int that SetInt expects, tolerating "true"/"false".
func ParseSettingValue(v string) (int64, error) {
	switch v {
	case "true":
		return 1, nil
	case "false":
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("not a settings integer: %q", v)
	}
	return n, nil
}
