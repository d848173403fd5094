package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/gpio/gpioreg"
	"periph.io/x/periph/conn/i2c"
	"periph.io/x/periph/conn/i2c/i2creg"
	"periph.io/x/periph/host"
)

// Global debug flag
var DebugMode bool

func debugLog(format string, v ...any) {
	if DebugMode {
		log.Printf(format, v...)
	}
}

// loggingBus stands in for the real I²C bus when running without hardware
// (-mock): writes are logged and succeed.
type loggingBus struct{}

func (loggingBus) Tx(w, r []byte) error {
	if len(w) > 0 {
		debugLog("i2c: reg 0x%02X <- % X", w[0], w[1:])
	}
	return nil
}

// openSynth brings up periph, opens the configured I²C bus and initializes
// the Si5351.
func openSynth(cfg SynthConfig) (*Si5351, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init failed: %w", err)
	}
	bus, err := i2creg.Open(cfg.I2CBus)
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus %q: %w", cfg.I2CBus, err)
	}
	dev := &i2c.Dev{Bus: bus, Addr: cfg.I2CAddress}
	return NewSi5351(dev, cfg.CrystalHz, cfg.Correction)
}

// openStatusLED resolves the configured GPIO pin for the TX indicator.
func openStatusLED(pinName string) func(bool) {
	if pinName == "" {
		return nil
	}
	pin := gpioreg.ByName(pinName)
	if pin == nil {
		log.Printf("Status LED pin %q not found, LED disabled", pinName)
		return nil
	}
	return func(on bool) {
		level := gpio.Low
		if on {
			level = gpio.High
		}
		if err := pin.Out(level); err != nil {
			log.Printf("Status LED write failed: %v", err)
		}
	}
}

// serveObservation exposes the observation surface: Prometheus metrics,
// the status snapshot, the settings boundary (read with GET, written with
// POST) and an encoder preview. The full web UI lives behind a separate frontend; this listener
// is what it talks to.
func serveObservation(listen string, b *Beacon, settings *Settings) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(b.Status()); err != nil {
			log.Printf("HTTP: status encode failed: %v", err)
		}
	})

	// GET /api/settings?key=txPct         -> one value
	// POST /api/settings?key=txPct&value=50 -> set one value
	mux.HandleFunc("/api/settings", func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Query().Get("key")
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if v := settings.GetString(key, ""); v != "" {
				fmt.Fprintln(w, v)
				return
			}
			fmt.Fprintln(w, settings.GetInt(key, 0))
		case http.MethodPost:
			value := r.URL.Query().Get("value")
			if n, err := ParseSettingValue(value); err == nil {
				settings.SetInt(key, n)
			} else {
				settings.SetString(key, value)
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	// Encoder preview: what would go on the air for the given message.
	mux.HandleFunc("/api/test/encode", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		dBm, _ := strconv.Atoi(q.Get("pwr"))
		msg := NewWSPRMessage(q.Get("call"), q.Get("loc"), dBm)
		symbols := msg.Encode()

		resp := struct {
			Callsign       string  `json:"callsign"`
			Locator        string  `json:"locator"`
			PowerDBM       int     `json:"powerDbm"`
			SymbolCount    int     `json:"symbolCount"`
			SymbolPeriodMs int     `json:"symbolPeriodMs"`
			ToneSpacingHz  float64 `json:"toneSpacingHz"`
			DurationS      float64 `json:"transmissionDurationSeconds"`
			Symbols        []byte  `json:"symbols"`
		}{
			Callsign:       msg.Callsign,
			Locator:        msg.Locator,
			PowerDBM:       msg.PowerDBM,
			SymbolCount:    WSPRSymbolCount,
			SymbolPeriodMs: WSPRSymbolPeriodMs,
			ToneSpacingHz:  float64(WSPRToneSpacingNum) / float64(WSPRToneSpacingDen),
			DurationS:      WSPRTxDurationMs / 1000.0,
			Symbols:        symbols[:],
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("HTTP: encode preview failed: %v", err)
		}
	})

	log.Printf("Observation listener on %s", listen)
	if err := http.ListenAndServe(listen, mux); err != nil {
		log.Printf("Observation listener failed: %v", err)
	}
}

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	mock := flag.Bool("mock", false, "Run without synthesizer hardware (log I2C writes)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	DebugMode = *debug
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	settings, err := LoadSettings(*configPath)
	if err != nil {
		log.Fatalf("Failed to load settings: %v", err)
	}

	var synth SynthDriver
	if *mock {
		s, err := NewSi5351(loggingBus{}, settings.Snapshot().Synth.CrystalHz,
			settings.Snapshot().Synth.Correction)
		if err != nil {
			log.Fatalf("Mock synthesizer init failed: %v", err)
		}
		synth = s
		log.Printf("Running with mock synthesizer")
	} else {
		s, err := openSynth(settings.Snapshot().Synth)
		if err != nil {
			// Fatal for transmission, but keep the process up so the
			// operator can see the ERROR state and fix the wiring.
			log.Printf("Clock synthesizer init failed: %v", err)
		} else {
			synth = s
		}
	}

	timeSrc := NewSystemTime()
	beacon := NewBeacon(settings, timeSrc, synth, HostNetwork{})
	beacon.SetMetrics(NewBeaconMetrics())
	beacon.SetLEDFunc(openStatusLED(settings.Snapshot().StatusLEDPin))

	if cfg := settings.Snapshot().MQTT; cfg.Broker != "" {
		reporter, err := NewMQTTReporter(cfg)
		if err != nil {
			log.Printf("MQTT reporting disabled: %v", err)
		} else {
			beacon.SetReporter(reporter)
			reporter.StartStatusLoop(beacon, time.Minute)
			defer reporter.Stop()
		}
	}

	if listen := settings.Snapshot().Listen; listen != "" {
		go serveObservation(listen, beacon, settings)
	}

	go beacon.Run()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("Shutting down")
	beacon.Stop()
}
