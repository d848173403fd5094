package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// MQTTReporter publishes transmission reports and periodic status
// snapshots to an MQTT broker, so a station operator can watch the beacon
// without polling its HTTP surface. Reporting is best-effort: a broker
// outage never blocks a transmission.
type MQTTReporter struct {
	client mqtt.Client
	prefix string

	instanceID string

	mu       sync.Mutex
	stopChan chan struct{}
	running  bool
}

// TransmissionReport is the JSON payload published at TX start and end.
type TransmissionReport struct {
	Event      string  `json:"event"` // "start" or "end"
	Timestamp  int64   `json:"timestamp"`
	InstanceID string  `json:"instanceId"`
	Callsign   string  `json:"call,omitempty"`
	Locator    string  `json:"loc,omitempty"`
	PowerDBM   int     `json:"pwr,omitempty"`
	Band       string  `json:"band"`
	FreqHz     int64   `json:"freq,omitempty"`
	FreqMHz    float64 `json:"freqMHz,omitempty"`
	Symbols    int     `json:"symbols,omitempty"`
	DurationS  float64 `json:"durationSeconds,omitempty"`
	Minutes    int64   `json:"minutes,omitempty"`
}

// NewMQTTReporter connects to the configured broker. Returns an error when
// the broker is unreachable at startup; the caller logs it and runs
// without reporting.
func NewMQTTReporter(cfg MQTTReportConfig) (*MQTTReporter, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("no MQTT broker configured")
	}
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "wspr-beacon"
	}

	id := uuid.New().String()
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID("wsprbeacon_" + id[:8])
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("timeout connecting to MQTT broker %s", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker %s: %w", cfg.Broker, err)
	}

	log.Printf("MQTT: connected to %s (prefix %s)", cfg.Broker, prefix)
	return &MQTTReporter{client: client, prefix: prefix, instanceID: id}, nil
}

func (r *MQTTReporter) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT: marshal failed for %s: %v", topic, err)
		return
	}
	token := r.client.Publish(r.prefix+"/"+topic, 0, false, data)
	go func() {
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Printf("MQTT: publish to %s failed: %v", topic, token.Error())
		}
	}()
}

// ReportTransmissionStart publishes a start-of-transmission report.
func (r *MQTTReporter) ReportTransmissionStart(msg WSPRMessage, band string, freqHz int64) {
	r.publish("tx/start", TransmissionReport{
		Event:      "start",
		Timestamp:  time.Now().Unix(),
		InstanceID: r.instanceID,
		Callsign:   msg.Callsign,
		Locator:    msg.Locator,
		PowerDBM:   msg.PowerDBM,
		Band:       band,
		FreqHz:     freqHz,
		FreqMHz:    float64(freqHz) / 1e6,
		Symbols:    WSPRSymbolCount,
		DurationS:  WSPRTxDurationMs / 1000.0,
	})
}

// ReportTransmissionEnd publishes an end-of-transmission report.
func (r *MQTTReporter) ReportTransmissionEnd(band string, minutes int64) {
	r.publish("tx/end", TransmissionReport{
		Event:      "end",
		Timestamp:  time.Now().Unix(),
		InstanceID: r.instanceID,
		Band:       band,
		Minutes:    minutes,
	})
}

// StartStatusLoop publishes the beacon status snapshot on an interval
// until Stop is called.
func (r *MQTTReporter) StartStatusLoop(b *Beacon, interval time.Duration) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopChan = make(chan struct{})
	stop := r.stopChan
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.publish("status", b.Status())
			case <-stop:
				return
			}
		}
	}()
}

// Stop ends the status loop and disconnects from the broker.
func (r *MQTTReporter) Stop() {
	r.mu.Lock()
	if r.running {
		r.running = false
		close(r.stopChan)
	}
	r.mu.Unlock()
	r.client.Disconnect(250)
}
