package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// BeaconMetrics holds the Prometheus collectors for the beacon.
type BeaconMetrics struct {
	transmissionsTotal *prometheus.CounterVec // completed transmissions per band
	txMinutesTotal     *prometheus.CounterVec // on-air minutes per band
	txActive           prometheus.Gauge       // 1 while transmitting
	networkState       prometheus.Gauge       // NetworkState as an integer
	transmissionState  prometheus.Gauge       // TransmissionState as an integer
	nextTxSeconds      prometheus.Gauge       // forecast seconds to next transmission
	nextTxValid        prometheus.Gauge       // 1 when the forecast is meaningful
	i2cErrorsTotal     prometheus.Counter     // failed synthesizer bus writes
	currentFrequency   prometheus.Gauge       // carrier frequency of the current/last TX
}

// NewBeaconMetrics registers all collectors on the default registry.
func NewBeaconMetrics() *BeaconMetrics {
	return &BeaconMetrics{
		transmissionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wspr_beacon_transmissions_total",
			Help: "Completed WSPR transmissions per band",
		}, []string{"band"}),
		txMinutesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "wspr_beacon_tx_minutes_total",
			Help: "Cumulative on-air minutes per band",
		}, []string{"band"}),
		txActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_tx_active",
			Help: "1 while a transmission is on the air",
		}),
		networkState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_network_state",
			Help: "Network state (0=BOOTING 1=AP_MODE 2=STA_CONNECTING 3=READY 4=ERROR)",
		}),
		transmissionState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_transmission_state",
			Help: "Transmission state (0=IDLE 1=TX_PENDING 2=TRANSMITTING)",
		}),
		nextTxSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_next_tx_seconds",
			Help: "Forecast seconds until the next transmission",
		}),
		nextTxValid: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_next_tx_valid",
			Help: "1 when the next-transmission forecast is valid",
		}),
		i2cErrorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "wspr_beacon_i2c_errors_total",
			Help: "Failed I2C writes to the clock synthesizer",
		}),
		currentFrequency: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "wspr_beacon_frequency_hz",
			Help: "Carrier frequency of the current or last transmission",
		}),
	}
}

// TransmissionStarted records the start of a transmission.
func (m *BeaconMetrics) TransmissionStarted(band string) {
	m.txActive.Set(1)
}

// TransmissionEnded folds a finished transmission into the counters.
func (m *BeaconMetrics) TransmissionEnded(band string, minutes int64) {
	m.txActive.Set(0)
	m.transmissionsTotal.WithLabelValues(band).Inc()
	m.txMinutesTotal.WithLabelValues(band).Add(float64(minutes))
}

// SetStates publishes the composite FSM state.
func (m *BeaconMetrics) SetStates(n NetworkState, t TransmissionState) {
	m.networkState.Set(float64(n))
	m.transmissionState.Set(float64(t))
}

// SetNextTxSeconds publishes the next-transmission forecast.
func (m *BeaconMetrics) SetNextTxSeconds(seconds int, valid bool) {
	m.nextTxSeconds.Set(float64(seconds))
	if valid {
		m.nextTxValid.Set(1)
	} else {
		m.nextTxValid.Set(0)
	}
}

// SetFrequency publishes the active carrier frequency.
func (m *BeaconMetrics) SetFrequency(hz int64) {
	m.currentFrequency.Set(float64(hz))
}

// I2CErrorOccurred counts one failed synthesizer bus write.
func (m *BeaconMetrics) I2CErrorOccurred() {
	m.i2cErrorsTotal.Inc()
}
