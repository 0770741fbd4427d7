// Package combometrics exposes Prometheus metrics for the Combo driver.
package combometrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "combo"
	subsystem = "driver"
)

// Label names for driver metrics.
const (
	labelPumpAddr  = "pump_addr"
	labelCommand   = "command"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelOutcome   = "outcome"
	labelButton    = "button"
)

// Pairing attempt outcomes.
const (
	PairingOutcomeSuccess  = "success"
	PairingOutcomePinRetry = "pin_retry"
	PairingOutcomeFailure  = "failure"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Driver Metrics
// -------------------------------------------------------------------------

// Collector holds all Combo driver Prometheus metrics.
//
// Metrics are designed for long-running supervisor processes:
//   - State transition counters record session lifecycle changes.
//   - Packet counters track TX/RX volumes per transport command.
//   - Auth failure counters flag received packets with a bad MAC.
//   - Bolus outcome counters record delivery terminal states.
type Collector struct {
	// StateTransitions counts session state machine transitions, labeled
	// with the old and new state for precise alerting.
	StateTransitions *prometheus.CounterVec

	// PacketsSent counts transport packets transmitted per pump and
	// transport command.
	PacketsSent *prometheus.CounterVec

	// PacketsReceived counts transport packets received per pump and
	// transport command.
	PacketsReceived *prometheus.CounterVec

	// AuthFailures counts received packets that fail MAC verification, per
	// pump. KEY_RESPONSE checks against the PIN-derived weak cipher are not
	// counted here; a wrong PIN shows up as a pin_retry pairing attempt.
	AuthFailures *prometheus.CounterVec

	// NoncesConsumed counts outgoing authenticated packets per pump; it
	// mirrors the little-endian transmit nonce, which grows by exactly
	// one per authenticated send.
	NoncesConsumed *prometheus.CounterVec

	// PairingAttempts counts pairing attempts by outcome
	// (success, pin_retry, failure).
	PairingAttempts *prometheus.CounterVec

	// ButtonPresses counts simulated RT button presses by button name.
	ButtonPresses *prometheus.CounterVec

	// BolusOutcomes counts bolus deliveries by terminal state.
	BolusOutcomes *prometheus.CounterVec

	// FramesDropped counts display frames discarded because the frame
	// channel was full.
	FramesDropped *prometheus.CounterVec
}

// NewCollector creates a Collector with all driver metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "combo_driver_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.StateTransitions,
		c.PacketsSent,
		c.PacketsReceived,
		c.AuthFailures,
		c.NoncesConsumed,
		c.PairingAttempts,
		c.ButtonPresses,
		c.BolusOutcomes,
		c.FramesDropped,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	pumpLabels := []string{labelPumpAddr}
	packetLabels := []string{labelPumpAddr, labelCommand}
	transitionLabels := []string{labelPumpAddr, labelFromState, labelToState}
	outcomeLabels := []string{labelPumpAddr, labelOutcome}
	buttonLabels := []string{labelPumpAddr, labelButton}

	return &Collector{
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Session state machine transitions.",
		}, transitionLabels),

		PacketsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_sent_total",
			Help:      "Transport packets transmitted, by transport command.",
		}, packetLabels),

		PacketsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "packets_received_total",
			Help:      "Transport packets received, by transport command.",
		}, packetLabels),

		AuthFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Received packets failing MAC verification.",
		}, pumpLabels),

		NoncesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "nonces_consumed_total",
			Help:      "Outgoing authenticated packets (transmit nonce increments).",
		}, pumpLabels),

		PairingAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "pairing_attempts_total",
			Help:      "Pairing attempts by outcome.",
		}, outcomeLabels),

		ButtonPresses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "button_presses_total",
			Help:      "Simulated remote-terminal button presses.",
		}, buttonLabels),

		BolusOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "bolus_outcomes_total",
			Help:      "Bolus deliveries by terminal state.",
		}, outcomeLabels),

		FramesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_dropped_total",
			Help:      "Display frames discarded because the frame channel was full.",
		}, pumpLabels),
	}
}
