package combometrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/accu-chek/combodriver/combometrics"
)

func TestNewCollectorRegistersAllMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := combometrics.NewCollector(reg)

	// Exercise one counter of each vector so Gather reports them.
	c.StateTransitions.WithLabelValues("00:0E:2F:10:28:61", "Disconnected", "Pairing").Inc()
	c.PacketsSent.WithLabelValues("00:0E:2F:10:28:61", "DATA").Inc()
	c.PacketsReceived.WithLabelValues("00:0E:2F:10:28:61", "ACK_RESPONSE").Inc()
	c.AuthFailures.WithLabelValues("00:0E:2F:10:28:61").Inc()
	c.NoncesConsumed.WithLabelValues("00:0E:2F:10:28:61").Inc()
	c.PairingAttempts.WithLabelValues("00:0E:2F:10:28:61", combometrics.PairingOutcomeSuccess).Inc()
	c.ButtonPresses.WithLabelValues("00:0E:2F:10:28:61", "MENU").Inc()
	c.BolusOutcomes.WithLabelValues("00:0E:2F:10:28:61", "delivered").Inc()
	c.FramesDropped.WithLabelValues("00:0E:2F:10:28:61").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	if len(families) != 9 {
		t.Fatalf("gathered %d metric families, want 9", len(families))
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "combo_driver_") {
			t.Errorf("metric %q lacks the combo_driver_ prefix", mf.GetName())
		}
	}
}

func TestNewCollectorDoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	combometrics.NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("second registration did not panic")
		}
	}()
	combometrics.NewCollector(reg)
}
