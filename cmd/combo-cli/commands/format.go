package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/accu-chek/combodriver/highlevel"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not
// supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// formatStatus renders a pump status in the requested format.
func formatStatus(addr string, status highlevel.Status, format string) (string, error) {
	switch format {
	case formatJSON:
		return formatStatusJSON(addr, status)
	case formatTable:
		return formatStatusTable(addr, status), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatStatusTable(addr string, status highlevel.Status) string {
	running := "running"
	if !status.Running {
		running = "stopped"
	}

	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUMP\tSTATE\tRESERVOIR\tBATTERY")
	fmt.Fprintf(w, "%s\t%s\t%d.%d IU\t%d%%\n",
		addr, running,
		status.ReservoirTenths/10, status.ReservoirTenths%10,
		status.BatteryPercent)
	w.Flush()
	return buf.String()
}

func formatStatusJSON(addr string, status highlevel.Status) (string, error) {
	doc := struct {
		Pump            string `json:"pump"`
		Running         bool   `json:"running"`
		ReservoirTenths int    `json:"reservoir_tenths"`
		BatteryPercent  int    `json:"battery_percent"`
	}{addr, status.Running, status.ReservoirTenths, status.BatteryPercent}

	out, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// formatBolusResult renders a completed bolus in the requested format.
func formatBolusResult(addr string, amountTenths int, format string) (string, error) {
	switch format {
	case formatJSON:
		doc := struct {
			Pump         string `json:"pump"`
			AmountTenths int    `json:"amount_tenths"`
			Delivered    bool   `json:"delivered"`
		}{addr, amountTenths, true}
		out, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return "", err
		}
		return string(out), nil
	case formatTable:
		return fmt.Sprintf("delivered %d.%d IU to %s\n",
			amountTenths/10, amountTenths%10, addr), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}
