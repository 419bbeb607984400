package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const prometheusMetricName = "aero_webrtc_signaling_relay_events_total"

var labelEscaper = strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n")

// PrometheusHandler exposes Metrics in Prometheus' text exposition format.
//
// All counters share one metric name and are told apart by the `event` label.
// Gauges supplied by gauges (for example the live room count) are emitted as
// separate metrics, sampled on every scrape.
func PrometheusHandler(m *Metrics, gauges func() map[string]int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", prometheusMetricName)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", prometheusMetricName)
		for _, k := range sortedKeys(snap) {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", prometheusMetricName, labelEscaper.Replace(k), snap[k])
		}

		if gauges == nil {
			return
		}
		g := gauges()
		for _, k := range sortedKeys(g) {
			name := "aero_webrtc_signaling_relay_" + k
			_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", name)
			_, _ = fmt.Fprintf(w, "%s %d\n", name, g[k])
		}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
