package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/httpserver"
)

const metricPrefix = "aero_webrtc_signaling_relay_"

// relayMetrics is the subset of /metrics the status command shows.
type relayMetrics struct {
	Events map[string]uint64
	Gauges map[string]uint64
}

func newStatusCmd(root *rootOptions) *cobra.Command {
	var showEvents bool

	cmd := &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show relay info, live room counts and event counters",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), root.timeout)
			defer cancel()

			info, err := fetchInfo(ctx, root)
			if err != nil {
				return err
			}
			// /metrics is optional for the summary; a relay behind a proxy may hide it.
			m, metricsErr := fetchMetrics(ctx, root)

			renderInfo(cmd.OutOrStdout(), info, m)
			if showEvents {
				if metricsErr != nil {
					return metricsErr
				}
				renderEvents(cmd.OutOrStdout(), m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&showEvents, "events", "e", false, "Also print event counters from /metrics")
	return cmd
}

func fetchInfo(ctx context.Context, root *rootOptions) (httpserver.Info, error) {
	var info httpserver.Info
	body, err := get(ctx, root, "/")
	if err != nil {
		return info, err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&info); err != nil {
		return info, fmt.Errorf("decode relay info: %w", err)
	}
	return info, nil
}

func fetchMetrics(ctx context.Context, root *rootOptions) (relayMetrics, error) {
	body, err := get(ctx, root, "/metrics")
	if err != nil {
		return relayMetrics{}, err
	}
	defer body.Close()
	return parseMetrics(body)
}

func get(ctx context.Context, root *rootOptions, path string) (io.ReadCloser, error) {
	endpoint, err := root.endpoint(path)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := root.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("GET %s: %s", endpoint, resp.Status)
	}
	return resp.Body, nil
}

// parseMetrics reads the relay's text exposition: one events counter family
// labelled by event, plus unlabelled gauges.
func parseMetrics(r io.Reader) (relayMetrics, error) {
	m := relayMetrics{Events: map[string]uint64{}, Gauges: map[string]uint64{}}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		name, value, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		n, err := strconv.ParseUint(strings.TrimSpace(value), 10, 64)
		if err != nil {
			continue
		}
		name, ok = strings.CutPrefix(name, metricPrefix)
		if !ok {
			continue
		}
		if family, labels, ok := strings.Cut(name, "{"); ok {
			if family != "events_total" {
				continue
			}
			event, ok := eventLabel(labels)
			if ok {
				m.Events[event] = n
			}
			continue
		}
		m.Gauges[name] = n
	}
	if err := sc.Err(); err != nil {
		return m, fmt.Errorf("read metrics: %w", err)
	}
	return m, nil
}

func eventLabel(labels string) (string, bool) {
	labels = strings.TrimSuffix(labels, "}")
	v, ok := strings.CutPrefix(labels, `event="`)
	if !ok {
		return "", false
	}
	v, ok = strings.CutSuffix(v, `"`)
	return v, ok
}

func renderInfo(w io.Writer, info httpserver.Info, m relayMetrics) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"Field", "Value"})
	tw.AppendRows([]table.Row{
		{"Relay", info.Name},
		{"Version", info.Version},
		{"Status", info.Status},
		{"WebSocket", info.Endpoints.WebSocket},
		{"Rooms", info.Rooms},
		{"Connections", info.TotalConnections},
	})
	if v, ok := m.Gauges["sessions"]; ok {
		tw.AppendRow(table.Row{"Sessions", v})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight},
	})
	tw.Render()
}

func renderEvents(w io.Writer, m relayMetrics) {
	names := make([]string, 0, len(m.Events))
	for k := range m.Events {
		names = append(names, k)
	}
	sort.Strings(names)

	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.SetTitle("Events")
	tw.AppendHeader(table.Row{"Event", "Count"})
	var total uint64
	for _, name := range names {
		tw.AppendRow(table.Row{name, m.Events[name]})
		total += m.Events[name]
	}
	tw.AppendFooter(table.Row{"Total", total})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, Align: text.AlignRight, AlignFooter: text.AlignRight},
	})
	tw.Render()
}
