package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const defaultRelayURL = "http://127.0.0.1:8787"

type rootOptions struct {
	relayURL string
	timeout  time.Duration
	verbose  bool

	httpClient *http.Client
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "aero-signalctl",
		Short: "Inspect and probe an Aero WebRTC signaling relay",
		Long: `aero-signalctl talks to a running aero-webrtc-signaling-relay.

Examples:
  aero-signalctl status
  aero-signalctl status --url https://relay.example.com
  aero-signalctl probe --timeout 20s`,
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	cmd.PersistentFlags().StringVarP(&opts.relayURL, "url", "u", envOr("AERO_SIGNALING_RELAY_URL", defaultRelayURL), "Relay base URL (http or https)")
	cmd.PersistentFlags().DurationVarP(&opts.timeout, "timeout", "t", 15*time.Second, "Overall deadline for the command")
	cmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log WebRTC internals to stderr")

	cmd.AddCommand(newStatusCmd(opts), newProbeCmd(opts))
	return cmd
}

func (o *rootOptions) client() *http.Client {
	if o.httpClient != nil {
		return o.httpClient
	}
	return &http.Client{Timeout: o.timeout}
}

func (o *rootOptions) logger() *slog.Logger {
	level := slog.LevelWarn
	if o.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// baseURL returns the relay URL without a trailing slash.
func (o *rootOptions) baseURL() (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(o.relayURL))
	if err != nil {
		return nil, fmt.Errorf("invalid --url: %w", err)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, fmt.Errorf("invalid --url %q: scheme must be http or https", o.relayURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid --url %q: missing host", o.relayURL)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (o *rootOptions) endpoint(path string) (string, error) {
	u, err := o.baseURL()
	if err != nil {
		return "", err
	}
	u.Path += path
	return u.String(), nil
}

// wsURL maps the relay base URL onto its signaling WebSocket endpoint.
func (o *rootOptions) wsURL() (string, error) {
	u, err := o.baseURL()
	if err != nil {
		return "", err
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	return u.String(), nil
}

func envOr(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
