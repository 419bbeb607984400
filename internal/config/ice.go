package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

// DefaultSTUNURLs is handed to browsers when no ICE configuration is set.
// Set AERO_ICE_SERVERS_JSON=[] to hand out an empty list instead.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

type iceSource struct {
	json           string
	jsonSet        bool
	stunURLs       string
	turnURLs       string
	turnUsername   string
	turnCredential string
}

func (s iceSource) parse(turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	if s.jsonSet {
		servers, err := ParseICEServersJSON(s.json, turnRESTEnabled)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	servers, err := ParseICEServersFromConvenienceEnv(s.stunURLs, s.turnURLs, s.turnUsername, s.turnCredential, turnRESTEnabled)
	if err != nil {
		return nil, err
	}
	if len(servers) == 0 {
		servers = []webrtc.ICEServer{{URLs: append([]string(nil), DefaultSTUNURLs...)}}
	}
	return servers, nil
}

type iceServerJSON struct {
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username,omitempty"`
	Credential string              `json:"credential,omitempty"`
}

// stringOrStringSlice accepts both `"urls": "stun:..."` and `"urls": [...]`,
// mirroring the browser RTCIceServer dictionary.
type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-shaped JSON array.
//
// When turnRESTEnabled is set, TURN entries may omit username/credential since
// those are minted per request by the /webrtc/ice endpoint.
func ParseICEServersJSON(raw string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(strings.TrimSpace(raw)), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitURLs(entry.URLs),
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

// ParseICEServersFromConvenienceEnv builds an ICE server list from
// comma-separated STUN and TURN URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string, turnRESTEnabled bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitURLs(strings.Split(stunURLs, ",")); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitURLs(strings.Split(turnURLs, ",")); len(urls) > 0 {
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(turnUsername),
		}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		if !turnRESTEnabled && (server.Username == "" || server.Credential == nil) {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		if err := validateICEServer(server, turnRESTEnabled); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitURLs(raw []string) []string {
	var out []string
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnRESTEnabled bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	for _, url := range server.URLs {
		switch iceScheme(url) {
		case "stun", "stuns":
		case "turn", "turns":
			if turnRESTEnabled {
				continue
			}
			if server.Username == "" {
				return errors.New("turn urls require username")
			}
			if cred, ok := server.Credential.(string); !ok || cred == "" {
				return errors.New("turn urls require credential")
			}
		default:
			return fmt.Errorf("unsupported url scheme: %q", url)
		}
	}
	return nil
}

func iceScheme(url string) string {
	scheme, _, ok := strings.Cut(url, ":")
	if !ok {
		return ""
	}
	return strings.ToLower(scheme)
}

// IsTURN reports whether any of the server's URLs is a TURN URL.
func IsTURN(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if s := iceScheme(strings.TrimSpace(url)); s == "turn" || s == "turns" {
			return true
		}
	}
	return false
}
