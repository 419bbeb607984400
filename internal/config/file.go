package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

const envVarPrefix = "AERO_WEBRTC_SIGNALING_RELAY_"

// fileKey maps an environment variable to its config-file key:
// AERO_WEBRTC_SIGNALING_RELAY_LISTEN_ADDR -> listen_addr,
// AERO_STUN_URLS -> stun_urls, MAX_ROOMS -> max_rooms.
func fileKey(envKey string) string {
	key := strings.TrimPrefix(envKey, envVarPrefix)
	key = strings.TrimPrefix(key, "AERO_")
	return strings.ToLower(key)
}

// readConfigFile loads path with viper and returns a lookup keyed by
// environment variable name, so the file slots in beneath the environment.
//
// Lists are joined with commas. An `ice_servers` list of RTCIceServer objects
// is accepted in place of the ice_servers_json string.
func readConfigFile(path string) (func(string) (string, bool), error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	var iceServersJSON string
	if v.IsSet("ice_servers") {
		b, err := json.Marshal(v.Get("ice_servers"))
		if err != nil {
			return nil, fmt.Errorf("config file %q: ice_servers: %w", path, err)
		}
		iceServersJSON = string(b)
	}

	return func(envKey string) (string, bool) {
		if envKey == envICEServersJSON && iceServersJSON != "" {
			return iceServersJSON, true
		}
		key := fileKey(envKey)
		if !v.IsSet(key) {
			return "", false
		}
		return fileValueString(v.Get(key)), true
	}, nil
}

func fileValueString(value any) string {
	switch x := value.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case []any:
		parts := make([]string, 0, len(x))
		for _, e := range x {
			parts = append(parts, fileValueString(e))
		}
		return strings.Join(parts, ",")
	case []string:
		return strings.Join(x, ",")
	default:
		return fmt.Sprint(x)
	}
}

// layered consults each lookup in order and returns the first non-empty hit.
func layered(lookups ...func(string) (string, bool)) func(string) (string, bool) {
	return func(key string) (string, bool) {
		for _, lookup := range lookups {
			if v, ok := lookup(key); ok && v != "" {
				return v, true
			}
		}
		return "", false
	}
}

// configFileFromArgs finds --config/-config in args ahead of the main flag
// parse, since the file has to be read before flag defaults are computed.
func configFileFromArgs(args []string, fallback string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			break
		}
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return fallback
}
