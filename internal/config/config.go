package config

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/origin"
)

const (
	envVarConfigFile      = "AERO_WEBRTC_SIGNALING_RELAY_CONFIG"
	envVarListenAddr      = "AERO_WEBRTC_SIGNALING_RELAY_LISTEN_ADDR"
	envVarPublicBaseURL   = "AERO_WEBRTC_SIGNALING_RELAY_PUBLIC_BASE_URL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarLogFormat       = "AERO_WEBRTC_SIGNALING_RELAY_LOG_FORMAT"
	envVarLogLevel        = "AERO_WEBRTC_SIGNALING_RELAY_LOG_LEVEL"
	envVarShutdownTimeout = "AERO_WEBRTC_SIGNALING_RELAY_SHUTDOWN_TIMEOUT"
	envVarMode            = "AERO_WEBRTC_SIGNALING_RELAY_MODE"

	// WebSocket keepalive + inbound hardening.
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingSendQueueLength      = "SIGNALING_SEND_QUEUE_LENGTH"

	// Quotas.
	envVarMaxRooms       = "MAX_ROOMS"
	envVarMaxConnections = "MAX_CONNECTIONS"

	// coturn TURN REST (ephemeral) credentials.
	envVarTURNRESTSharedSecret   = "TURN_REST_SHARED_SECRET"
	envVarTURNRESTTTLSeconds     = "TURN_REST_TTL_SECONDS"
	envVarTURNRESTUsernamePrefix = "TURN_REST_USERNAME_PREFIX"
	envVarTURNRESTRealm          = "TURN_REST_REALM"

	DefaultListenAddr      = "127.0.0.1:8787"
	DefaultShutdown        = 15 * time.Second
	DefaultMode       Mode = ModeDev

	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingSendQueueLength      = 64

	DefaultTURNRESTTTLSeconds     int64  = 3600
	DefaultTURNRESTUsernamePrefix string = "aero"
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type TurnRESTConfig struct {
	SharedSecret   string
	TTLSeconds     int64
	UsernamePrefix string
	Realm          string
}

func (c TurnRESTConfig) Enabled() bool {
	return strings.TrimSpace(c.SharedSecret) != ""
}

type Config struct {
	ListenAddr      string
	PublicBaseURL   string
	AllowedOrigins  []string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	Mode            Mode

	// ConfigFile is the optional YAML/TOML/JSON file that was layered beneath
	// the environment, or "" when none was used.
	ConfigFile string

	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingSendQueueLength      int

	// MaxRooms caps concurrently open rooms (0 = unlimited).
	MaxRooms int
	// MaxConnections caps concurrently open signaling WebSockets (0 = unlimited).
	MaxConnections int

	ICEServers []webrtc.ICEServer
	TURNREST   TurnRESTConfig

	iceConfigErr error
}

// ICEConfigError reports an invalid ICE configuration. It does not fail Load
// so the relay can still serve signaling; /readyz and /webrtc/ice surface it.
func (c Config) ICEConfigError() error {
	return c.iceConfigErr
}

// OriginPolicy returns the browser origin policy for AllowedOrigins.
func (c Config) OriginPolicy() origin.Policy {
	// AllowedOrigins is validated by Load.
	p, _ := origin.NewPolicy(c.AllowedOrigins)
	return p
}

// PeerConnectionICEServers returns the ICE servers usable by an in-process pion
// peer. TURN entries without static credentials are skipped because their
// credentials only exist per /webrtc/ice request.
func (c Config) PeerConnectionICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if IsTURN(server) {
			cred, _ := server.Credential.(string)
			if server.Username == "" || cred == "" {
				continue
			}
		}
		out = append(out, server)
	}
	return out
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(envLookup func(string) (string, bool), args []string) (Config, error) {
	configFile := configFileFromArgs(args, envOrDefault(envLookup, envVarConfigFile, ""))
	lookup := envLookup
	if configFile != "" {
		fileLookup, err := readConfigFile(configFile)
		if err != nil {
			return Config{}, err
		}
		lookup = layered(envLookup, fileLookup)
	}

	modeDefault := envOrDefault(lookup, envVarMode, string(DefaultMode))
	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	publicBaseURL := envOrDefault(lookup, envVarPublicBaseURL, "")
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "")

	ice := iceSource{
		stunURLs:       envOrDefault(lookup, envStunURLs, ""),
		turnURLs:       envOrDefault(lookup, envTurnURLs, ""),
		turnUsername:   envOrDefault(lookup, envTurnUsername, ""),
		turnCredential: envOrDefault(lookup, envTurnCredential, ""),
	}
	if raw, ok := lookup(envICEServersJSON); ok && strings.TrimSpace(raw) != "" {
		ice.json, ice.jsonSet = raw, true
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalingMessageBytes, int(DefaultMaxSignalingMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	sendQueueLength, err := envIntOrDefault(lookup, envVarSignalingSendQueueLength, DefaultSignalingSendQueueLength)
	if err != nil {
		return Config{}, err
	}
	maxRooms, err := envIntOrDefault(lookup, envVarMaxRooms, 0)
	if err != nil {
		return Config{}, err
	}
	maxConnections, err := envIntOrDefault(lookup, envVarMaxConnections, 0)
	if err != nil {
		return Config{}, err
	}

	turnRESTSharedSecret := envOrDefault(lookup, envVarTURNRESTSharedSecret, "")
	turnRESTTTLSeconds, err := envInt64OrDefault(lookup, envVarTURNRESTTTLSeconds, DefaultTURNRESTTTLSeconds)
	if err != nil {
		return Config{}, err
	}
	turnRESTUsernamePrefix := envOrDefault(lookup, envVarTURNRESTUsernamePrefix, DefaultTURNRESTUsernamePrefix)
	turnRESTRealm := envOrDefault(lookup, envVarTURNRESTRealm, "")

	fs := flag.NewFlagSet("aero-webrtc-signaling-relay", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
		iceJSONFlag  string
	)

	fs.String("config", configFile, "Optional config file (YAML, TOML or JSON; env "+envVarConfigFile+")")
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port)")
	fs.StringVar(&publicBaseURL, "public-base-url", publicBaseURL, "Public base URL (optional; used for logging)")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins (env "+envVarAllowedOrigins+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")

	fs.DurationVar(&idleTimeout, "signaling-ws-idle-timeout", idleTimeout, "Close signaling WebSockets with no inbound traffic or pong for this long (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&pingInterval, "signaling-ws-ping-interval", pingInterval, "Interval between server pings (env "+envVarSignalingWSPingInterval+")")
	fs.IntVar(&maxMessageBytes, "max-signaling-message-bytes", maxMessageBytes, "Max inbound signaling message size (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-signaling-messages-per-second", maxMessagesPerSecond, "Per-connection inbound message rate (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.IntVar(&sendQueueLength, "signaling-send-queue-length", sendQueueLength, "Per-connection outbound queue length (env "+envVarSignalingSendQueueLength+")")
	fs.IntVar(&maxRooms, "max-rooms", maxRooms, "Max concurrently open rooms, 0 = unlimited (env "+envVarMaxRooms+")")
	fs.IntVar(&maxConnections, "max-connections", maxConnections, "Max concurrent signaling connections, 0 = unlimited (env "+envVarMaxConnections+")")

	fs.StringVar(&iceJSONFlag, "ice-servers-json", "", "ICE server JSON config ("+envICEServersJSON+")")
	fs.StringVar(&ice.stunURLs, "stun-urls", ice.stunURLs, "comma-separated STUN URLs ("+envStunURLs+")")
	fs.StringVar(&ice.turnURLs, "turn-urls", ice.turnURLs, "comma-separated TURN URLs ("+envTurnURLs+")")
	fs.StringVar(&ice.turnUsername, "turn-username", ice.turnUsername, "TURN username ("+envTurnUsername+")")
	fs.StringVar(&ice.turnCredential, "turn-credential", ice.turnCredential, "TURN credential ("+envTurnCredential+")")
	fs.StringVar(&turnRESTSharedSecret, "turn-rest-shared-secret", turnRESTSharedSecret, "TURN REST shared secret ("+envVarTURNRESTSharedSecret+")")
	fs.Int64Var(&turnRESTTTLSeconds, "turn-rest-ttl-seconds", turnRESTTTLSeconds, "TURN REST credential TTL seconds ("+envVarTURNRESTTTLSeconds+")")
	fs.StringVar(&turnRESTUsernamePrefix, "turn-rest-username-prefix", turnRESTUsernamePrefix, "TURN REST username prefix ("+envVarTURNRESTUsernamePrefix+")")
	fs.StringVar(&turnRESTRealm, "turn-rest-realm", turnRESTRealm, "TURN realm (coturn config; "+envVarTURNRESTRealm+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	if strings.TrimSpace(iceJSONFlag) != "" {
		ice.json, ice.jsonSet = iceJSONFlag, true
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	// An explicit --mode switches the log defaults unless they were set too.
	if !isFlagSet(fs, "log-format") && !hasValue(lookup, envVarLogFormat) {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !isFlagSet(fs, "log-level") && !hasValue(lookup, envVarLogLevel) {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(listenAddr) == "" {
		return Config{}, errors.New("listen address must be non-empty")
	}
	if publicBaseURL != "" {
		u, err := url.Parse(publicBaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return Config{}, fmt.Errorf("invalid %s %q (expected http(s)://host[:port])", envVarPublicBaseURL, publicBaseURL)
		}
	}

	originPolicy, err := origin.ParseList(allowedOriginsStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", envVarAllowedOrigins, err)
	}

	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-ws-idle-timeout must be > 0", envVarSignalingWSIdleTimeout)
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s/--signaling-ws-ping-interval must be > 0 and < %s (%s)", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout, idleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-message-bytes must be > 0", envVarMaxSignalingMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s/--max-signaling-messages-per-second must be > 0", envVarMaxSignalingMessagesPerSecond)
	}
	if sendQueueLength <= 0 {
		return Config{}, fmt.Errorf("%s/--signaling-send-queue-length must be > 0", envVarSignalingSendQueueLength)
	}
	if maxRooms < 0 {
		return Config{}, fmt.Errorf("%s/--max-rooms must be >= 0", envVarMaxRooms)
	}
	if maxConnections < 0 {
		return Config{}, fmt.Errorf("%s/--max-connections must be >= 0", envVarMaxConnections)
	}

	turnREST := TurnRESTConfig{
		SharedSecret:   turnRESTSharedSecret,
		TTLSeconds:     turnRESTTTLSeconds,
		UsernamePrefix: turnRESTUsernamePrefix,
		Realm:          turnRESTRealm,
	}
	if turnREST.Enabled() {
		if turnREST.TTLSeconds <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0 when %s is set", envVarTURNRESTTTLSeconds, envVarTURNRESTSharedSecret)
		}
		if turnREST.UsernamePrefix == "" {
			return Config{}, fmt.Errorf("%s must be non-empty when %s is set", envVarTURNRESTUsernamePrefix, envVarTURNRESTSharedSecret)
		}
		if strings.Contains(turnREST.UsernamePrefix, ":") {
			return Config{}, fmt.Errorf("%s must not contain ':'", envVarTURNRESTUsernamePrefix)
		}
	}

	cfg := Config{
		ListenAddr:      listenAddr,
		PublicBaseURL:   publicBaseURL,
		AllowedOrigins:  originPolicy.Entries(),
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		Mode:            mode,
		ConfigFile:      configFile,

		SignalingWSIdleTimeout:        idleTimeout,
		SignalingWSPingInterval:       pingInterval,
		MaxSignalingMessageBytes:      int64(maxMessageBytes),
		MaxSignalingMessagesPerSecond: maxMessagesPerSecond,
		SignalingSendQueueLength:      sendQueueLength,
		MaxRooms:                      maxRooms,
		MaxConnections:                maxConnections,

		TURNREST: turnREST,
	}

	iceServers, err := ice.parse(turnREST.Enabled())
	if err != nil {
		cfg.iceConfigErr = err
	} else {
		cfg.ICEServers = iceServers
	}

	return cfg, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func isFlagSet(fs *flag.FlagSet, name string) bool {
	set := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func hasValue(lookup func(string) (string, bool), key string) bool {
	v, ok := lookup(key)
	return ok && strings.TrimSpace(v) != ""
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envInt64OrDefault(lookup func(string) (string, bool), key string, fallback int64) (int64, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}
