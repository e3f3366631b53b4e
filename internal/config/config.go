// Package config holds the CLI configuration types and their loading rules.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Role represents what the process runs as.
type Role string

const (
	RoleServe Role = "serve" // reference robot backend
	RoleView  Role = "view"  // viewer client
)

// Mode selects the video transport used by the viewer.
type Mode string

const (
	ModeWebRTC    Mode = "webrtc"
	ModeWebSocket Mode = "ws"
)

const (
	DefaultListenAddr          = "127.0.0.1:8080"
	DefaultBaseURL             = "http://127.0.0.1:8080"
	DefaultBackend             = "camera"
	DefaultCamera              = "rgb"
	DefaultGraceDelay          = 500 * time.Millisecond
	DefaultPingInterval        = time.Second
	DefaultExchangeTimeout     = 10 * time.Second
	DefaultICEGatheringTimeout = 5 * time.Second
	DefaultFrameRate           = 30
)

// DefaultSTUNURLs are used for ICE candidate gathering when none are
// configured. No TURN; the viewer expects direct connectivity to the robot.
var DefaultSTUNURLs = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

const (
	envVarRole                = "TELEVIEW_ROLE"
	envVarMode                = "TELEVIEW_MODE"
	envVarBaseURL             = "TELEVIEW_URL"
	envVarBackend             = "TELEVIEW_BACKEND"
	envVarCamera              = "TELEVIEW_CAMERA"
	envVarListenAddr          = "TELEVIEW_LISTEN"
	envVarSTUNURLs            = "TELEVIEW_STUN_URLS"
	envVarGraceDelay          = "TELEVIEW_GRACE_DELAY"
	envVarPingInterval        = "TELEVIEW_PING_INTERVAL"
	envVarExchangeTimeout     = "TELEVIEW_EXCHANGE_TIMEOUT"
	envVarICEGatheringTimeout = "TELEVIEW_ICE_GATHER_TIMEOUT"
	envVarFrameRate           = "TELEVIEW_FRAME_RATE"
	envVarBackends            = "TELEVIEW_BACKENDS"
	envVarSampleFile          = "TELEVIEW_IVF"
)

// Config stores all parameters gathered from flags, environment and the
// interactive CLI prompts.
type Config struct {
	Role Role
	Mode Mode // view: transport used for video

	BaseURL string // view: backend base URL, e.g. http://robot.local:8080
	Backend string // view: signaling endpoint name, POST /{Backend}/offer
	Camera  string // view: frame stream name, /{Camera}/ws

	ListenAddr string   // serve: HTTP listen address
	Backends   []string // serve: names accepted on POST /{backend}/offer
	SampleFile string   // serve: optional VP8 IVF file looped on WebRTC tracks

	STUNURLs []string

	GraceDelay          time.Duration // delay between Stop and releasing the peer
	PingInterval        time.Duration // heartbeat probe interval
	ExchangeTimeout     time.Duration // bound on the HTTP offer exchange, 0 = none
	ICEGatheringTimeout time.Duration // serve: max wait for answer-side gathering
	FrameRate           int           // serve: frames per second pushed per socket

	Debug bool
}

// Default returns a Config populated with the built-in defaults.
func Default() Config {
	return Config{
		Mode:                ModeWebRTC,
		BaseURL:             DefaultBaseURL,
		Backend:             DefaultBackend,
		Camera:              DefaultCamera,
		ListenAddr:          DefaultListenAddr,
		Backends:            []string{DefaultBackend},
		STUNURLs:            append([]string(nil), DefaultSTUNURLs...),
		GraceDelay:          DefaultGraceDelay,
		PingInterval:        DefaultPingInterval,
		ExchangeTimeout:     DefaultExchangeTimeout,
		ICEGatheringTimeout: DefaultICEGatheringTimeout,
		FrameRate:           DefaultFrameRate,
	}
}

// Load parses args, falling back to TELEVIEW_* environment variables for
// anything not given on the command line. An empty Role is allowed and means
// the caller should prompt interactively. flag.ErrHelp is returned for -h.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	cfg := Default()

	role := envOrDefault(lookup, envVarRole, "")
	mode := envOrDefault(lookup, envVarMode, string(cfg.Mode))
	stunURLs := envOrDefault(lookup, envVarSTUNURLs, strings.Join(cfg.STUNURLs, ","))
	cfg.BaseURL = envOrDefault(lookup, envVarBaseURL, cfg.BaseURL)
	cfg.Backend = envOrDefault(lookup, envVarBackend, cfg.Backend)
	cfg.Camera = envOrDefault(lookup, envVarCamera, cfg.Camera)
	cfg.ListenAddr = envOrDefault(lookup, envVarListenAddr, cfg.ListenAddr)
	backends := envOrDefault(lookup, envVarBackends, strings.Join(cfg.Backends, ","))
	cfg.SampleFile = envOrDefault(lookup, envVarSampleFile, cfg.SampleFile)

	var err error
	if cfg.GraceDelay, err = envDurationOrDefault(lookup, envVarGraceDelay, cfg.GraceDelay); err != nil {
		return Config{}, err
	}
	if cfg.PingInterval, err = envDurationOrDefault(lookup, envVarPingInterval, cfg.PingInterval); err != nil {
		return Config{}, err
	}
	if cfg.ExchangeTimeout, err = envDurationOrDefault(lookup, envVarExchangeTimeout, cfg.ExchangeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ICEGatheringTimeout, err = envDurationOrDefault(lookup, envVarICEGatheringTimeout, cfg.ICEGatheringTimeout); err != nil {
		return Config{}, err
	}
	if cfg.FrameRate, err = envIntOrDefault(lookup, envVarFrameRate, cfg.FrameRate); err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("teleview", flag.ContinueOnError)
	fs.StringVar(&role, "role", role, "Role: serve or view (empty = interactive)")
	fs.StringVar(&mode, "mode", mode, "Video transport for view: webrtc or ws (env "+envVarMode+")")
	fs.StringVar(&cfg.BaseURL, "url", cfg.BaseURL, "Backend base URL for view (env "+envVarBaseURL+")")
	fs.StringVar(&cfg.Backend, "backend", cfg.Backend, "Signaling endpoint name, POST /{backend}/offer (env "+envVarBackend+")")
	fs.StringVar(&cfg.Camera, "camera", cfg.Camera, "Frame stream name, /{camera}/ws (env "+envVarCamera+")")
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address for serve (env "+envVarListenAddr+")")
	fs.StringVar(&backends, "backends", backends, "Comma-separated signaling endpoint names served (env "+envVarBackends+")")
	fs.StringVar(&cfg.SampleFile, "ivf", cfg.SampleFile, "VP8 IVF file streamed on WebRTC tracks in serve mode (env "+envVarSampleFile+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs, empty for none (env "+envVarSTUNURLs+")")
	fs.DurationVar(&cfg.GraceDelay, "grace-delay", cfg.GraceDelay, "Delay between stop and releasing the peer connection")
	fs.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "Heartbeat probe interval")
	fs.DurationVar(&cfg.ExchangeTimeout, "exchange-timeout", cfg.ExchangeTimeout, "Offer/answer HTTP exchange timeout (0 = none)")
	fs.DurationVar(&cfg.ICEGatheringTimeout, "ice-gather-timeout", cfg.ICEGatheringTimeout, "Max wait for answer-side ICE gathering in serve mode")
	fs.IntVar(&cfg.FrameRate, "fps", cfg.FrameRate, "Frames per second pushed per websocket in serve mode")
	fs.BoolVar(&cfg.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg.Role = Role(strings.ToLower(strings.TrimSpace(role)))
	cfg.Mode = Mode(strings.ToLower(strings.TrimSpace(mode)))
	cfg.STUNURLs = splitList(stunURLs)
	cfg.Backends = splitList(backends)

	if cfg.Role != "" {
		if err := cfg.Validate(); err != nil {
			return Config{}, err
		}
	}
	return cfg, nil
}

// Validate checks the fields relevant to cfg.Role.
func (c Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleServe:
		if c.ListenAddr == "" {
			errs = append(errs, errors.New("listen address must not be empty"))
		}
		if c.FrameRate < 1 || c.FrameRate > 120 {
			errs = append(errs, fmt.Errorf("invalid fps %d: must be 1~120", c.FrameRate))
		}
		if c.ICEGatheringTimeout <= 0 {
			errs = append(errs, errors.New("ice gather timeout must be positive"))
		}
		if len(c.Backends) == 0 {
			errs = append(errs, errors.New("at least one backend name is required"))
		}
	case RoleView:
		if _, err := parseBaseURL(c.BaseURL); err != nil {
			errs = append(errs, err)
		}
		switch c.Mode {
		case ModeWebRTC:
			if c.Backend == "" {
				errs = append(errs, errors.New("backend must not be empty in webrtc mode"))
			}
		case ModeWebSocket:
			if c.Camera == "" {
				errs = append(errs, errors.New("camera must not be empty in ws mode"))
			}
		default:
			errs = append(errs, fmt.Errorf("invalid mode %q: must be 'webrtc' or 'ws'", c.Mode))
		}
		if c.GraceDelay < 0 {
			errs = append(errs, errors.New("grace delay must not be negative"))
		}
		if c.PingInterval <= 0 {
			errs = append(errs, errors.New("ping interval must be positive"))
		}
		if c.ExchangeTimeout < 0 {
			errs = append(errs, errors.New("exchange timeout must not be negative"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be 'serve' or 'view'", c.Role))
	}

	return errors.Join(errs...)
}

// ICEServers returns the peer connection ICE server list.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: append([]string(nil), c.STUNURLs...)}}
}

// FrameURL returns the websocket URL of the frame stream for c.Camera.
func (c Config) FrameURL() (string, error) {
	return c.socketURL(c.Camera, "ws")
}

// PingURL returns the websocket URL of the echo endpoint.
func (c Config) PingURL() (string, error) {
	return c.socketURL("ping", "ws")
}

func (c Config) socketURL(elem ...string) (string, error) {
	u, err := parseBaseURL(c.BaseURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.JoinPath(elem...).String(), nil
}

func parseBaseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid backend URL: %q", raw)
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid backend URL scheme %q", u.Scheme)
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return fallback
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw := envOrDefault(lookup, key, "")
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
