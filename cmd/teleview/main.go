// Teleview: CLI entry point.
//
// The viewer connects to a robot backend and shows one camera, either as a
// WebRTC video track negotiated over HTTP or as JPEG frames pushed over a
// websocket, while a heartbeat measures round-trip latency. The serve role
// runs a reference backend with synthetic cameras for local testing.
//
// It can be launched interactively (no -role) or non-interactively via CLI
// flags; every flag also has a TELEVIEW_* environment variable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/teleview/internal/backend"
	"github.com/1ureka/teleview/internal/config"
	"github.com/1ureka/teleview/internal/session"
	"github.com/1ureka/teleview/internal/signaling"
	"github.com/1ureka/teleview/internal/stream"
	"github.com/1ureka/teleview/internal/transport"
	"github.com/1ureka/teleview/internal/util"
)

var version = "dev"

const shutdownTimeout = 5 * time.Second

func main() {
	// Root context, cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		return
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Teleview — v%s", version))
	pterm.Println()

	if cfg.Role == "" {
		cfg = runInteractive(cfg)
		if err := cfg.Validate(); err != nil {
			util.LogError("%v", err)
			os.Exit(1)
		}
	}

	switch cfg.Role {
	case config.RoleServe:
		err = runServe(ctx, cfg)
	case config.RoleView:
		err = runView(ctx, cfg)
	}
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	util.LogInfo("successfully shut down")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive fills in the role and its essentials from prompts when no
// -role flag is provided.
func runInteractive(cfg config.Config) config.Config {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"View  — Watch a robot camera", "Serve — Run the reference robot backend"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Serve") {
		cfg.Role = config.RoleServe
		return cfg
	}

	cfg.Role = config.RoleView
	cfg.BaseURL = askURL(cfg)

	mode, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"WebRTC    — Negotiated video track", "WebSocket — Pushed JPEG frames"}).
		WithDefaultText("Select the video transport").
		Show()
	pterm.Println()

	if strings.HasPrefix(mode, "WebSocket") {
		cfg.Mode = config.ModeWebSocket
		cfg.Camera, _ = pterm.DefaultInteractiveSelect.
			WithOptions(backend.Cameras).
			WithDefaultText("Select the camera").
			Show()
	} else {
		cfg.Mode = config.ModeWebRTC
		cfg.Backend = askText("Backend name", cfg.Backend)
	}
	pterm.Println()
	return cfg
}

// runServe runs the reference backend until ctx is cancelled.
func runServe(ctx context.Context, cfg config.Config) error {
	newSource, err := sampleSourceFor(cfg.SampleFile)
	if err != nil {
		return err
	}

	srv, err := backend.New(backend.Config{
		API:                 transport.NewAPI(cfg),
		ICEServers:          cfg.ICEServers(),
		Backends:            cfg.Backends,
		FrameRate:           cfg.FrameRate,
		ICEGatheringTimeout: cfg.ICEGatheringTimeout,
		NewSampleSource:     newSource,
	})
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.ListenAddr, err)
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.Serve(ln) }()

	util.LogSuccess("robot backend listening on http://%s", ln.Addr())
	util.LogInfo("offer endpoints: %s", strings.Join(prefixAll(cfg.Backends, "POST /", "/offer"), ", "))
	util.LogInfo("frame endpoints: %s, GET /ping/ws", strings.Join(prefixAll(backend.Cameras, "GET /", "/ws"), ", "))

	select {
	case <-ctx.Done():
	case err := <-errCh:
		srv.Close()
		return fmt.Errorf("http server stopped: %w", err)
	}

	util.LogInfo("shutting down backend...")
	closeErr := srv.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		closeErr = errors.Join(closeErr, err)
	}
	return closeErr
}

// runView runs the configured viewer session plus a heartbeat until ctx is
// cancelled or the session ends on its own.
func runView(ctx context.Context, cfg config.Config) error {
	util.StartStatsReporter(ctx)

	hb, err := startHeartbeat(ctx, cfg)
	if err != nil {
		return err
	}
	defer hb.Close()

	switch cfg.Mode {
	case config.ModeWebSocket:
		return viewFrames(ctx, cfg)
	default:
		return viewWebRTC(ctx, cfg)
	}
}

// viewWebRTC negotiates a receive-only video session and holds it until
// Ctrl+C, then waits for the grace teardown.
func viewWebRTC(ctx context.Context, cfg config.Config) error {
	client, err := signaling.NewClient(cfg.BaseURL, signaling.WithTimeout(cfg.ExchangeTimeout))
	if err != nil {
		return err
	}
	n, err := session.NewNegotiator(session.Config{
		NewPeer:    session.NewPeerFactory(transport.NewAPI(cfg), cfg.ICEServers()),
		Signaling:  client,
		Sinks:      session.Sinks{cfg.Backend: session.DrainSink{}},
		GraceDelay: cfg.GraceDelay,
	})
	if err != nil {
		return err
	}
	n.OnStateChange(func(state session.State) {
		if state == session.StateFailed {
			util.LogWarning("session failed, start is available again: %v", n.Snapshot().Err)
		}
	})

	util.LogInfo("negotiating with %s/%s/offer...", strings.TrimRight(cfg.BaseURL, "/"), cfg.Backend)
	startErr := n.Start(ctx, cfg.Backend)
	switch {
	case startErr == nil:
		util.LogSuccess("connected to %s, receiving video", cfg.Backend)
		<-ctx.Done()
	case ctx.Err() != nil:
		// Interrupted mid-negotiation.
	default:
		return startErr
	}

	util.LogInfo("stopping session...")
	<-n.Stop()
	return nil
}

// viewFrames streams JPEG frames from the configured camera until Ctrl+C or
// until the backend drops the socket.
func viewFrames(ctx context.Context, cfg config.Config) error {
	url, err := cfg.FrameURL()
	if err != nil {
		return err
	}

	ended := make(chan struct{}, 1)
	fs, err := stream.NewFrameStream(stream.FrameStreamConfig{
		URL: url,
		Sink: stream.FrameSinkFunc(func(f *stream.Frame) {
			util.LogDebug("%s frame #%d: %d bytes", cfg.Camera, f.Seq, f.Len())
		}),
	})
	if err != nil {
		return err
	}
	fs.OnStateChange(func(state stream.State) {
		util.LogDebug("frame stream is now %s", state)
		if state == stream.StateDisconnected {
			select {
			case ended <- struct{}{}:
			default:
			}
		}
	})

	if err := fs.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	util.LogSuccess("streaming %s frames from %s", cfg.Camera, url)

	select {
	case <-ctx.Done():
		fs.Stop()
		return nil
	case <-ended:
		return fs.Err()
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// startHeartbeat starts the latency probe. A backend without a ping endpoint
// is not fatal: the viewer runs without latency figures.
func startHeartbeat(ctx context.Context, cfg config.Config) (*stream.Heartbeat, error) {
	url, err := cfg.PingURL()
	if err != nil {
		return nil, err
	}
	hb, err := stream.NewHeartbeat(stream.HeartbeatConfig{URL: url, Interval: cfg.PingInterval})
	if err != nil {
		return nil, err
	}
	if err := hb.Start(ctx); err != nil {
		util.LogWarning("heartbeat unavailable, latency will not be reported: %v", err)
	}
	return hb, nil
}

// sampleSourceFor returns a per-peer IVF source factory for path, or nil to
// use the backend's synthetic samples. The file is checked once up front.
func sampleSourceFor(path string) (func() (backend.SampleSource, error), error) {
	if path == "" {
		return nil, nil
	}
	probe, err := backend.OpenIVF(path)
	if err != nil {
		return nil, err
	}
	probe.Close()

	return func() (backend.SampleSource, error) {
		src, err := backend.OpenIVF(path)
		if err != nil {
			return nil, err
		}
		return src, nil
	}, nil
}

func prefixAll(names []string, prefix, suffix string) []string {
	out := make([]string, len(names))
	for i, name := range names {
		out[i] = prefix + name + suffix
	}
	return out
}

// askURL prompts the user for a backend base URL until a valid one is entered.
func askURL(cfg config.Config) string {
	for {
		raw := askText("Backend base URL (e.g. http://robot.local:8080)", cfg.BaseURL)

		probe := cfg
		probe.BaseURL = raw
		if _, err := probe.PingURL(); err == nil {
			return raw
		}

		util.LogWarning("invalid input: please enter an http(s) or ws(s) URL")
		pterm.Println()
	}
}

// askText prompts for a line of text, falling back to def when empty.
func askText(prompt, def string) string {
	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultText(fmt.Sprintf("%s [%s]", prompt, def)).
		Show()
	pterm.Println()

	if raw = strings.TrimSpace(raw); raw == "" {
		return def
	}
	return raw
}
