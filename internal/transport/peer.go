package transport

import (
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/teleview/internal/config"
	"github.com/1ureka/teleview/internal/util"
)

// NewAPI builds the pion API shared by every peer of the process. pion's
// internal logging is routed through the application logger.
func NewAPI(cfg config.Config) *webrtc.API {
	se := webrtc.SettingEngine{
		LoggerFactory: util.PionLoggerFactory{},
	}
	if cfg.ICEGatheringTimeout > 0 {
		// Bounds server-reflexive lookups so gathering always reaches complete.
		se.SetSTUNGatherTimeout(cfg.ICEGatheringTimeout)
	}
	return webrtc.NewAPI(webrtc.WithSettingEngine(se))
}

// newPeerConnection creates a PeerConnection from api (or the pion default
// API when nil) using the given ICE servers.
func newPeerConnection(api *webrtc.API, iceServers []webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	config := webrtc.Configuration{
		ICEServers: iceServers,
	}
	if api == nil {
		return webrtc.NewPeerConnection(config)
	}
	return api.NewPeerConnection(config)
}
