package webrtc

import (
	"fmt"
	"time"

	"livecast/internal/core/domain"
	"livecast/internal/core/ports"
	"livecast/pkg/config"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/intervalpli"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// FactoryConfig WebRTC configuration
type FactoryConfig struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
	// PLIInterval is how often a viewer asks for a keyframe. Zero uses the
	// interceptor default.
	PLIInterval time.Duration
}

func FactoryConfigFrom(cfg *config.Config) FactoryConfig {
	fc := FactoryConfig{}
	for _, s := range cfg.WebRTC.ICEServers {
		fc.ICEServers = append(fc.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	fc.PortRange.Min = cfg.WebRTC.PortRange.Min
	fc.PortRange.Max = cfg.WebRTC.PortRange.Max
	return fc
}

// PeerFactory builds pion peer connections. Broadcaster connections and
// viewer connections come from separate APIs; the viewer API also sends
// periodic PLIs so a late joiner gets a keyframe.
type PeerFactory struct {
	config     FactoryConfig
	publishAPI *webrtc.API
	viewAPI    *webrtc.API
	logger     *zap.SugaredLogger
}

func NewPeerFactory(cfg FactoryConfig, logger *zap.SugaredLogger) (*PeerFactory, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}

	settingEngine := webrtc.SettingEngine{}
	if cfg.PortRange.Min > 0 && cfg.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(cfg.PortRange.Min, cfg.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	publishAPI, err := newAPI(settingEngine)
	if err != nil {
		return nil, fmt.Errorf("failed to build publish API: %w", err)
	}

	var pliOpts []intervalpli.GeneratorOption
	if cfg.PLIInterval > 0 {
		pliOpts = append(pliOpts, intervalpli.GeneratorInterval(cfg.PLIInterval))
	}
	pli, err := intervalpli.NewReceiverInterceptor(pliOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PLI interceptor: %w", err)
	}
	viewAPI, err := newAPI(settingEngine, pli)
	if err != nil {
		return nil, fmt.Errorf("failed to build view API: %w", err)
	}

	return &PeerFactory{
		config:     cfg,
		publishAPI: publishAPI,
		viewAPI:    viewAPI,
		logger:     logger,
	}, nil
}

func newAPI(settingEngine webrtc.SettingEngine, extra ...interceptor.Factory) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	i := &interceptor.Registry{}
	for _, f := range extra {
		i.Add(f)
	}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, err
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settingEngine),
	), nil
}

// NewPeerConnection creates a connection to remoteID. role is the local
// participant's role on it.
func (f *PeerFactory) NewPeerConnection(remoteID domain.ParticipantID, role domain.Role) (ports.PeerConnection, error) {
	api := f.viewAPI
	if role == domain.RoleBroadcaster {
		api = f.publishAPI
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: f.config.ICEServers,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	f.logger.Debugw("peer connection created", "remote_id", remoteID, "role", role)
	return newPeerConnection(pc, f.logger.With("remote_id", remoteID)), nil
}
