package webrtc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"livecast/internal/core/ports"
	"livecast/pkg/event"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// ErrNoCaptureSource is returned by Acquire when no input is configured.
var ErrNoCaptureSource = errors.New("no capture source configured")

const maxRTPPacketSize = 1500

// RTPMedia is a broadcast's local media: an Opus and a VP8 track fed with
// already packetized RTP. Every outbound connection shares the same tracks.
type RTPMedia struct {
	id    string
	audio *localTrack
	video *localTrack

	keyframes    event.Feed[string]
	audioPackets atomic.Uint64
	videoPackets atomic.Uint64
}

// localTrack forwards keyframe requests from RTCP to the media's feed.
type localTrack struct {
	*webrtc.TrackLocalStaticRTP
	media *RTPMedia
}

func (t *localTrack) RequestKeyframe() {
	t.media.keyframes.Publish(t.ID())
}

func NewRTPMedia(id string, withAudio, withVideo bool) (*RTPMedia, error) {
	if !withAudio && !withVideo {
		return nil, ErrNoCaptureSource
	}
	m := &RTPMedia{id: id}
	if withAudio {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", id)
		if err != nil {
			return nil, err
		}
		m.audio = &localTrack{TrackLocalStaticRTP: t, media: m}
	}
	if withVideo {
		t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", id)
		if err != nil {
			return nil, err
		}
		m.video = &localTrack{TrackLocalStaticRTP: t, media: m}
	}
	return m, nil
}

func (m *RTPMedia) ID() string { return m.id }

func (m *RTPMedia) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if m.audio != nil {
		tracks = append(tracks, m.audio)
	}
	if m.video != nil {
		tracks = append(tracks, m.video)
	}
	return tracks
}

func (m *RTPMedia) WriteAudio(p *rtp.Packet) error {
	if m.audio == nil {
		return fmt.Errorf("media %s has no audio track", m.id)
	}
	m.audioPackets.Add(1)
	return m.audio.WriteRTP(p)
}

func (m *RTPMedia) WriteVideo(p *rtp.Packet) error {
	if m.video == nil {
		return fmt.Errorf("media %s has no video track", m.id)
	}
	m.videoPackets.Add(1)
	return m.video.WriteRTP(p)
}

// Packets returns how many audio and video packets have been written.
func (m *RTPMedia) Packets() (audio, video uint64) {
	return m.audioPackets.Load(), m.videoPackets.Load()
}

// OnKeyframeRequest is called with the track ID whenever a viewer reports
// picture loss on it.
func (m *RTPMedia) OnKeyframeRequest(fn func(trackID string)) func() {
	return m.keyframes.Subscribe(fn)
}

// MediaConfig names the UDP addresses an encoder sends RTP to, e.g.
// ffmpeg's rtp:// output. An empty address disables that kind.
type MediaConfig struct {
	AudioAddr string
	VideoAddr string
}

// UDPMediaProvider captures media by listening for RTP on UDP.
type UDPMediaProvider struct {
	cfg    MediaConfig
	logger *zap.SugaredLogger

	mu       sync.Mutex
	captures map[string]*udpCapture
}

type udpCapture struct {
	media  *RTPMedia
	conns  []net.PacketConn
	wg     sync.WaitGroup
	unsubs func()
}

func NewUDPMediaProvider(cfg MediaConfig, logger *zap.SugaredLogger) *UDPMediaProvider {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &UDPMediaProvider{
		cfg:      cfg,
		logger:   logger,
		captures: make(map[string]*udpCapture),
	}
}

func (p *UDPMediaProvider) Acquire(ctx context.Context) (ports.LocalMedia, error) {
	media, err := NewRTPMedia("livecast-"+uuid.NewString(), p.cfg.AudioAddr != "", p.cfg.VideoAddr != "")
	if err != nil {
		return nil, err
	}

	c := &udpCapture{media: media}
	listen := func(addr string, write func(*rtp.Packet) error) error {
		var lc net.ListenConfig
		conn, err := lc.ListenPacket(ctx, "udp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		c.conns = append(c.conns, conn)
		c.wg.Add(1)
		go p.pump(c, conn, write)
		return nil
	}

	if p.cfg.AudioAddr != "" {
		err = listen(p.cfg.AudioAddr, media.WriteAudio)
	}
	if err == nil && p.cfg.VideoAddr != "" {
		err = listen(p.cfg.VideoAddr, media.WriteVideo)
	}
	if err != nil {
		c.close()
		return nil, err
	}

	c.unsubs = media.OnKeyframeRequest(func(trackID string) {
		p.logger.Debugw("keyframe requested; encoder must be configured with a short GOP", "media_id", media.ID(), "track_id", trackID)
	})

	p.mu.Lock()
	p.captures[media.ID()] = c
	p.mu.Unlock()

	p.logger.Infow("capturing RTP", "media_id", media.ID(), "audio", p.cfg.AudioAddr, "video", p.cfg.VideoAddr)
	return media, nil
}

func (p *UDPMediaProvider) pump(c *udpCapture, conn net.PacketConn, write func(*rtp.Packet) error) {
	defer c.wg.Done()
	buf := make([]byte, maxRTPPacketSize)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			p.logger.Debugw("dropping non-RTP datagram", "addr", conn.LocalAddr().String(), "error", err)
			continue
		}
		if err := write(pkt); err != nil {
			p.logger.Debugw("failed to write RTP packet", "media_id", c.media.ID(), "error", err)
		}
	}
}

func (c *udpCapture) close() {
	for _, conn := range c.conns {
		conn.Close()
	}
	c.wg.Wait()
	if c.unsubs != nil {
		c.unsubs()
	}
}

// Release stops capturing for media. Unknown media is ignored.
func (p *UDPMediaProvider) Release(media ports.LocalMedia) {
	if media == nil {
		return
	}
	p.mu.Lock()
	c, ok := p.captures[media.ID()]
	delete(p.captures, media.ID())
	p.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	p.logger.Infow("capture released", "media_id", media.ID())
}

// LocalAddrs returns the addresses media is listening on.
func (p *UDPMediaProvider) LocalAddrs(media ports.LocalMedia) []net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.captures[media.ID()]
	if !ok {
		return nil
	}
	addrs := make([]net.Addr, len(c.conns))
	for i, conn := range c.conns {
		addrs[i] = conn.LocalAddr()
	}
	return addrs
}
