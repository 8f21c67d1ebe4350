package webrtc

import (
	"errors"
	"io"
	"sort"
	"sync"

	"livecast/internal/core/ports"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// TrackStats summarizes what has been received on one remote track.
type TrackStats struct {
	TrackID   string
	Kind      string
	Packets   uint64
	Bytes     uint64
	Keyframes uint64
	Lost      uint64

	lastSeq uint16
	started bool
}

// TrackMonitor counts packets, losses and keyframes on remote tracks.
type TrackMonitor struct {
	mu     sync.Mutex
	stats  map[string]*TrackStats
	logger *zap.SugaredLogger
}

func NewTrackMonitor(logger *zap.SugaredLogger) *TrackMonitor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &TrackMonitor{
		stats:  make(map[string]*TrackStats),
		logger: logger,
	}
}

// Consume reads track until it ends.
func (m *TrackMonitor) Consume(track ports.RemoteTrack) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				m.logger.Debugw("remote track read failed", "track_id", track.ID(), "error", err)
			}
			return
		}
		m.Observe(track.ID(), track.Kind(), pkt)
	}
}

func (m *TrackMonitor) Observe(trackID string, kind webrtc.RTPCodecType, pkt *rtp.Packet) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stats[trackID]
	if !ok {
		s = &TrackStats{TrackID: trackID, Kind: kind.String()}
		m.stats[trackID] = s
	}

	if s.started {
		// Sequence numbers wrap at 2^16; a gap below half the space is loss,
		// anything else is reordering or a duplicate.
		if gap := pkt.SequenceNumber - s.lastSeq; gap > 1 && gap < 0x8000 {
			s.Lost += uint64(gap - 1)
		}
	}
	if !s.started || pkt.SequenceNumber-s.lastSeq < 0x8000 {
		s.lastSeq = pkt.SequenceNumber
	}
	s.started = true

	s.Packets++
	s.Bytes += uint64(len(pkt.Payload))
	if kind == webrtc.RTPCodecTypeVideo && IsVP8Keyframe(pkt.Payload) {
		s.Keyframes++
	}
}

// Snapshot returns the stats of every track, ordered by track ID.
func (m *TrackMonitor) Snapshot() []TrackStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]TrackStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// IsVP8Keyframe reports whether payload starts a VP8 key frame (RFC 7741).
func IsVP8Keyframe(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	b := payload[0]
	start := b&0x10 != 0
	pid := b & 0x07
	i := 1
	if b&0x80 != 0 { // X: extended control bits
		if len(payload) < 2 {
			return false
		}
		ext := payload[1]
		i = 2
		if ext&0x80 != 0 { // I: picture ID
			if len(payload) <= i {
				return false
			}
			if payload[i]&0x80 != 0 {
				i += 2
			} else {
				i++
			}
		}
		if ext&0x40 != 0 { // L: TL0PICIDX
			i++
		}
		if ext&0x30 != 0 { // T or K
			i++
		}
	}
	if !start || pid != 0 || len(payload) <= i {
		return false
	}
	// P bit clear marks a key frame.
	return payload[i]&0x01 == 0
}
