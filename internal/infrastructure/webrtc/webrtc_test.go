package webrtc

import (
	"context"
	"net"
	"strings"
	"testing"
	"time"

	"livecast/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWantsKeyframe(t *testing.T) {
	tests := []struct {
		name    string
		packets []rtcp.Packet
		want    bool
	}{
		{"empty", nil, false},
		{"receiver report", []rtcp.Packet{&rtcp.ReceiverReport{}}, false},
		{"pli", []rtcp.Packet{&rtcp.ReceiverReport{}, &rtcp.PictureLossIndication{MediaSSRC: 1}}, true},
		{"fir", []rtcp.Packet{&rtcp.FullIntraRequest{MediaSSRC: 1}}, true},
		{"nack", []rtcp.Packet{&rtcp.TransportLayerNack{}}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := wantsKeyframe(tt.packets); got != tt.want {
				t.Errorf("wantsKeyframe() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRTPMedia_Tracks(t *testing.T) {
	m, err := NewRTPMedia("cam", true, true)
	require.NoError(t, err)

	tracks := m.Tracks()
	require.Len(t, tracks, 2)
	assert.Equal(t, webrtc.RTPCodecTypeAudio, tracks[0].Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, tracks[1].Kind())
	assert.Equal(t, "cam", tracks[1].StreamID())

	videoOnly, err := NewRTPMedia("screen", false, true)
	require.NoError(t, err)
	assert.Len(t, videoOnly.Tracks(), 1)
	assert.Error(t, videoOnly.WriteAudio(&rtp.Packet{}))

	_, err = NewRTPMedia("none", false, false)
	assert.ErrorIs(t, err, ErrNoCaptureSource)
}

func TestRTPMedia_KeyframeRequests(t *testing.T) {
	m, err := NewRTPMedia("cam", true, true)
	require.NoError(t, err)

	var got []string
	unsubscribe := m.OnKeyframeRequest(func(trackID string) { got = append(got, trackID) })

	requester, ok := m.Tracks()[1].(KeyframeRequester)
	require.True(t, ok)
	requester.RequestKeyframe()
	unsubscribe()
	requester.RequestKeyframe()

	assert.Equal(t, []string{"video"}, got)
}

func TestUDPMediaProvider_CapturesRTP(t *testing.T) {
	p := NewUDPMediaProvider(MediaConfig{AudioAddr: "127.0.0.1:0", VideoAddr: "127.0.0.1:0"}, nil)

	media, err := p.Acquire(context.Background())
	require.NoError(t, err)
	addrs := p.LocalAddrs(media)
	require.Len(t, addrs, 2)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 96, SequenceNumber: 1, SSRC: 42}, Payload: []byte{0x10, 0x00}}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	conn, err := net.Dial("udp", addrs[1].String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(raw)
	require.NoError(t, err)
	_, err = conn.Write([]byte("junk"))
	require.NoError(t, err)

	rtpMedia := media.(*RTPMedia)
	require.Eventually(t, func() bool {
		_, video := rtpMedia.Packets()
		return video == 1
	}, time.Second, 5*time.Millisecond)
	audio, _ := rtpMedia.Packets()
	assert.Zero(t, audio)

	p.Release(media)
	assert.Nil(t, p.LocalAddrs(media))
	p.Release(media)
}

func TestUDPMediaProvider_ErrorsWithoutSource(t *testing.T) {
	p := NewUDPMediaProvider(MediaConfig{}, nil)
	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrNoCaptureSource)
}

func TestUDPMediaProvider_ListenFailureReleasesEverything(t *testing.T) {
	busy, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()

	p := NewUDPMediaProvider(MediaConfig{AudioAddr: "127.0.0.1:0", VideoAddr: busy.LocalAddr().String()}, nil)
	_, err = p.Acquire(context.Background())
	require.Error(t, err)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Empty(t, p.captures)
}

func TestPeerFactory_RejectsBadPortRange(t *testing.T) {
	cfg := FactoryConfig{}
	cfg.PortRange.Min = 6000
	cfg.PortRange.Max = 5000
	_, err := NewPeerFactory(cfg, nil)
	assert.Error(t, err)
}

// Negotiates a broadcaster and a viewer connection in process.
func TestPeerFactory_OfferAnswer(t *testing.T) {
	factory, err := NewPeerFactory(FactoryConfig{PLIInterval: time.Second}, nil)
	require.NoError(t, err)

	pub, err := factory.NewPeerConnection("viewer", domain.RoleBroadcaster)
	require.NoError(t, err)
	defer pub.Close()
	sub, err := factory.NewPeerConnection("broadcaster", domain.RoleViewer)
	require.NoError(t, err)
	defer sub.Close()

	media, err := NewRTPMedia("cam", true, true)
	require.NoError(t, err)
	for _, track := range media.Tracks() {
		require.NoError(t, pub.AddTrack(track))
	}

	offer, err := pub.CreateOffer()
	require.NoError(t, err)
	assert.True(t, strings.Contains(offer.SDP, "m=audio"))
	assert.True(t, strings.Contains(offer.SDP, "m=video"))
	require.NoError(t, pub.SetLocalDescription(offer))

	require.NoError(t, sub.SetRemoteDescription(offer))
	answer, err := sub.CreateAnswer()
	require.NoError(t, err)
	require.NoError(t, sub.SetLocalDescription(answer))
	require.NoError(t, pub.SetRemoteDescription(answer))

	assert.Equal(t, webrtc.SDPTypeAnswer, answer.Type)
	assert.True(t, strings.Contains(answer.SDP, "a=recvonly"))
}
