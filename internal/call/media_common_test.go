package call

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"
)

type scriptedTrack struct {
	kind  webrtc.RTPCodecType
	codec webrtc.RTPCodecParameters

	mu   sync.Mutex
	pkts []*rtp.Packet
	read int
}

func (t *scriptedTrack) ID() string                       { return "remote-" + t.kind.String() }
func (t *scriptedTrack) Kind() webrtc.RTPCodecType        { return t.kind }
func (t *scriptedTrack) SSRC() webrtc.SSRC                { return 42 }
func (t *scriptedTrack) Codec() webrtc.RTPCodecParameters { return t.codec }

func (t *scriptedTrack) ReadRTP() (*rtp.Packet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pkts) == 0 {
		return nil, io.EOF
	}
	p := t.pkts[0]
	t.pkts = t.pkts[1:]
	t.read++
	return p, nil
}

func opusPackets(n int) []*rtp.Packet {
	out := make([]*rtp.Packet, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, &rtp.Packet{
			Header:  rtp.Header{Version: 2, PayloadType: 111, SequenceNumber: uint16(i), Timestamp: uint32(i * 960), SSRC: 42},
			Payload: []byte{0xfc, 0xff, 0xfe},
		})
	}
	return out
}

func TestDrainRemoteRecordsOpus(t *testing.T) {
	dir := t.TempDir()
	track := &scriptedTrack{
		kind:  webrtc.RTPCodecTypeAudio,
		codec: webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}},
		pkts:  opusPackets(5),
	}
	done := make(chan struct{})
	drainRemote("c1", track, nil, dir, done)

	require.Equal(t, 5, track.read, "every packet is drained")
	data, err := os.ReadFile(filepath.Join(dir, "c1.ogg"))
	require.NoError(t, err)
	require.Equal(t, "OggS", string(data[:4]))
}

func TestDrainRemoteVideoOpensIVF(t *testing.T) {
	dir := t.TempDir()
	track := &scriptedTrack{
		kind:  webrtc.RTPCodecTypeVideo,
		codec: webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}},
	}
	drainRemote("c2", track, func([]rtcp.Packet) error { return nil }, dir, make(chan struct{}))

	data, err := os.ReadFile(filepath.Join(dir, "c2.ivf"))
	require.NoError(t, err)
	require.Equal(t, "DKIF", string(data[:4]))
}

func TestDrainRemoteWithoutContainerStillDrains(t *testing.T) {
	dir := t.TempDir()
	track := &scriptedTrack{
		kind:  webrtc.RTPCodecTypeVideo,
		codec: webrtc.RTPCodecParameters{RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: "video/H265", ClockRate: 90000}},
		pkts:  opusPackets(3),
	}
	drainRemote("c3", track, nil, dir, make(chan struct{}))
	require.Equal(t, 3, track.read)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
