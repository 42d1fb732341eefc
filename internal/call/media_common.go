package call

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// pliInterval is how often a keyframe is requested on remote video so a
// late or lossy decoder recovers.
const pliInterval = 3 * time.Second

// DeviceConfig bounds local capture.
type DeviceConfig struct {
	MaxWidth  int
	MaxHeight int
	Bitrate   int
}

func (c DeviceConfig) withDefaults() DeviceConfig {
	if c.MaxWidth <= 0 {
		c.MaxWidth = 640
	}
	if c.MaxHeight <= 0 {
		c.MaxHeight = 480
	}
	if c.Bitrate <= 0 {
		c.Bitrate = 1_500_000
	}
	return c
}

type rtpWriter interface {
	WriteRTP(pkt *rtp.Packet) error
	Close() error
}

// remoteTrack is what the sink needs from *webrtc.TrackRemote.
type remoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	SSRC() webrtc.SSRC
	Codec() webrtc.RTPCodecParameters
	ReadRTP() (*rtp.Packet, error)
}

type pionRemoteTrack struct{ *webrtc.TrackRemote }

func (t pionRemoteTrack) ReadRTP() (*rtp.Packet, error) {
	pkt, _, err := t.TrackRemote.ReadRTP()
	return pkt, err
}

// drainRemote reads every packet of a remote track until it ends. Video gets
// periodic PLI requests through rtcpOut; when recordDir is set VP8 goes to an
// IVF file and Opus to an Ogg file.
func drainRemote(callID string, track remoteTrack, rtcpOut func([]rtcp.Packet) error, recordDir string, done <-chan struct{}) {
	codec := track.Codec()
	log.Printf("CALL [%s]: remote %s track %s (%s)", callID, track.Kind(), track.ID(), codec.MimeType)

	var w rtpWriter
	if recordDir != "" {
		var err error
		w, err = openRecorder(recordDir, callID, codec)
		if err != nil {
			log.Printf("CALL [%s]: recording disabled: %v", callID, err)
		}
		if w != nil {
			defer func() {
				if err := w.Close(); err != nil {
					log.Printf("CALL [%s]: close recording: %v", callID, err)
				}
			}()
		}
	}

	if track.Kind() == webrtc.RTPCodecTypeVideo && rtcpOut != nil {
		stop := make(chan struct{})
		defer close(stop)
		go requestKeyframes(uint32(track.SSRC()), rtcpOut, stop, done)
	}

	for {
		pkt, err := track.ReadRTP()
		if err != nil {
			return
		}
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				log.Printf("CALL [%s]: recording write: %v", callID, err)
				_ = w.Close()
				w = nil
			}
		}
	}
}

func requestKeyframes(ssrc uint32, rtcpOut func([]rtcp.Packet) error, stop, done <-chan struct{}) {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			if err := rtcpOut([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: ssrc}}); err != nil {
				return
			}
		}
	}
}

// openRecorder opens a container file named after the call for codec.
func openRecorder(dir, callID string, codec webrtc.RTPCodecParameters) (rtpWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	switch {
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeVP8):
		w, err := ivfwriter.New(filepath.Join(dir, callID+".ivf"))
		if err != nil {
			return nil, err
		}
		return w, nil
	case strings.EqualFold(codec.MimeType, webrtc.MimeTypeOpus):
		channels := codec.Channels
		if channels == 0 {
			channels = 2
		}
		w, err := oggwriter.New(filepath.Join(dir, callID+".ogg"), codec.ClockRate, channels)
		if err != nil {
			return nil, err
		}
		return w, nil
	default:
		return nil, fmt.Errorf("no container for %s", codec.MimeType)
	}
}
