package webrtcpeer

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SyntheticSource is a MediaSource that produces one video and one audio
// track without touching any capture hardware. The tracks negotiate real
// codecs but no frames are pushed; it exists for the call probe and tests,
// where only the negotiation and transport paths matter.
type SyntheticSource struct {
	StreamID string
}

// Tracks builds the VP8 video and Opus audio tracks.
func (s *SyntheticSource) Tracks() ([]webrtc.TrackLocal, error) {
	streamID := s.StreamID
	if streamID == "" {
		streamID = "probe"
	}

	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"video", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: video track: %w", err)
	}

	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("webrtcpeer: audio track: %w", err)
	}

	return []webrtc.TrackLocal{video, audio}, nil
}
