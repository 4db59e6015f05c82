package call

import (
	"log"

	"github.com/pion/webrtc/v4"
)

// mediaSetup is what the platform capture layer hands to the driver: a
// configured PeerConnection, optional local tracks with their senders for
// mute toggling, and a cleanup func for the capture pipeline.
type mediaSetup struct {
	pc       *webrtc.PeerConnection
	closeFn  func() // may be nil
	hasMedia bool

	videoTrack  webrtc.TrackLocal
	audioTrack  webrtc.TrackLocal
	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender
}

func (m *mediaSetup) close() {
	if m.closeFn != nil {
		m.closeFn()
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(sessionID string, pc *webrtc.PeerConnection) {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(video) error: %v", sessionID, err)
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		log.Printf("CALL [%s]: AddTransceiver(audio) error: %v", sessionID, err)
	}
}
