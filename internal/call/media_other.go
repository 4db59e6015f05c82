//go:build !(linux && cgo)

package call

import (
	"log"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// newMediaPeerConnection creates a receive-only PeerConnection on non-Linux
// platforms.  Camera/mic capture via pion/mediadevices needs platform drivers
// (V4L2/malgo) that are only wired up on Linux here.
func newMediaPeerConnection(sessionID string, servers []webrtc.ICEServer, requireMedia bool) (*mediaSetup, error) {
	if requireMedia {
		return nil, ErrMediaUnavailable
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	// Recvonly transceivers so SDP has valid m-lines with ICE credentials.
	addRecvOnlyTransceivers(sessionID, pc)

	log.Printf("CALL [%s]: peer connection ready (receive-only, no local media on this platform)", sessionID)
	return &mediaSetup{pc: pc}, nil
}
