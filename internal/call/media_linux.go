//go:build linux && cgo

package call

import (
	"log"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// newMediaPeerConnection creates a PeerConnection with VP8+Opus codecs and
// attempts to capture local camera/mic via pion/mediadevices (V4L2 + malgo).
// Capture failures degrade to receive-only unless requireMedia is set, in
// which case they surface as ErrMediaUnavailable.
func newMediaPeerConnection(sessionID string, servers []webrtc.ICEServer, requireMedia bool) (*mediaSetup, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	codecSelector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	codecSelector.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	// Generous ICE timeouts so a brief relay/NAT hiccup does not immediately
	// terminate the call.  The default disconnectedTimeout of 5s is too short
	// for relay paths that see short outages during re-keying or failover.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		log.Printf("CALL [%s]: no media devices found by pion/mediadevices", sessionID)
	} else {
		for _, d := range devices {
			log.Printf("CALL [%s]: media device kind=%v label=%q", sessionID, d.Kind, d.Label)
		}
	}

	// GetUserMedia fails as a unit if either track can't be opened.  Try
	// video+audio first, then video-only, then audio-only so a missing or
	// busy microphone doesn't take the camera down with it.
	type attempt struct {
		video bool
		audio bool
		label string
	}
	for _, a := range []attempt{
		{true, true, "video+audio"},
		{true, false, "video-only"},
		{false, true, "audio-only"},
	} {
		constraints := mediadevices.MediaStreamConstraints{Codec: codecSelector}
		if a.video {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				// Exclude MJPEG: some cameras expose an MJPEG V4L2 node that
				// produces malformed JPEG frames, which poisons the VP8
				// encoder and makes SetRemoteDescription fail.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			}
		}
		if a.audio {
			constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			log.Printf("CALL [%s]: GetUserMedia (%s) failed: %v", sessionID, a.label, err)
			continue
		}

		tracks := stream.GetTracks()
		ms := &mediaSetup{pc: pc, hasMedia: true}
		for _, track := range tracks {
			track.OnEnded(func(err error) {
				if err != nil {
					log.Printf("CALL [%s]: local track ended: %v", sessionID, err)
				}
			})
			sender, err := pc.AddTrack(track)
			if err != nil {
				log.Printf("CALL [%s]: AddTrack error: %v", sessionID, err)
				continue
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				ms.videoTrack, ms.videoSender = track, sender
			case webrtc.RTPCodecTypeAudio:
				ms.audioTrack, ms.audioSender = track, sender
			}
		}

		log.Printf("CALL [%s]: local media captured (%s), %d tracks", sessionID, a.label, len(tracks))
		ms.closeFn = func() {
			for _, t := range tracks {
				t.Close()
			}
		}
		return ms, nil
	}

	if requireMedia {
		pc.Close()
		return nil, ErrMediaUnavailable
	}

	// All attempts failed; fall back to receive-only so the call can still
	// show the remote side even without a local camera/mic.
	log.Printf("CALL [%s]: all media capture attempts failed, proceeding receive-only", sessionID)
	addRecvOnlyTransceivers(sessionID, pc)
	return &mediaSetup{pc: pc}, nil
}
