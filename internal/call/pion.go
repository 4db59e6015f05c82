package call

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/peercall/internal/signal"
)

// PionConfig configures the production negotiation driver.
type PionConfig struct {
	// ICEServers are STUN/TURN URLs.  Empty falls back to Google STUN.
	ICEServers []string
	// RequireLocalMedia makes camera/mic failure fatal instead of degrading
	// to a receive-only call.
	RequireLocalMedia bool
}

// NewPionFactory returns a DriverFactory producing PionDriver instances.
func NewPionFactory(cfg PionConfig) DriverFactory {
	return func(_ context.Context, sessionID string, role Role) (Driver, error) {
		return newPionDriver(sessionID, role, cfg)
	}
}

// PionDriver drives a pion/webrtc PeerConnection.  All Driver methods run on
// the session's event loop; pion callbacks arrive on pion goroutines and only
// touch the driver through emit.
type PionDriver struct {
	sessionID string
	role      Role
	media     *mediaSetup
	pc        *webrtc.PeerConnection

	mu      sync.Mutex
	closed  bool
	events  chan DriverEvent
	videoOn bool
	audioOn bool

	remoteStreamOnce sync.Once
	closeOnce        sync.Once
}

func newPionDriver(sessionID string, role Role, cfg PionConfig) (*PionDriver, error) {
	urls := cfg.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	servers := []webrtc.ICEServer{{URLs: urls}}

	media, err := newMediaPeerConnection(sessionID, servers, cfg.RequireLocalMedia)
	if err != nil {
		return nil, err
	}

	d := &PionDriver{
		sessionID: sessionID,
		role:      role,
		media:     media,
		pc:        media.pc,
		events:    make(chan DriverEvent, 32),
		videoOn:   media.videoTrack != nil,
		audioOn:   media.audioTrack != nil,
	}

	d.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // end of gathering
		}
		init := c.ToJSON()
		cand := &signal.Candidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			cand.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			cand.SDPMLineIndex = *init.SDPMLineIndex
		}
		d.emit(DriverEvent{Kind: DriverLocalSignal, Signal: &signal.Message{
			Type:      signal.TypeCandidate,
			Candidate: cand,
		}})
	})

	d.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Printf("CALL [%s]: remote track %s (%s)", sessionID, track.ID(), track.Kind())
		d.remoteStreamOnce.Do(func() {
			d.emit(DriverEvent{Kind: DriverRemoteStream})
		})
	})

	d.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Printf("CALL [%s]: connection state %s", sessionID, st)
		switch st {
		case webrtc.PeerConnectionStateConnected:
			d.emit(DriverEvent{Kind: DriverConnected})
		case webrtc.PeerConnectionStateClosed:
			d.emit(DriverEvent{Kind: DriverClosed})
		case webrtc.PeerConnectionStateFailed:
			d.emit(DriverEvent{Kind: DriverFailed, Err: fmt.Errorf("peer connection failed")})
		}
	})

	return d, nil
}

// emit delivers an event unless the driver is closed.  Never blocks: the
// session loop may already be draining toward shutdown.
func (d *PionDriver) emit(ev DriverEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	select {
	case d.events <- ev:
	default:
		log.Printf("CALL [%s]: driver event queue full, dropping %v", d.sessionID, ev.Kind)
	}
}

// Start kicks off negotiation.  The initiator produces the offer; the
// responder just waits for one.
func (d *PionDriver) Start(_ context.Context) error {
	if d.media.hasMedia {
		d.emit(DriverEvent{Kind: DriverLocalStream})
	}
	if d.role != RoleInitiator {
		return nil
	}

	offer, err := d.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := d.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	d.emit(DriverEvent{Kind: DriverLocalSignal, Signal: &signal.Message{
		Type:  signal.TypeOffer,
		Offer: &signal.Description{Type: "offer", SDP: offer.SDP},
	}})
	return nil
}

// HandleOffer applies a remote offer and emits the local answer.
func (d *PionDriver) HandleOffer(desc *signal.Description) error {
	err := d.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  desc.SDP,
	})
	if err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}

	answer, err := d.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := d.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	d.emit(DriverEvent{Kind: DriverLocalSignal, Signal: &signal.Message{
		Type:   signal.TypeAnswer,
		Answer: &signal.Description{Type: "answer", SDP: answer.SDP},
	}})
	return nil
}

// HandleAnswer applies the remote answer to our outstanding offer.
func (d *PionDriver) HandleAnswer(desc *signal.Description) error {
	err := d.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  desc.SDP,
	})
	if err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	return nil
}

// Rollback discards our pending local offer so a remote one can be applied.
func (d *PionDriver) Rollback() error {
	err := d.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback})
	if err != nil {
		return fmt.Errorf("rollback local description: %w", err)
	}
	return nil
}

// AddCandidate feeds a remote ICE candidate into the connection.
func (d *PionDriver) AddCandidate(c *signal.Candidate) error {
	mid := c.SDPMid
	idx := c.SDPMLineIndex
	err := d.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	if err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// ToggleVideo mutes or unmutes the local camera by swapping the sender track.
func (d *PionDriver) ToggleVideo() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.media.videoSender == nil {
		return false
	}
	d.videoOn = !d.videoOn
	var track webrtc.TrackLocal
	if d.videoOn {
		track = d.media.videoTrack
	}
	if err := d.media.videoSender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: toggle video: %v", d.sessionID, err)
	}
	return d.videoOn
}

// ToggleAudio mutes or unmutes the local microphone.
func (d *PionDriver) ToggleAudio() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.media.audioSender == nil {
		return false
	}
	d.audioOn = !d.audioOn
	var track webrtc.TrackLocal
	if d.audioOn {
		track = d.media.audioTrack
	}
	if err := d.media.audioSender.ReplaceTrack(track); err != nil {
		log.Printf("CALL [%s]: toggle audio: %v", d.sessionID, err)
	}
	return d.audioOn
}

// Events returns the driver's event stream.  Closed by Close.
func (d *PionDriver) Events() <-chan DriverEvent { return d.events }

// Close stops capture and the peer connection.  Idempotent.
func (d *PionDriver) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		d.media.close()
		err = d.pc.Close()
		close(d.events)
	})
	return err
}
