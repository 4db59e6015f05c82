package call

import (
	"log"
	"sync"
	"time"
)

// Cause is a likely reason a call failed to connect in time.
type Cause string

const (
	CauseRemoteOffline  Cause = "remote-offline"   // no signals from the peer at all
	CauseNotApproved    Cause = "not-approved"     // offer out, no answer back
	CauseNetworkBlocked Cause = "network-blocked"  // SDP exchanged but connectivity never formed
	CauseRemoteFailure  Cause = "remote-failure"   // peer signalled but negotiation stalled
)

// Diagnosis is emitted once per monitored session that misses the
// connection bound.
type Diagnosis struct {
	SessionID      string
	Role           Role
	State          State
	SignalsSeen    int64
	OfferSent      bool
	AnswersSeen    int64
	CandidatesSeen int64
	Elapsed        time.Duration
	LikelyCauses   []Cause
}

// Monitor watches sessions and reports the ones that do not reach a
// connected state within the bound.  It never tears a call down; slow
// negotiations that eventually connect are left alone.
type Monitor struct {
	Bound    time.Duration // default 30s
	Interval time.Duration // default 1s; shrunk in tests
	OnStall  func(Diagnosis)
}

const (
	defaultMonitorBound    = 30 * time.Second
	defaultMonitorInterval = time.Second
)

// Watch starts a watchdog for one session.  The returned stop function is
// idempotent; the session calls it during teardown.
func (m *Monitor) Watch(s *Session) func() {
	bound := m.Bound
	if bound <= 0 {
		bound = defaultMonitorBound
	}
	interval := m.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}

	stopCh := make(chan struct{})
	var stopOnce sync.Once
	stop := func() { stopOnce.Do(func() { close(stopCh) }) }

	go func() {
		deadline := time.Now().Add(bound)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stopCh:
				return
			case now := <-ticker.C:
				if s.Connected() || s.Ended() {
					return
				}
				if now.Before(deadline) {
					continue
				}
				d := m.diagnose(s, now)
				log.Printf("MONITOR [%s]: no connection after %s (signals=%d offer=%v answers=%d candidates=%d) likely=%v",
					s.ID(), d.Elapsed.Round(time.Second), d.SignalsSeen, d.OfferSent, d.AnswersSeen, d.CandidatesSeen, d.LikelyCauses)
				// The session keeps running, but if it later ends without
				// ever connecting the teardown records a timeout outcome.
				s.stalled.Store(true)
				if m.OnStall != nil {
					m.OnStall(d)
				}
				return
			}
		}
	}()
	return stop
}

func (m *Monitor) diagnose(s *Session, now time.Time) Diagnosis {
	st := s.Stats()
	d := Diagnosis{
		SessionID:      s.ID(),
		Role:           s.Role(),
		State:          s.State(),
		SignalsSeen:    st.SignalsSeen,
		OfferSent:      st.OfferSent,
		AnswersSeen:    st.AnswersSeen,
		CandidatesSeen: st.CandidatesSeen,
		Elapsed:        now.Sub(s.callStart),
	}
	switch {
	case st.SignalsSeen == 0:
		d.LikelyCauses = append(d.LikelyCauses, CauseRemoteOffline)
		if st.OfferSent {
			d.LikelyCauses = append(d.LikelyCauses, CauseNotApproved)
		}
	case st.OfferSent && st.AnswersSeen == 0 && s.Role() == RoleInitiator:
		d.LikelyCauses = append(d.LikelyCauses, CauseNotApproved, CauseRemoteFailure)
	case st.CandidatesSeen > 0:
		// Both sides produced candidates and still no connectivity.
		d.LikelyCauses = append(d.LikelyCauses, CauseNetworkBlocked)
	default:
		d.LikelyCauses = append(d.LikelyCauses, CauseRemoteFailure)
	}
	return d
}
