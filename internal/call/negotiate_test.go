package call

import "testing"

func TestRolePoliteness(t *testing.T) {
	if RoleInitiator.Polite() {
		t.Fatal("initiator must be impolite")
	}
	if !RoleResponder.Polite() {
		t.Fatal("responder must be polite")
	}
}

func TestDecideOfferNoGlare(t *testing.T) {
	// Without an offer of our own in flight, every role accepts.
	for _, polite := range []bool{true, false} {
		for _, st := range []NegotiationState{NegIdle, NegAnswering, NegStable} {
			if got := DecideOffer(polite, st); got != OfferAccept {
				t.Errorf("DecideOffer(polite=%v, %s) = %v, want accept", polite, st, got)
			}
		}
	}
}

func TestDecideOfferGlare(t *testing.T) {
	// Both sides sent an offer before seeing the other's.  The polite side
	// rolls back its own; the impolite side ignores the remote one, so the
	// impolite offer prevails in every interleaving.
	if got := DecideOffer(true, NegOffering); got != OfferRollbackAccept {
		t.Fatalf("polite glare = %v, want rollback-accept", got)
	}
	if got := DecideOffer(false, NegOffering); got != OfferIgnore {
		t.Fatalf("impolite glare = %v, want ignore", got)
	}
}

func TestGlareInterleavings(t *testing.T) {
	// Simulate the two endpoints' independent arrival orders: whichever
	// order the offers cross in, exactly one offer survives and it is the
	// impolite one.
	type endpoint struct {
		role  Role
		state NegotiationState
	}
	impolite := endpoint{RoleInitiator, NegOffering}
	polite := endpoint{RoleResponder, NegOffering}

	// Arrival order A: polite receives first, then impolite.
	// Arrival order B: impolite receives first, then polite.
	for name, order := range map[string][2]*endpoint{
		"polite-first":   {&polite, &impolite},
		"impolite-first": {&impolite, &polite},
	} {
		p, i := *order[0], *order[1]
		dp := DecideOffer(p.role.Polite(), p.state)
		di := DecideOffer(i.role.Polite(), i.state)

		var accepted int
		for _, d := range []OfferDecision{dp, di} {
			if d == OfferAccept || d == OfferRollbackAccept {
				accepted++
			}
		}
		if accepted != 1 {
			t.Errorf("%s: %d offers accepted, want exactly 1", name, accepted)
		}
	}
}
