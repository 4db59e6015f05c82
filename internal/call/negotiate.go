package call

// NegotiationState tracks where this endpoint stands in the offer/answer
// exchange.  The glare rule is a pure function of this state and politeness,
// so it can be tested without a live peer connection.
type NegotiationState int

const (
	// NegIdle: no offer in flight in either direction.
	NegIdle NegotiationState = iota
	// NegOffering: our own offer is in flight, no answer seen yet.
	NegOffering
	// NegAnswering: we accepted a remote offer and are producing the answer.
	NegAnswering
	// NegStable: offer/answer completed; only candidates may still flow.
	NegStable
)

func (s NegotiationState) String() string {
	switch s {
	case NegIdle:
		return "idle"
	case NegOffering:
		return "offering"
	case NegAnswering:
		return "answering"
	case NegStable:
		return "stable"
	default:
		return "unknown"
	}
}

// OfferDecision is the outcome of the glare rule for an incoming offer.
type OfferDecision int

const (
	// OfferAccept: apply the remote offer as-is.
	OfferAccept OfferDecision = iota
	// OfferRollbackAccept: discard our own in-flight offer, then apply the
	// remote one (polite endpoint in a collision).
	OfferRollbackAccept
	// OfferIgnore: drop the remote offer and keep our own in flight
	// (impolite endpoint in a collision).
	OfferIgnore
)

// DecideOffer resolves an incoming offer against the local negotiation state.
// A collision exists only while our own offer is in flight; outside of that
// every remote offer is accepted, including renegotiation offers in NegStable.
// This rule alone converges for all two-party interleavings: in a collision
// exactly one side is polite, so exactly one offer survives.
func DecideOffer(polite bool, state NegotiationState) OfferDecision {
	if state != NegOffering {
		return OfferAccept
	}
	if polite {
		return OfferRollbackAccept
	}
	return OfferIgnore
}
