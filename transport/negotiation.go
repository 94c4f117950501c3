// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package transport

// NegotiationState is the local side of offer/answer at the moment a
// remote offer arrives.
type NegotiationState int

const (
	StateStable NegotiationState = iota

	// StateMakingOffer means a local offer is being created or is
	// still gathering candidates.
	StateMakingOffer

	StateHaveLocalOffer
	StateHaveRemoteOffer
)

func (s NegotiationState) String() string {
	switch s {
	case StateStable:
		return "stable"
	case StateMakingOffer:
		return "making-offer"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "unknown"
	}
}

// OfferDecision is what to do with a remote offer.
type OfferDecision int

const (
	// OfferApply sets the remote offer directly.
	OfferApply OfferDecision = iota

	// OfferRollback discards the local offer, then applies.
	OfferRollback

	// OfferIgnore drops the remote offer.
	OfferIgnore
)

func (d OfferDecision) String() string {
	switch d {
	case OfferApply:
		return "apply"
	case OfferRollback:
		return "rollback"
	case OfferIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// DecideOffer resolves offer glare. Any state other than stable is a
// collision; the initiator is impolite and keeps its own offer, the
// answerer is polite and yields to the remote one.
func DecideOffer(state NegotiationState, initiator bool) OfferDecision {
	if state == StateStable {
		return OfferApply
	}
	if initiator {
		return OfferIgnore
	}
	return OfferRollback
}
