package viewchange

// Message is the tagged union of protocol messages exchanged between nodes.
// Messages are value types: they are constructed once by the sender and
// consumed by the receiving state machine.
type Message interface {
	isMessage()
}

// ViewChange is broadcast by a node that believes the system should move to
// at least View, either because its progress timer fired or because it
// learned of a higher view from a peer.
type ViewChange struct {
	// The roster index of the node proposing the view.
	Sender uint32

	// The view the node is attempting to adopt.
	View uint64
}

// ViewChangeProof carries quorum evidence that View has been installed. It is
// broadcast periodically, and only by a node that currently believes itself
// to be the leader of View.
type ViewChangeProof struct {
	// The roster index of the node sending the proof.
	Sender uint32

	// The view the sender has installed.
	View uint64

	// The attestations that certify the view.
	Certificate Certificate
}

func (ViewChange) isMessage()      {}
func (ViewChangeProof) isMessage() {}

// Attestation records that a single node attested to a view.
type Attestation struct {
	// The roster index of the attesting node.
	Sender uint32

	// The view the node attested to.
	View uint64
}

// Certificate is an incrementally built set of attestations supporting a
// candidate view. The candidate view itself is tracked by the holder; a
// certificate only carries the evidence.
type Certificate struct {
	Attestations []Attestation
}

// Add records an attestation. Repeated attestations from the same sender are
// dropped so that a single noisy node cannot inflate the certificate.
// It reports whether the attestation was recorded.
func (c *Certificate) Add(attestation Attestation) bool {
	for _, existing := range c.Attestations {
		if existing.Sender == attestation.Sender {
			return false
		}
	}
	c.Attestations = append(c.Attestations, attestation)
	return true
}

// Certifies reports whether the certificate contains attestations from at
// least quorum distinct senders, each attesting to a view at least as large
// as the provided view. Senders are deduplicated here as well since a
// certificate received from the network may not have gone through Add.
func (c Certificate) Certifies(view uint64, quorum int) bool {
	distinct := make(map[uint32]struct{}, len(c.Attestations))
	for _, attestation := range c.Attestations {
		if attestation.View < view {
			continue
		}
		distinct[attestation.Sender] = struct{}{}
	}
	return len(distinct) >= quorum
}
