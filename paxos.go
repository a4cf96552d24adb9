package viewchange

import (
	"github.com/dsprotocols/viewchange/internal/util"
	"github.com/dsprotocols/viewchange/logging"
)

// paxos is the view-change state machine for a single node. It tracks the
// installed view, accumulates quorum certificates for candidate views, and
// decides when a new view is installed.
//
// A node is a leader or a follower structurally: it leads exactly when
// roster.Leader(installedView) equals its own ID. The role is never stored,
// so it cannot diverge from the view and roster that define it.
//
// All methods must be called from the node event loop. One transition runs
// at a time, so no locking is needed here.
type paxos struct {
	// The roster index of this node.
	id uint32

	// The cluster membership, shared with the node driver.
	roster *Roster

	// The view this node currently has installed. Monotonically
	// non-decreasing for the lifetime of the process.
	installedView uint64

	// The highest view this node has proposed or seen proposed. Tracked for
	// observability only; it never gates a transition.
	lastAttempted uint64

	// In-progress certificates keyed by candidate view. Entries for views at
	// or below the installed view are cleared on install.
	certificates map[uint64]*Certificate

	// The certificate that satisfied quorum for the installed view. Empty at
	// view zero: the bootstrap view has no proof, so its leader cannot
	// suppress the first view change.
	installedCert Certificate

	// The timer pair owned by the node driver. The state machine resets the
	// progress timer on liveness signals and arms the proof timer while it
	// leads the installed view.
	progress *countdown
	proof    *countdown

	// broadcast fans a message out to every roster member, including self.
	broadcast func(Message)

	// quorumReached is invoked when a candidate view gathers a quorum of
	// ViewChange attestations, before the view is installed. Used by the
	// fault-injection test cases.
	quorumReached func(view uint64)

	// viewInstalled is invoked after a view is installed, with the new view
	// and its leader.
	viewInstalled func(view uint64, leader uint32)

	logger *logging.Logger
}

func newPaxos(
	id uint32,
	roster *Roster,
	progress *countdown,
	proof *countdown,
	broadcast func(Message),
	quorumReached func(view uint64),
	viewInstalled func(view uint64, leader uint32),
	logger *logging.Logger,
) *paxos {
	return &paxos{
		id:            id,
		roster:        roster,
		certificates:  make(map[uint64]*Certificate),
		progress:      progress,
		proof:         proof,
		broadcast:     broadcast,
		quorumReached: quorumReached,
		viewInstalled: viewInstalled,
		logger:        logger,
	}
}

// isLeader reports whether this node leads its installed view.
func (p *paxos) isLeader() bool {
	return p.roster.Leader(p.installedView) == p.id
}

// handleProgressTimeout begins a candidacy for the next view. The leader of
// the installed view has been silent for a full progress period, so the node
// proposes installedView+1 to everyone, counts its own attestation, and
// re-arms the progress timer to bound retry latency. There are no explicit
// retries: if the candidacy stalls, the next timeout produces a fresh
// broadcast.
func (p *paxos) handleProgressTimeout() {
	candidate := p.installedView + 1
	p.logger.Infof("node %d: progress timeout, proposing view %d", p.id, candidate)

	p.lastAttempted = util.Max(p.lastAttempted, candidate)
	p.broadcast(ViewChange{Sender: p.id, View: candidate})
	p.record(Attestation{Sender: p.id, View: candidate})
	p.progress.Reset()
}

// handleViewChange processes a view proposal from a peer. Proposals at or
// below the installed view are stale. A proposal for any higher view is
// recorded under that view; this node need not have proposed the view itself
// for the attestation to count, since certificates are keyed by view number.
func (p *paxos) handleViewChange(m ViewChange) {
	if !p.roster.Contains(m.Sender) {
		p.logger.Warnf("node %d: view change from unknown sender %d", p.id, m.Sender)
		return
	}
	if m.View <= p.installedView {
		p.logger.Debugf("node %d: stale view change for view %d from %d", p.id, m.View, m.Sender)
		return
	}

	p.lastAttempted = util.Max(p.lastAttempted, m.View)
	p.record(Attestation{Sender: m.Sender, View: m.View})
}

// record adds an attestation to the certificate for its view and installs
// the view once the certificate reaches quorum.
func (p *paxos) record(attestation Attestation) {
	certificate, ok := p.certificates[attestation.View]
	if !ok {
		certificate = &Certificate{}
		p.certificates[attestation.View] = certificate
	}
	if !certificate.Add(attestation) {
		return
	}
	p.logger.Debugf(
		"node %d: recorded attestation for view %d from %d (%d of %d)",
		p.id, attestation.View, attestation.Sender,
		len(certificate.Attestations), p.roster.Quorum(),
	)

	if !certificate.Certifies(attestation.View, p.roster.Quorum()) {
		return
	}
	if p.quorumReached != nil {
		p.quorumReached(attestation.View)
	}
	p.install(attestation.View, *certificate)
}

// handleViewChangeProof processes a periodic proof from a believed leader.
// A valid proof for a view at least as large as the installed one is the
// liveness signal that a live leader exists, so it renews the progress timer
// even when it installs nothing new. Followers adopt the proven view without
// collecting their own quorum; this is what lets one leader's proofs
// suppress view-change churn.
func (p *paxos) handleViewChangeProof(m ViewChangeProof) {
	if !p.roster.Contains(m.Sender) {
		p.logger.Warnf("node %d: proof from unknown sender %d", p.id, m.Sender)
		return
	}
	if !m.Certificate.Certifies(m.View, p.roster.Quorum()) {
		p.logger.Warnf(
			"node %d: discarding proof for view %d from %d: insufficient attestations",
			p.id, m.View, m.Sender,
		)
		return
	}
	if m.View < p.installedView {
		p.logger.Debugf("node %d: stale proof for view %d from %d", p.id, m.View, m.Sender)
		return
	}

	if m.View > p.installedView {
		p.logger.Infof("node %d: adopting view %d from proof by %d", p.id, m.View, m.Sender)
		p.lastAttempted = util.Max(p.lastAttempted, m.View)
		p.install(m.View, m.Certificate)
		return
	}

	// Proof of the view already installed: nothing changes, but the leader
	// is alive.
	p.progress.Reset()
}

// handleProofTimeout re-announces the installed view. Only meaningful while
// this node leads its installed view; the timer is left disarmed otherwise.
func (p *paxos) handleProofTimeout() {
	if !p.isLeader() {
		return
	}
	p.logger.Debugf("node %d: broadcasting proof of view %d", p.id, p.installedView)
	p.broadcast(ViewChangeProof{
		Sender:      p.id,
		View:        p.installedView,
		Certificate: p.installedCert,
	})
	p.proof.Reset()
}

// install makes view the node's installed view. The satisfying certificate
// is retained as proof, certificates for views made obsolete are discarded,
// and the progress timer restarts. If this node leads the new view it
// announces the proof immediately and arms the proof timer; otherwise the
// proof timer is disarmed.
func (p *paxos) install(view uint64, certificate Certificate) {
	// Monotonicity: callers only install views above the installed one.
	if view < p.installedView {
		panic("install would decrease the installed view")
	}

	p.installedView = view
	p.installedCert = certificate
	for candidate := range p.certificates {
		if candidate <= view {
			delete(p.certificates, candidate)
		}
	}
	p.progress.Reset()

	leader := p.roster.Leader(view)
	p.logger.Infof("node %d: installed view %d, leader is %d", p.id, view, leader)

	if leader == p.id {
		p.broadcast(ViewChangeProof{Sender: p.id, View: view, Certificate: certificate})
		p.proof.Reset()
	} else {
		p.proof.Stop()
	}

	if p.viewInstalled != nil {
		p.viewInstalled(view, leader)
	}
}
