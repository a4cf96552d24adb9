package viewchange

import (
	"sync"

	"github.com/dsprotocols/viewchange/internal/errors"
	"github.com/dsprotocols/viewchange/logging"
)

// Status is a point-in-time snapshot of a node's protocol state.
type Status struct {
	// The roster index of the node.
	ID uint32

	// The roster name of the node.
	Name string

	// The view the node currently has installed.
	InstalledView uint64

	// The highest view the node has proposed or seen proposed.
	LastAttempted uint64

	// The leader of the installed view.
	Leader uint32

	// Whether this node leads its installed view.
	IsLeader bool
}

// Node drives the view-change protocol for one process. It owns the roster
// and the node's identity, runs the event loop that feeds the state machine,
// and fans outbound broadcasts across the roster.
type Node struct {
	id     uint32
	name   string
	roster *Roster

	transport     Transport
	ownsTransport bool

	progress *countdown
	proof    *countdown
	paxos    *paxos

	testCase       TestCase
	installHandler func(view uint64, leader uint32)

	// Closed when the node's test case reports completion.
	done     chan struct{}
	doneOnce sync.Once

	// Closed by Stop to end the event loop.
	shutdown chan struct{}

	running bool
	wg      sync.WaitGroup

	// Mirror of the state machine's view counters, maintained by the event
	// loop so Status can be served without touching unguarded state.
	installedView uint64
	lastAttempted uint64

	logger *logging.Logger

	mu sync.RWMutex
}

// NewNode creates a node named name, which must match an entry in the
// provided roster. An unknown name is a configuration error: the process
// cannot participate without its roster index.
func NewNode(name string, roster *Roster, opts ...Option) (*Node, error) {
	var options options
	for _, opt := range opts {
		if err := opt(&options); err != nil {
			return nil, errors.WrapError(err, "failed to create node: %s", err.Error())
		}
	}
	if options.progressTimeout == 0 {
		options.progressTimeout = defaultProgressTimeout
	}
	if options.proofInterval == 0 {
		options.proofInterval = defaultProofInterval
	}

	id, ok := roster.IndexOf(name)
	if !ok {
		return nil, errors.New("node name " + name + " does not appear in the roster")
	}

	logger := options.logger
	if logger == nil {
		var err error
		logOpts := []logging.Option{}
		if options.levelSet {
			logOpts = append(logOpts, logging.WithLevel(options.logLevel))
		}
		logger, err = logging.NewLogger(logOpts...)
		if err != nil {
			return nil, errors.WrapError(err, "failed to create logger: %s", err.Error())
		}
	}

	transport := options.transport
	ownsTransport := false
	if transport == nil {
		var err error
		transport, err = NewTransport(roster.Member(id).Address, logger)
		if err != nil {
			return nil, errors.WrapError(err, "failed to create transport: %s", err.Error())
		}
		ownsTransport = true
	}

	node := &Node{
		id:             id,
		name:           name,
		roster:         roster,
		transport:      transport,
		ownsTransport:  ownsTransport,
		progress:       newCountdown(options.progressTimeout),
		proof:          newCountdown(options.proofInterval),
		testCase:       options.testCase,
		installHandler: options.installHandler,
		done:           make(chan struct{}),
		shutdown:       make(chan struct{}),
		logger:         logger,
	}
	node.paxos = newPaxos(
		id,
		roster,
		node.progress,
		node.proof,
		node.broadcast,
		node.quorumReached,
		node.viewInstalled,
		logger,
	)

	return node, nil
}

// Start runs the transport and the event loop. Every node begins at view 0;
// a node restarted after a crash re-synchronizes through incoming messages.
func (n *Node) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	if err := n.transport.Run(); err != nil {
		return errors.WrapError(err, "failed to start node: %s", err.Error())
	}

	n.progress.Reset()
	if n.roster.Leader(0) == n.id {
		n.proof.Reset()
	}

	n.running = true
	n.wg.Add(1)
	go n.run()

	n.logger.Infof(
		"node %d (%s): started at view 0, leader is %d",
		n.id, n.name, n.roster.Leader(0),
	)
	return nil
}

// Stop ends the event loop and shuts down the transport if the node created
// it. Stopping an already stopped node is a no-op.
func (n *Node) Stop() {
	n.mu.Lock()
	if !n.running {
		n.mu.Unlock()
		return
	}
	n.running = false
	close(n.shutdown)
	n.mu.Unlock()

	n.wg.Wait()
	if n.ownsTransport {
		n.transport.Shutdown()
	}
	n.progress.Stop()
	n.proof.Stop()
	n.logger.Infof("node %d (%s): stopped", n.id, n.name)
}

// Done returns a channel that is closed once the node's test case reports
// completion. It is never closed when no test case is configured.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

// Status returns a snapshot of the node's protocol state.
func (n *Node) Status() Status {
	n.mu.RLock()
	defer n.mu.RUnlock()
	leader := n.roster.Leader(n.installedView)
	return Status{
		ID:            n.id,
		Name:          n.name,
		InstalledView: n.installedView,
		LastAttempted: n.lastAttempted,
		Leader:        leader,
		IsLeader:      leader == n.id,
	}
}

// run is the node's event loop. It watches the progress timer, the proof
// timer, and the inbound message stream, dispatching exactly one state
// machine transition at a time. All state machine mutation happens on this
// goroutine.
func (n *Node) run() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdown:
			return
		case <-n.progress.C():
			n.paxos.handleProgressTimeout()
		case <-n.proof.C():
			n.paxos.handleProofTimeout()
		case message := <-n.transport.Inbound():
			switch m := message.(type) {
			case ViewChange:
				n.paxos.handleViewChange(m)
			case ViewChangeProof:
				n.paxos.handleViewChangeProof(m)
			}
		}
		n.syncStatus()
	}
}

// syncStatus mirrors the state machine's counters into the guarded fields
// served by Status.
func (n *Node) syncStatus() {
	n.mu.Lock()
	n.installedView = n.paxos.installedView
	n.lastAttempted = n.paxos.lastAttempted
	n.mu.Unlock()
}

// broadcast fans a message out to every roster member, the node itself
// included: the loop-back delivery is how a node's own attestations and
// proofs reach its state machine through the same path as everyone else's.
// Per-peer failures are message loss and are not reported.
func (n *Node) broadcast(message Message) {
	for _, member := range n.roster.Members() {
		if err := n.transport.Send(member.Address, message); err != nil {
			n.logger.Debugf("broadcast to %s failed: %s", member.Name, err.Error())
		}
	}
}

// quorumReached is the fault-injection hook: in the crash test cases,
// designated nodes die here, after gathering a quorum for a candidate view
// but before installing it.
func (n *Node) quorumReached(view uint64) {
	if n.testCase.CrashesAt(n.id) {
		n.logger.Errorf(
			"node %d: crashing before installing view %d (test case %s)",
			n.id, view, n.testCase,
		)
		panic("crashing")
	}
}

// viewInstalled reports a freshly installed view upward and checks the test
// case completion condition.
func (n *Node) viewInstalled(view uint64, leader uint32) {
	if n.installHandler != nil {
		n.installHandler(view, leader)
	}
	if n.testCase.CompletesAt(view, leader) {
		n.logger.Infof("node %d: test case %s complete at view %d", n.id, n.testCase, view)
		n.doneOnce.Do(func() { close(n.done) })
	}
}
