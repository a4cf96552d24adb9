package viewchange

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/dsprotocols/viewchange/logging"
	"github.com/stretchr/testify/require"
)

// newTestLogger creates a logger that discards its output so tests stay
// quiet. Switch the writer to os.Stderr when debugging a failure.
func newTestLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, err := logging.NewLogger(
		logging.WithWriter(io.Discard),
		logging.WithLevel(logging.Debug),
	)
	require.NoError(t, err)
	return logger
}

// makeTestRoster builds an in-memory roster of numMembers members named
// node-0 through node-N-1 with placeholder loopback addresses.
func makeTestRoster(t *testing.T, numMembers int) *Roster {
	t.Helper()
	members := make([]Member, numMembers)
	for i := 0; i < numMembers; i++ {
		members[i] = Member{
			Name:    fmt.Sprintf("node-%d", i),
			Address: fmt.Sprintf("127.0.0.1:%d", 9000+i),
		}
	}
	roster, err := NewRoster(members)
	require.NoError(t, err)
	return roster
}

// freeAddresses reserves numAddresses distinct loopback addresses by binding
// ephemeral listeners and immediately releasing them.
func freeAddresses(t *testing.T, numAddresses int) []string {
	t.Helper()
	listeners := make([]net.Listener, numAddresses)
	addresses := make([]string, numAddresses)
	for i := 0; i < numAddresses; i++ {
		listener, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners[i] = listener
		addresses[i] = listener.Addr().String()
	}
	for _, listener := range listeners {
		require.NoError(t, listener.Close())
	}
	return addresses
}

// recvMessage waits for the next inbound message on the transport.
func recvMessage(t *testing.T, transport Transport, timeout time.Duration) Message {
	t.Helper()
	select {
	case message := <-transport.Inbound():
		return message
	case <-time.After(timeout):
		require.FailNow(t, "timed out waiting for a message")
		return nil
	}
}

// paxosHarness hosts a state machine with captured effects instead of a live
// transport: broadcasts, quorum events, and installs are recorded in order.
type paxosHarness struct {
	paxos    *paxos
	sent     []Message
	quorums  []uint64
	installs []Status
}

func newPaxosHarness(t *testing.T, id uint32, numMembers int) *paxosHarness {
	t.Helper()
	harness := &paxosHarness{}
	roster := makeTestRoster(t, numMembers)
	// Timers long enough to never fire during a unit test.
	progress := newCountdown(time.Hour)
	proof := newCountdown(time.Hour)
	harness.paxos = newPaxos(
		id,
		roster,
		progress,
		proof,
		func(message Message) { harness.sent = append(harness.sent, message) },
		func(view uint64) { harness.quorums = append(harness.quorums, view) },
		func(view uint64, leader uint32) {
			harness.installs = append(harness.installs, Status{InstalledView: view, Leader: leader})
		},
		newTestLogger(t),
	)
	return harness
}

// attest feeds a ViewChange for the provided view from each listed sender.
func (h *paxosHarness) attest(view uint64, senders ...uint32) {
	for _, sender := range senders {
		h.paxos.handleViewChange(ViewChange{Sender: sender, View: view})
	}
}

// certificateOf builds a certificate with one attestation per sender, all
// for the provided view.
func certificateOf(view uint64, senders ...uint32) Certificate {
	var certificate Certificate
	for _, sender := range senders {
		certificate.Add(Attestation{Sender: sender, View: view})
	}
	return certificate
}
