package viewchange

import (
	"fmt"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"
)

// testCluster runs a subset of a roster's nodes in-process over real
// loopback TCP.
type testCluster struct {
	roster *Roster
	nodes  map[uint32]*Node
}

func newTestCluster(t *testing.T, size int, startIDs []uint32, opts ...Option) *testCluster {
	t.Helper()

	addresses := freeAddresses(t, size)
	members := make([]Member, size)
	for i := 0; i < size; i++ {
		members[i] = Member{Name: fmt.Sprintf("node-%d", i), Address: addresses[i]}
	}
	roster, err := NewRoster(members)
	require.NoError(t, err)

	cluster := &testCluster{roster: roster, nodes: make(map[uint32]*Node)}
	for _, id := range startIDs {
		options := append([]Option{
			WithProgressTimeout(400 * time.Millisecond),
			WithProofInterval(50 * time.Millisecond),
			WithLogger(newTestLogger(t)),
		}, opts...)
		node, err := NewNode(fmt.Sprintf("node-%d", id), roster, options...)
		require.NoError(t, err)
		require.NoError(t, node.Start())
		cluster.nodes[id] = node
	}
	t.Cleanup(cluster.stopAll)

	return cluster
}

func (c *testCluster) stopAll() {
	for _, node := range c.nodes {
		node.Stop()
	}
}

func (c *testCluster) stop(id uint32) {
	c.nodes[id].Stop()
	delete(c.nodes, id)
}

// awaitStableView polls until every running node reports the same installed
// view, that view's leader is a running node, and the picture holds for
// several consecutive samples. Installed views are checked for monotonicity
// along the way.
func (c *testCluster) awaitStableView(t *testing.T, timeout time.Duration) uint64 {
	t.Helper()

	deadline := time.Now().Add(timeout)
	lastViews := make(map[uint32]uint64)
	var stableView uint64
	stableSamples := 0

	for time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)

		allEqual := true
		var view uint64
		first := true
		for id, node := range c.nodes {
			status := node.Status()
			require.GreaterOrEqual(
				t, status.InstalledView, lastViews[id],
				"installed view of node %d decreased", id,
			)
			lastViews[id] = status.InstalledView

			if first {
				view = status.InstalledView
				first = false
			} else if status.InstalledView != view {
				allEqual = false
			}
		}

		_, leaderRunning := c.nodes[c.roster.Leader(view)]
		if !allEqual || view == 0 || !leaderRunning {
			stableSamples = 0
			continue
		}
		if view != stableView {
			stableView = view
			stableSamples = 0
		}
		stableSamples++
		if stableSamples >= 5 {
			return view
		}
	}

	require.FailNow(t, "cluster did not converge on a stable view")
	return 0
}

// The spec scenario: five nodes, the initial leader never speaks. The
// remaining four must converge on view 1, whose leader then holds the
// cluster steady with periodic proofs; when that leader dies too, the
// survivors move on again.
func TestClusterConvergence(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}
	t.Cleanup(leaktest.CheckTimeout(t, 15*time.Second))

	cluster := newTestCluster(t, 5, []uint32{1, 2, 3, 4})

	// Node 0 is silent forever, so everyone times out, proposes view 1, and
	// installs it once three proposals meet.
	view := cluster.awaitStableView(t, 10*time.Second)
	require.Equal(t, uint32(view%5), cluster.roster.Leader(view))

	status := cluster.nodes[cluster.roster.Leader(view)].Status()
	require.True(t, status.IsLeader)

	// Liveness under a live leader: its proofs keep every follower's
	// progress timer renewed, so the view holds.
	time.Sleep(1200 * time.Millisecond)
	for id, node := range cluster.nodes {
		require.Equal(t, view, node.Status().InstalledView, "node %d churned despite a live leader", id)
	}

	// Convergence under leader silence: stop the leader and the survivors
	// must agree on a later view led by a running node.
	cluster.stop(cluster.roster.Leader(view))
	nextView := cluster.awaitStableView(t, 10*time.Second)
	require.Greater(t, nextView, view)
}

func TestClusterNormalCaseCompletes(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}
	t.Cleanup(leaktest.CheckTimeout(t, 15*time.Second))

	cluster := newTestCluster(t, 3, []uint32{0, 1, 2}, WithTestCase(NormalCase))

	// The initial leader has no certificate for view 0, so nothing holds
	// the cluster at view 0; the first view change completes the case.
	for id, node := range cluster.nodes {
		select {
		case <-node.Done():
		case <-time.After(10 * time.Second):
			require.FailNow(t, fmt.Sprintf("node %d did not complete the normal case", id))
		}
		require.GreaterOrEqual(t, node.Status().InstalledView, uint64(1))
	}
}

func TestNodeReportsInstallsUpward(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping cluster test in short mode")
	}
	t.Cleanup(leaktest.CheckTimeout(t, 15*time.Second))

	installs := make(chan Status, 16)
	handler := func(view uint64, leader uint32) {
		select {
		case installs <- Status{InstalledView: view, Leader: leader}:
		default:
		}
	}

	_ = newTestCluster(t, 1, []uint32{0}, WithInstallHandler(handler))

	// A singleton roster certifies a view with its own attestation, so the
	// first progress timeout installs view 1 immediately.
	select {
	case install := <-installs:
		require.Equal(t, uint64(1), install.InstalledView)
		require.Equal(t, uint32(0), install.Leader)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "no install was reported")
	}
}

func TestNewNodeRejectsUnknownName(t *testing.T) {
	roster := makeTestRoster(t, 3)
	_, err := NewNode("stranger", roster)
	require.Error(t, err)
}

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	addresses := freeAddresses(t, 1)
	roster, err := NewRoster([]Member{{Name: "solo", Address: addresses[0]}})
	require.NoError(t, err)

	node, err := NewNode("solo", roster,
		WithProgressTimeout(100*time.Millisecond),
		WithProofInterval(20*time.Millisecond),
		WithLogger(newTestLogger(t)),
	)
	require.NoError(t, err)

	require.NoError(t, node.Start())
	require.NoError(t, node.Start(), "starting a started node is a no-op")

	time.Sleep(500 * time.Millisecond)
	status := node.Status()
	require.GreaterOrEqual(t, status.InstalledView, uint64(1))
	require.True(t, status.IsLeader, "a singleton roster always leads its view")

	node.Stop()
	node.Stop()
}
