/*
Package viewchange implements the view-change (leader-election) sub-protocol
of a Paxos-family replication algorithm. A fixed roster of named nodes agrees
on a monotonically increasing view number; the leader of view v is the roster
member at index v mod N. There is no central coordinator: leadership moves
through timeouts and quorum certificates alone.

Each node runs a progress timer and, while it leads its installed view, a
proof timer. When a node hears nothing from its leader for a full progress
period, it broadcasts a ViewChange proposal for the next view. Any node that
collects proposals for the same view from a majority of the roster installs
that view, and if the new view makes it the leader, it begins periodically
broadcasting a ViewChangeProof carrying the quorum certificate. Followers
adopt a proven view without collecting their own quorum, and every valid
proof renews their progress timers, which is what keeps a live leader in
place.

This package only establishes who leads which view. It does not replicate
data, serve clients, or persist anything: a node that crashes and restarts
begins again at view 0 and catches up from the messages it receives.

A node is assembled from a roster and a name:

	roster, err := viewchange.LoadRoster("hosts")
	if err != nil {
		// ...
	}
	node, err := viewchange.NewNode("node-2", roster,
		viewchange.WithProgressTimeout(3*time.Second),
		viewchange.WithProofInterval(time.Second),
		viewchange.WithInstallHandler(func(view uint64, leader uint32) {
			fmt.Printf("view %d is led by node %d\n", view, leader)
		}),
	)
	if err != nil {
		// ...
	}
	if err := node.Start(); err != nil {
		// ...
	}
	defer node.Stop()

The roster file is line oriented and order significant; every process in a
run must load an identical file. Messages travel over plain TCP streams as
length-prefixed protobuf wire format, and all delivery is best effort: the
protocol treats lost, duplicated, and reordered messages as normal operation.
*/
package viewchange
