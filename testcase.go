package viewchange

import "fmt"

// TestCase selects one of the scripted cluster runs. Each case injects
// faults at fixed points in the protocol and defines when a node's run is
// complete. The zero value disables both.
type TestCase uint8

const (
	// NoTestCase runs the protocol indefinitely with no injected faults.
	NoTestCase TestCase = iota

	// NormalCase starts with node 0 leading view 0 and completes once the
	// first timeout-driven change to view 1 succeeds. No node crashes.
	NormalCase

	// FullRotation rotates leadership through every node and completes when
	// leadership wraps back around to node 0. No node crashes.
	FullRotation

	// SingleCrash crashes node 1 after it gathers a quorum for view 1 but
	// before it installs the view. The survivors must push on to view 2.
	SingleCrash

	// TwoCrashes additionally crashes node 2 mid-protocol. The survivors
	// must finish with node 3 leading view 3.
	TwoCrashes

	// ThreeCrashes crashes nodes 1, 2, and 3 mid-protocol. With three of
	// five nodes gone a quorum can never form again, so the run blocks
	// forever and must be terminated externally. That is the point of the
	// case, not a failure.
	ThreeCrashes
)

func (tc TestCase) String() string {
	switch tc {
	case NoTestCase:
		return "none"
	case NormalCase:
		return "normal"
	case FullRotation:
		return "full-rotation"
	case SingleCrash:
		return "single-crash"
	case TwoCrashes:
		return "two-crashes"
	case ThreeCrashes:
		return "three-crashes"
	default:
		panic("invalid test case")
	}
}

// ParseTestCase maps the numeric selector used on the command line to a
// test case.
func ParseTestCase(s string) (TestCase, error) {
	switch s {
	case "", "1":
		return NormalCase, nil
	case "2":
		return FullRotation, nil
	case "3":
		return SingleCrash, nil
	case "4":
		return TwoCrashes, nil
	case "5":
		return ThreeCrashes, nil
	default:
		return NoTestCase, fmt.Errorf("unknown test case: %q", s)
	}
}

// CrashesAt reports whether the node with the provided ID crashes when it
// reaches a quorum of view-change attestations, before installing the view.
func (tc TestCase) CrashesAt(id uint32) bool {
	switch tc {
	case SingleCrash:
		return id == 1
	case TwoCrashes:
		return id == 1 || id == 2
	case ThreeCrashes:
		return id >= 1 && id <= 3
	default:
		return false
	}
}

// CompletesAt reports whether installing the provided view, led by the
// provided node, finishes this node's run.
func (tc TestCase) CompletesAt(view uint64, leader uint32) bool {
	switch tc {
	case NormalCase:
		return view == 1
	case FullRotation:
		return view != 0 && leader == 0
	case SingleCrash:
		return view == 2
	case TwoCrashes:
		return view == 3
	case ThreeCrashes:
		// Unreachable when the case plays out as designed: with three
		// failed nodes no quorum can certify view 4.
		return view == 4
	default:
		return false
	}
}
