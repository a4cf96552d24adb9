package util

import (
	"math/rand"
	"time"

	"golang.org/x/exp/constraints"
)

// Min returns the smaller of the two provided values.
func Min[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Max returns the larger of the two provided values.
func Max[T constraints.Ordered](a, b T) T {
	if a > b {
		return a
	}
	return b
}

// JitteredBackoff generates a random duration between the provided min and
// max durations. It is used to space out reconnection attempts so that nodes
// restarting together do not retry in lockstep.
func JitteredBackoff(min time.Duration, max time.Duration) time.Duration {
	n := rand.Int63n(max.Milliseconds()-min.Milliseconds()) + min.Milliseconds()
	return time.Duration(n) * time.Millisecond
}
