package viewchange

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountdownStartsDisarmed(t *testing.T) {
	c := newCountdown(10 * time.Millisecond)
	select {
	case <-c.C():
		require.FailNow(t, "countdown fired without being armed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCountdownFiresOncePerArming(t *testing.T) {
	c := newCountdown(20 * time.Millisecond)
	c.Reset()

	select {
	case <-c.C():
	case <-time.After(time.Second):
		require.FailNow(t, "countdown did not fire")
	}

	// Consumed exactly once: no second firing without another Reset.
	select {
	case <-c.C():
		require.FailNow(t, "countdown fired twice for one arming")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCountdownResetPostponesFiring(t *testing.T) {
	c := newCountdown(500 * time.Millisecond)
	c.Reset()
	time.Sleep(200 * time.Millisecond)
	c.Reset()

	// The second arming fires around t=700ms; well before that, nothing.
	select {
	case <-c.C():
		require.FailNow(t, "countdown fired before its full duration elapsed")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case <-c.C():
	case <-time.After(time.Second):
		require.FailNow(t, "countdown did not fire after reset")
	}
}

func TestCountdownStopCancelsPendingFiring(t *testing.T) {
	c := newCountdown(20 * time.Millisecond)
	c.Reset()
	c.Stop()

	select {
	case <-c.C():
		require.FailNow(t, "countdown fired after being stopped")
	case <-time.After(100 * time.Millisecond):
	}

	// A stopped countdown can be armed again.
	c.Reset()
	select {
	case <-c.C():
	case <-time.After(time.Second):
		require.FailNow(t, "countdown did not fire after re-arming")
	}
}
