package syncrelay

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionPhaseDefaultsToReady(t *testing.T) {
	sess := newSession(nil)
	require.Equal(t, PhaseReady, sess.Phase())
}

func TestSessionSetPhaseTransitions(t *testing.T) {
	sess := newSession(nil)
	sess.setPhase(PhaseIBD)
	require.Equal(t, PhaseIBD, sess.Phase())

	sess.setPhase(PhaseForkResolution)
	require.Equal(t, PhaseForkResolution, sess.Phase())
	require.Equal(t, "ForkResolution", sess.Phase().String())
}
