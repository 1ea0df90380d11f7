package escalate

import (
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func newTestSupervisor(t *testing.T, escalate, deescalate string) *Supervisor {
	t.Helper()
	return New(log.NewNopLogger(), escalate, deescalate)
}

func TestEscalateRunsCommandAndSetsEscalated(t *testing.T) {
	s := newTestSupervisor(t, "true", "true")
	require.False(t, s.Escalated())
	s.Escalate("")
	s.AwaitQuiescent(time.Second)
	require.True(t, s.Escalated())
}

func TestDeescalateClearsEscalated(t *testing.T) {
	s := newTestSupervisor(t, "true", "true")
	s.Escalate("10.0.0.1")
	s.AwaitQuiescent(time.Second)
	require.True(t, s.Escalated())

	s.Deescalate()
	s.AwaitQuiescent(time.Second)
	require.False(t, s.Escalated())
}

func TestEmptyCommandIsNoOp(t *testing.T) {
	s := newTestSupervisor(t, "", "")
	s.Escalate("")
	require.True(t, s.Escalated(), "Escalated flag flips even when no program is configured")
}

func TestAwaitQuiescentDoesNotBlockPastTimeoutOnHungChild(t *testing.T) {
	if os.Getenv("CI") != "" {
		t.Skip("timing-sensitive, skip under CI load")
	}
	s := newTestSupervisor(t, "sleep 5", "true")
	s.Escalate("")

	start := time.Now()
	s.AwaitQuiescent(50 * time.Millisecond)
	require.Less(t, time.Since(start), 2*time.Second, "AwaitQuiescent must respect its timeout rather than blocking for the full child lifetime")
}
