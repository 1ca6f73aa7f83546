package orders

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPrepare, StatusPending},
		{StatusPrepare, StatusCancel},
		{StatusPending, StatusReady},
		{StatusPending, StatusCancel},
		{StatusReady, StatusShipped},
		{StatusShipped, StatusConfirm},
	}
	for _, tr := range allowed {
		require.True(t, CanTransition(tr.from, tr.to), "%s -> %s should be allowed", tr.from, tr.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPrepare, StatusReady},   // cannot skip settlement
		{StatusPending, StatusPrepare}, // no going back
		{StatusCancel, StatusPending},  // cancel is terminal
		{StatusConfirm, StatusCancel},  // confirm is terminal
		{StatusShipped, StatusCancel},
		{StatusReady, StatusConfirm},
	}
	for _, tr := range denied {
		require.False(t, CanTransition(tr.from, tr.to), "%s -> %s should be denied", tr.from, tr.to)
	}
}
