package approvals

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tymefrontier/gatekeeper/pkg/types"
)

func multiGate() types.ApprovalGate {
	return types.ApprovalGate{
		Type:          types.GateHumanApprovalMulti,
		MinSignatures: 2,
		RequiredRoles: []string{"engineer", "safety_officer"},
	}
}

func record(role, principal string) types.ApprovalRecord {
	return types.ApprovalRecord{Role: role, PrincipalID: principal, Timestamp: time.Now().UTC()}
}

func TestQuorumAccumulation(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("act-1", multiGate()))

	q, err := tr.Submit("act-1", record("engineer", "alice"))
	require.NoError(t, err)
	require.False(t, q.Satisfied)
	require.Equal(t, []string{"safety_officer"}, q.MissingRoles)

	// A duplicate from the same principal is a no-op, not a second vote.
	q, err = tr.Submit("act-1", record("engineer", "alice"))
	require.NoError(t, err)
	require.False(t, q.Satisfied)
	require.Equal(t, 1, q.Records)

	q, err = tr.Submit("act-1", record("safety_officer", "bob"))
	require.NoError(t, err)
	require.True(t, q.Satisfied)
	require.Equal(t, 2, q.DistinctRoles)

	ok, err := tr.IsSatisfied("act-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSameRoleTwiceDoesNotSatisfyDistinctQuorum(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("act-1", multiGate()))

	_, err := tr.Submit("act-1", record("engineer", "alice"))
	require.NoError(t, err)
	q, err := tr.Submit("act-1", record("engineer", "carol"))
	require.NoError(t, err)
	require.False(t, q.Satisfied, "two engineers are one distinct role")
	require.Equal(t, 2, q.Records)
	require.Equal(t, 1, q.DistinctRoles)
}

func TestInvalidRoleRejected(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("act-1", multiGate()))

	_, err := tr.Submit("act-1", record("intern", "dave"))
	require.ErrorIs(t, err, ErrInvalidRole)

	q, err := tr.State("act-1")
	require.NoError(t, err)
	require.Equal(t, 0, q.Records, "rejected record must leave no trace")
}

func TestAnyRolesGate(t *testing.T) {
	// No explicit role list: any two distinct roles satisfy the gate.
	tr := New()
	require.NoError(t, tr.Register("act-1", types.ApprovalGate{
		Type: types.GateHumanApprovalMulti, MinSignatures: 2,
	}))

	q, err := tr.Submit("act-1", record("reviewer", "alice"))
	require.NoError(t, err)
	require.False(t, q.Satisfied)

	q, err = tr.Submit("act-1", record("operator", "bob"))
	require.NoError(t, err)
	require.True(t, q.Satisfied)
}

func TestStaleAfterClose(t *testing.T) {
	tr := New()
	require.NoError(t, tr.Register("act-1", multiGate()))
	tr.Close("act-1", "denied")

	_, err := tr.Submit("act-1", record("engineer", "alice"))
	require.ErrorIs(t, err, ErrStaleRequest)
}

func TestUnknownAndDuplicateRegistration(t *testing.T) {
	tr := New()
	_, err := tr.Submit("nope", record("engineer", "alice"))
	require.ErrorIs(t, err, ErrUnknownRequest)

	require.NoError(t, tr.Register("act-1", multiGate()))
	require.ErrorIs(t, tr.Register("act-1", multiGate()), ErrDuplicateRequest)
}

func TestOrderCommutative(t *testing.T) {
	recs := []types.ApprovalRecord{
		record("engineer", "alice"),
		record("safety_officer", "bob"),
		record("engineer", "carol"),
	}
	perms := [][]int{{0, 1, 2}, {0, 2, 1}, {1, 0, 2}, {1, 2, 0}, {2, 0, 1}, {2, 1, 0}}
	for _, perm := range perms {
		tr := New()
		require.NoError(t, tr.Register("act-1", multiGate()))
		for _, i := range perm {
			_, err := tr.Submit("act-1", recs[i])
			require.NoError(t, err)
		}
		q, err := tr.State("act-1")
		require.NoError(t, err)
		require.True(t, q.Satisfied, "order %v", perm)
		require.Equal(t, 3, q.Records)
	}
}

func TestConcurrentSubmissionsNoLostUpdates(t *testing.T) {
	tr := New()
	gate := types.ApprovalGate{Type: types.GateHumanApprovalMulti, MinSignatures: 2}
	require.NoError(t, tr.Register("act-1", gate))

	const n = 64
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := tr.Submit("act-1", record(fmt.Sprintf("role-%d", i%4), fmt.Sprintf("p-%d", i)))
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	q, err := tr.State("act-1")
	require.NoError(t, err)
	require.Equal(t, n, q.Records)
	require.Equal(t, 4, q.DistinctRoles)
	require.True(t, q.Satisfied)
}
