package mgmt

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

func newTestServer(t *testing.T) (*Authority, *Client) {
	authority := NewAuthority(testOption())
	r := mux.NewRouter()
	NewMgmtServer(r, authority)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return authority, NewClient(ts.URL, 5*time.Second)
}

func TestClientRoundTrip(t *testing.T) {
	_, client := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, client.RegisterTarget(ctx, types.StorageNodeType, 1, 100))
	require.NoError(t, client.RegisterTarget(ctx, types.StorageNodeType, 2, 200))
	require.NoError(t, client.ReportFreeSpace(ctx, &message.FreeSpaceReport{
		NodeType: types.StorageNodeType,
		Targets:  []message.TargetFreeSpace{freeSpace(1, 100, 5000, 500), freeSpace(2, 200, 500, 500)},
	}))

	pools, err := client.DownloadCapacityPools(ctx, types.StorageNodeType)
	require.NoError(t, err)
	assert.Equal(t, []types.TargetId{1}, pools.Normal)
	assert.Equal(t, []types.TargetId{2}, pools.Low)
	assert.Empty(t, pools.Emergency)
	assert.Equal(t, types.NodeId(200), pools.TargetToNode[2])

	resp, err := client.ChangeTargetStates(ctx, &message.ChangeTargetStatesRequest{
		NodeType:  types.StorageNodeType,
		TargetIds: []types.TargetId{2},
		OldStates: []types.CombinedTargetState{onlineGood},
		NewStates: []types.CombinedTargetState{onlineNeedsResync},
	})
	require.NoError(t, err)
	assert.Equal(t, message.ResultSuccess, resp.Result)

	// the same change again is based on a stale state
	resp, err = client.ChangeTargetStates(ctx, &message.ChangeTargetStatesRequest{
		NodeType:  types.StorageNodeType,
		TargetIds: []types.TargetId{2},
		OldStates: []types.CombinedTargetState{onlineGood},
		NewStates: []types.CombinedTargetState{onlineNeedsResync},
	})
	require.NoError(t, err)
	assert.Equal(t, message.ResultFail, resp.Result)
	assert.NotEmpty(t, resp.Error)

	states, err := client.DownloadTargetStates(ctx, types.StorageNodeType, false)
	require.NoError(t, err)
	assert.Equal(t, []types.TargetId{1, 2}, states.TargetIds)
	assert.Equal(t, []types.ConsistencyState{types.ConsistencyGood, types.ConsistencyNeedsResync}, states.Consistency)
}

func TestStatesWithGroups(t *testing.T) {
	authority, client := newTestServer(t)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, authority.RegisterTarget(types.MetaNodeType, 1, 1, now))
	require.NoError(t, authority.RegisterTarget(types.MetaNodeType, 2, 2, now))
	require.NoError(t, authority.AddBuddyGroup(types.MetaNodeType, types.MirrorBuddyGroup{GroupId: 5, PrimaryTargetId: 1, SecondaryTargetId: 2}))

	states, err := client.DownloadTargetStates(ctx, types.MetaNodeType, false)
	require.NoError(t, err)
	assert.Empty(t, states.BuddyGroupIds)

	states, err = client.DownloadTargetStates(ctx, types.MetaNodeType, true)
	require.NoError(t, err)
	assert.Equal(t, []types.MirrorGroupId{5}, states.BuddyGroupIds)
	assert.Equal(t, []types.TargetId{1}, states.Primaries)
	assert.Equal(t, []types.TargetId{2}, states.Secondaries)
}

func TestUnknownNodeTypeIsAnError(t *testing.T) {
	_, client := newTestServer(t)
	_, err := client.DownloadCapacityPools(context.Background(), "tape")
	assert.ErrorContains(t, err, "unknown node type")
}

func TestMalformedRequest(t *testing.T) {
	authority := NewAuthority(testOption())
	r := mux.NewRouter()
	NewMgmtServer(r, authority)

	req := httptest.NewRequest(http.MethodPost, "/space/storage", http.NoBody)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "error")
}
