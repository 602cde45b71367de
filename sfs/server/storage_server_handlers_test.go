package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/operation"
	"github.com/stripefs/stripefs/sfs/resync"
	"github.com/stripefs/stripefs/sfs/storage/types"
)

func newHttpStorageServer(t *testing.T, client MgmtClient) (*StorageServer, *httptest.Server) {
	r := mux.NewRouter()
	s := newTestStorageServer(t, r, testStorageOption(t), client)
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)
	return s, ts
}

func TestBuddyClientAgainstHandlers(t *testing.T) {
	s, ts := newHttpStorageServer(t, &fakeMgmt{})
	ctx := context.Background()
	client := operation.NewBuddyClient(operation.StaticAddresses(map[types.TargetId]string{
		2: ts.URL,
		9: strings.TrimPrefix(ts.URL, "http://"),
	}), 5*time.Second)

	secondary, _ := s.store.GetTarget(2)
	require.NoError(t, secondary.SetNeedsResync(true))
	require.NoError(t, client.ResyncStarted(ctx, 2))
	assert.False(t, secondary.NeedsResync())

	mtime := time.Unix(1600000000, 0)
	require.NoError(t, client.SyncFile(ctx, 2, "a/b.txt", mtime, 0640, strings.NewReader("payload")))
	full := filepath.Join(secondary.MirrorDir(), "a", "b.txt")
	data, err := os.ReadFile(full)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	info, err := os.Stat(full)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mtime))
	assert.Equal(t, os.FileMode(0640), info.Mode().Perm())

	require.NoError(t, client.SyncFile(ctx, 2, "a/empty", mtime, 0600, strings.NewReader("")))
	assert.FileExists(t, filepath.Join(secondary.MirrorDir(), "a", "empty"))

	require.NoError(t, client.SyncDir(ctx, 2, "a", mtime, []message.DirEntry{{Name: "empty"}}))
	assert.NoFileExists(t, full)
	assert.FileExists(t, filepath.Join(secondary.MirrorDir(), "a", "empty"))

	// the server does not hold target 9
	assert.Error(t, client.ResyncStarted(ctx, 9))
	assert.Error(t, client.SyncFile(ctx, 9, "x", mtime, 0644, strings.NewReader("x")))
	// no address known
	assert.Error(t, client.SyncDir(ctx, 5, "a", mtime, nil))
	// the mirror root itself is not a file
	assert.Error(t, client.SyncFile(ctx, 2, "/", mtime, 0644, strings.NewReader("x")))
}

func TestSyncFileRejectsBadHeaders(t *testing.T) {
	_, ts := newHttpStorageServer(t, &fakeMgmt{})

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/buddy/2/file", strings.NewReader("plain"))
	require.NoError(t, err)
	req.Header.Set(message.HeaderRelativePath, "f")
	req.Header.Set(message.HeaderModTime, "yesterday")
	req.Header.Set(message.HeaderFileMode, "644")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// uncompressed bodies are accepted as is
	req, err = http.NewRequest(http.MethodPut, ts.URL+"/buddy/2/file", strings.NewReader("plain"))
	require.NoError(t, err)
	req.Header.Set(message.HeaderRelativePath, "f")
	req.Header.Set(message.HeaderModTime, "0")
	req.Header.Set(message.HeaderFileMode, "644")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func postEmpty(t *testing.T, url string) int {
	resp, err := http.Post(url, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestResyncAdminHandlers(t *testing.T) {
	s, ts := newHttpStorageServer(t, &fakeMgmt{})

	assert.Equal(t, http.StatusNotFound, postEmpty(t, ts.URL+"/resync/99/start"))
	// not a primary yet
	assert.Equal(t, http.StatusBadRequest, postEmpty(t, ts.URL+"/resync/1/start"))
	assert.Equal(t, http.StatusNotFound, postEmpty(t, ts.URL+"/resync/1/abort"))
	resp, err := http.Get(ts.URL + "/resync/1/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	require.NoError(t, s.groups.Add(types.MirrorBuddyGroup{GroupId: 1, PrimaryTargetId: 1, SecondaryTargetId: 2}))
	s.states.SetState(2, onlineNeedsResync)
	primary, _ := s.store.GetTarget(1)
	_, err = primary.WriteMirrorFile("f", time.Now(), 0644, strings.NewReader("x"))
	require.NoError(t, err)

	assert.Equal(t, http.StatusAccepted, postEmpty(t, ts.URL+"/resync/1/start"))
	job, found := s.Resyncer().GetJob(1)
	require.True(t, found)
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("resync did not finish")
	}

	resp, err = http.Get(ts.URL + "/resync/1/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var jobStats map[string]interface{}
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&jobStats))
	assert.Equal(t, resync.JobSuccess.String(), jobStats["status"])
	assert.EqualValues(t, 1, jobStats["syncedFiles"])

	state, _ := s.states.GetState(2)
	assert.Equal(t, onlineGood, state)
	assert.FileExists(t, filepath.Join(s.option.Targets[2], "buddymir", "f"))
}

func TestStatusHandler(t *testing.T) {
	s, ts := newHttpStorageServer(t, &fakeMgmt{})
	require.NoError(t, s.groups.Add(types.MirrorBuddyGroup{GroupId: 1, PrimaryTargetId: 1, SecondaryTargetId: 2}))
	s.states.SetState(1, onlineGood)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status struct {
		NodeId  types.NodeId
		Targets []targetStatus
	}
	require.NoError(t, jsoniter.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, types.NodeId(7), status.NodeId)
	require.Len(t, status.Targets, 2)
	assert.True(t, status.Targets[0].Primary)
	assert.Equal(t, types.TargetId(2), status.Targets[0].BuddyTargetId)
	assert.Equal(t, onlineGood, status.Targets[0].State)
	assert.False(t, status.Targets[1].Primary)
}
