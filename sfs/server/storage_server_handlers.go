package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzip"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/resync"
	"github.com/stripefs/stripefs/sfs/storage"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

func (s *StorageServer) localTarget(r *http.Request) (*storage.Target, int, error) {
	targetId, err := types.ParseTargetId(mux.Vars(r)["targetId"])
	if err != nil {
		return nil, http.StatusBadRequest, err
	}
	target, found := s.store.GetTarget(targetId)
	if !found {
		return nil, http.StatusNotFound, fmt.Errorf("target %d is not on node %d", targetId, s.option.NodeId)
	}
	return target, http.StatusOK, nil
}

// process runs fn on a request worker, so a quiescence barrier also waits
// for buddy writes that are in progress.
func (s *StorageServer) process(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context)) {
	if err := s.workers.Run(r.Context(), fn); err != nil {
		util.WriteJsonError(w, r, http.StatusServiceUnavailable, err)
	}
}

func (s *StorageServer) resyncStartedHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	req := &message.ResyncStartedRequest{}
	if err = util.ReadJson(r.Body, req); err != nil {
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	// the primary takes over from here, a failed run leaves the target bad
	if err = target.SetNeedsResync(false); err != nil {
		util.WriteJsonError(w, r, http.StatusInternalServerError, err)
		return
	}
	s.tracker.Touch(target.Id, time.Now())
	glog.V(0).Infof("%s: buddy started a resync", target)
	util.WriteJsonQuiet(w, r, http.StatusOK, &message.ResyncStartedResponse{Ack: true})
}

func (s *StorageServer) syncFileHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	relativePath := r.Header.Get(message.HeaderRelativePath)
	modTimeNs, err := strconv.ParseInt(r.Header.Get(message.HeaderModTime), 10, 64)
	if err != nil {
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse %s: %w", message.HeaderModTime, err))
		return
	}
	mode, err := strconv.ParseUint(r.Header.Get(message.HeaderFileMode), 8, 32)
	if err != nil {
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse %s: %w", message.HeaderFileMode, err))
		return
	}

	var body io.Reader = r.Body
	if r.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("open gzip body: %w", err))
			return
		}
		defer gz.Close()
		body = gz
	}

	s.process(w, r, func(ctx context.Context) {
		if _, err := target.WriteMirrorFile(relativePath, time.Unix(0, modTimeNs), fs.FileMode(mode), body); err != nil {
			glog.Errorf("%s: write mirror file %s: %v", target, relativePath, err)
			util.WriteJsonQuiet(w, r, statusOf(err), &message.SyncResponse{Error: err.Error()})
			return
		}
		util.WriteJsonQuiet(w, r, http.StatusOK, &message.SyncResponse{})
	})
}

func (s *StorageServer) syncDirHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	req := &message.SyncDirRequest{}
	if err = util.ReadJson(r.Body, req); err != nil {
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}

	s.process(w, r, func(ctx context.Context) {
		var modTime time.Time
		if req.ModTimeNs != 0 {
			modTime = time.Unix(0, req.ModTimeNs)
		}
		removed, err := target.SyncMirrorDir(req.RelativePath, modTime, req.Entries)
		if err != nil {
			glog.Errorf("%s: sync mirror dir %s: %v", target, req.RelativePath, err)
			util.WriteJsonQuiet(w, r, statusOf(err), &message.SyncResponse{Error: err.Error()})
			return
		}
		if removed > 0 {
			glog.V(3).Infof("%s: removed %d stale entries from %s", target, removed, req.RelativePath)
		}
		util.WriteJsonQuiet(w, r, http.StatusOK, &message.SyncResponse{})
	})
}

func statusOf(err error) int {
	if errors.Is(err, storage.ErrPathOutsideMirror) {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *StorageServer) startResyncHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	job, err := s.syncer.StartResync(r.Context(), target.Id)
	switch {
	case errors.Is(err, resync.ErrResyncInProgress):
		util.WriteJsonQuiet(w, r, http.StatusConflict, job.Stats())
	case err != nil:
		util.WriteJsonError(w, r, http.StatusBadRequest, err)
	default:
		util.WriteJsonQuiet(w, r, http.StatusAccepted, job.Stats())
	}
}

func (s *StorageServer) abortResyncHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	if err = s.resyncer.AbortResync(target.Id); err != nil {
		util.WriteJsonError(w, r, http.StatusNotFound, err)
		return
	}
	stats, _ := s.resyncer.GetStats(target.Id)
	util.WriteJsonQuiet(w, r, http.StatusOK, stats)
}

func (s *StorageServer) resyncStatsHandler(w http.ResponseWriter, r *http.Request) {
	target, code, err := s.localTarget(r)
	if err != nil {
		util.WriteJsonError(w, r, code, err)
		return
	}
	stats, err := s.resyncer.GetStats(target.Id)
	if err != nil {
		util.WriteJsonError(w, r, http.StatusNotFound, err)
		return
	}
	util.WriteJsonQuiet(w, r, http.StatusOK, stats)
}

type targetStatus struct {
	TargetId         types.TargetId            `json:"targetId"`
	Path             string                    `json:"path"`
	State            types.CombinedTargetState `json:"state"`
	Pool             string                    `json:"pool,omitempty"`
	BuddyTargetId    types.TargetId            `json:"buddyTargetId,omitempty"`
	Primary          bool                      `json:"primary,omitempty"`
	NeedsResync      bool                      `json:"needsResync,omitempty"`
	BuddyNeedsResync bool                      `json:"buddyNeedsResync,omitempty"`
	Resyncing        bool                      `json:"resyncing,omitempty"`
}

func (s *StorageServer) statusHandler(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]interface{})
	m["NodeId"] = s.option.NodeId
	m["NodeType"] = s.option.NodeType
	var targets []targetStatus
	for _, targetId := range s.store.TargetIds() {
		target, _ := s.store.GetTarget(targetId)
		ts := targetStatus{
			TargetId:         targetId,
			Path:             target.Path,
			NeedsResync:      target.NeedsResync(),
			BuddyNeedsResync: target.BuddyNeedsResync(),
			Resyncing:        s.resyncer.IsResyncing(targetId),
		}
		ts.State, _ = s.states.GetState(targetId)
		if poolType, found := s.pools.GetPoolType(targetId); found {
			ts.Pool = poolType.String()
		}
		if group, found := s.groups.GroupOf(targetId); found {
			ts.BuddyTargetId, _ = group.BuddyOf(targetId)
			ts.Primary = group.IsPrimary(targetId)
		}
		targets = append(targets, ts)
	}
	m["Targets"] = targets
	util.WriteJsonQuiet(w, r, http.StatusOK, m)
}
