package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"golang.org/x/sync/errgroup"

	"github.com/stripefs/stripefs/sfs/operation"
	"github.com/stripefs/stripefs/sfs/resync"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage"
	"github.com/stripefs/stripefs/sfs/storage/commtime"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/topology"
	"github.com/stripefs/stripefs/sfs/worker"
)

type StorageServer struct {
	option *StorageOption
	router *mux.Router

	store     *storage.Store
	pools     *topology.CapacityPool
	states    *topology.TargetStateStore
	groups    *topology.MirrorBuddyGroups
	commStore commtime.Store
	tracker   *commtime.Tracker

	workers  *worker.Pool
	syncer   *StateSyncer
	resyncer *resync.BuddyResyncer

	buddyClient   *operation.BuddyClient
	localTransfer *resync.LocalTransfer

	shutdownOnce sync.Once
}

// NewStorageServer opens the configured targets and registers the buddy and
// admin handlers on r. Background work starts with Serve.
func NewStorageServer(ctx context.Context, r *mux.Router, option *StorageOption, commStore commtime.Store, client MgmtClient) (*StorageServer, error) {
	s := &StorageServer{
		option:    option,
		router:    r,
		store:     storage.NewStore(option.NodeType, option.NodeId),
		pools:     topology.NewCapacityPool(string(option.NodeType)),
		states:    topology.NewTargetStateStore(option.NodeType),
		groups:    topology.NewMirrorBuddyGroups(),
		commStore: commStore,
		tracker:   commtime.NewTracker(commStore),
		workers:   worker.NewPool(option.Workers, option.WorkerQueueLength),
	}
	for targetId, dir := range option.Targets {
		if _, err := s.store.AddTarget(targetId, dir); err != nil {
			return nil, fmt.Errorf("add target %d: %w", targetId, err)
		}
	}

	s.buddyClient = operation.NewBuddyClient(operation.StaticAddresses(option.BuddyAddresses), option.RequestTimeout)
	s.localTransfer = resync.NewLocalTransfer(s.store)
	s.syncer = NewStateSyncer(option, client, s.store, s.pools, s.states, s.groups, s.tracker)
	s.resyncer = resync.NewBuddyResyncer(ctx, s.newResyncJob)
	s.syncer.SetResyncer(s.resyncer)

	r.HandleFunc("/buddy/{targetId}/resync", s.resyncStartedHandler).Methods(http.MethodPost)
	r.HandleFunc("/buddy/{targetId}/file", s.syncFileHandler).Methods(http.MethodPut)
	r.HandleFunc("/buddy/{targetId}/dir", s.syncDirHandler).Methods(http.MethodPost)
	r.HandleFunc("/resync/{targetId}/start", s.startResyncHandler).Methods(http.MethodPost)
	r.HandleFunc("/resync/{targetId}/abort", s.abortResyncHandler).Methods(http.MethodPost)
	r.HandleFunc("/resync/{targetId}/stats", s.resyncStatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/status", s.statusHandler).Methods(http.MethodGet)
	r.Handle("/metrics", stats.MetricsHandler())

	s.workers.Start()
	glog.V(0).Infof("storage node %d serves targets %v", option.NodeId, s.store.TargetIds())
	return s, nil
}

// newResyncJob builds the job that brings the secondary of a local
// primary up to date. Secondaries on this node are written directly.
func (s *StorageServer) newResyncJob(targetId types.TargetId) (*resync.BuddyResyncJob, error) {
	target, found := s.store.GetTarget(targetId)
	if !found {
		return nil, fmt.Errorf("target %d is not local", targetId)
	}
	group, found := s.groups.GroupOf(targetId)
	if !found {
		return nil, fmt.Errorf("target %d is not in a buddy group", targetId)
	}
	if !group.IsPrimary(targetId) {
		return nil, fmt.Errorf("target %d is not the primary of group %d", targetId, group.GroupId)
	}
	buddyTargetId := group.SecondaryTargetId

	deps := resync.JobDependencies{
		Communicator: s.buddyClient,
		Transfer:     s.buddyClient,
		Quiescer:     s.workers,
		Publisher:    s.syncer,
		CommTime:     s.tracker,
	}
	if s.store.HasTarget(buddyTargetId) {
		deps.Communicator = s.localTransfer
		deps.Transfer = s.localTransfer
	}
	return resync.NewBuddyResyncJob(targetId, buddyTargetId, target, s.option.Resync, deps), nil
}

func (s *StorageServer) Syncer() *StateSyncer {
	return s.syncer
}

func (s *StorageServer) Resyncer() *resync.BuddyResyncer {
	return s.resyncer
}

// Serve handles requests on l and runs the state sync until ctx is done.
func (s *StorageServer) Serve(ctx context.Context, l net.Listener) error {
	httpS := &http.Server{Handler: s.router}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := httpS.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("storage server failed to serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return s.syncer.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpS.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	s.Shutdown()
	return err
}

func (s *StorageServer) Shutdown() {
	s.shutdownOnce.Do(func() {
		glog.V(0).Infoln("Shutting down storage server...")
		s.resyncer.Shutdown()
		s.workers.Stop()
		if err := s.commStore.Close(); err != nil {
			glog.Errorf("close %s: %v", s.commStore.GetName(), err)
		}
		glog.V(0).Infoln("Shut down successfully!")
	})
}
