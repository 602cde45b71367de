package mgmt

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/stats"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

type MgmtServer struct {
	authority *Authority
	now       func() time.Time
}

func NewMgmtServer(r *mux.Router, authority *Authority) *MgmtServer {
	ms := &MgmtServer{
		authority: authority,
		now:       time.Now,
	}

	r.HandleFunc("/pools/{nodeType}", ms.poolsHandler).Methods(http.MethodGet)
	r.HandleFunc("/states/{nodeType}", ms.statesHandler).Methods(http.MethodGet)
	r.HandleFunc("/states/{nodeType}/change", ms.changeStatesHandler).Methods(http.MethodPost)
	r.HandleFunc("/space/{nodeType}", ms.freeSpaceHandler).Methods(http.MethodPost)
	r.HandleFunc("/targets/{nodeType}", ms.registerTargetHandler).Methods(http.MethodPost)
	r.HandleFunc("/groups/{nodeType}", ms.addBuddyGroupHandler).Methods(http.MethodPost)
	r.Handle("/metrics", stats.MetricsHandler())

	return ms
}

func nodeTypeVar(r *http.Request) (types.NodeType, error) {
	return types.ParseNodeType(mux.Vars(r)["nodeType"])
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownNodeType), errors.Is(err, ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, ErrStateConflict):
		return http.StatusConflict
	}
	return http.StatusBadRequest
}

func (ms *MgmtServer) poolsHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	if err == nil {
		var resp *message.CapacityPoolsResponse
		if resp, err = ms.authority.GetCapacityPools(nodeType); err == nil {
			countRequest("pools", nil)
			util.WriteJsonQuiet(w, r, http.StatusOK, resp)
			return
		}
	}
	countRequest("pools", err)
	util.WriteJsonError(w, r, errorStatus(err), err)
}

func (ms *MgmtServer) statesHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	if err == nil {
		var resp *message.TargetStatesResponse
		if resp, err = ms.authority.GetTargetStates(nodeType, r.FormValue("groups") == "true"); err == nil {
			countRequest("states", nil)
			util.WriteJsonQuiet(w, r, http.StatusOK, resp)
			return
		}
	}
	countRequest("states", err)
	util.WriteJsonError(w, r, errorStatus(err), err)
}

// changeStatesHandler answers a rejected change with 200 and a fail result,
// the caller decides whether to re-download and retry.
func (ms *MgmtServer) changeStatesHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	if err != nil {
		countRequest("change", err)
		util.WriteJsonError(w, r, errorStatus(err), err)
		return
	}
	req := &message.ChangeTargetStatesRequest{}
	if err = util.ReadJson(r.Body, req); err != nil {
		countRequest("change", err)
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse request: %w", err))
		return
	}
	req.NodeType = nodeType

	err = ms.authority.ChangeTargetStates(req)
	countRequest("change", err)
	if err != nil {
		util.WriteJsonQuiet(w, r, http.StatusOK, &message.ChangeTargetStatesResponse{
			Result: message.ResultFail,
			Error:  err.Error(),
		})
		return
	}
	util.WriteJsonQuiet(w, r, http.StatusOK, &message.ChangeTargetStatesResponse{Result: message.ResultSuccess})
}

func (ms *MgmtServer) freeSpaceHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	if err != nil {
		countRequest("space", err)
		util.WriteJsonError(w, r, errorStatus(err), err)
		return
	}
	report := &message.FreeSpaceReport{}
	if err = util.ReadJson(r.Body, report); err != nil {
		countRequest("space", err)
		util.WriteJsonError(w, r, http.StatusBadRequest, fmt.Errorf("parse report: %w", err))
		return
	}
	report.NodeType = nodeType

	err = ms.authority.ReportFreeSpace(report, ms.now())
	countRequest("space", err)
	if err != nil {
		util.WriteJsonError(w, r, errorStatus(err), err)
		return
	}
	util.WriteJsonQuiet(w, r, http.StatusOK, &message.FreeSpaceResponse{Result: message.ResultSuccess})
}

func (ms *MgmtServer) registerTargetHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	req := &message.RegisterTargetRequest{}
	if err == nil {
		err = util.ReadJson(r.Body, req)
	}
	if err == nil {
		err = ms.authority.RegisterTarget(nodeType, req.TargetId, req.NodeId, ms.now())
	}
	countRequest("register", err)
	if err != nil {
		util.WriteJsonError(w, r, errorStatus(err), err)
		return
	}
	util.WriteJsonQuiet(w, r, http.StatusOK, req)
}

func (ms *MgmtServer) addBuddyGroupHandler(w http.ResponseWriter, r *http.Request) {
	nodeType, err := nodeTypeVar(r)
	req := &message.AddBuddyGroupRequest{}
	if err == nil {
		err = util.ReadJson(r.Body, req)
	}
	if err == nil {
		err = ms.authority.AddBuddyGroup(nodeType, types.MirrorBuddyGroup{
			GroupId:           req.GroupId,
			PrimaryTargetId:   req.PrimaryTargetId,
			SecondaryTargetId: req.SecondaryTargetId,
		})
	}
	countRequest("group", err)
	if err != nil {
		util.WriteJsonError(w, r, errorStatus(err), err)
		return
	}
	util.WriteJsonQuiet(w, r, http.StatusOK, req)
}
