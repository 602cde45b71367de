package mgmt

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

// Client talks to the management authority over http.
type Client struct {
	baseUrl    string
	httpClient *http.Client
}

func NewClient(address string, timeout time.Duration) *Client {
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return &Client{
		baseUrl:    strings.TrimSuffix(address, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *Client) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return c.baseUrl + "/" + strings.Join(escaped, "/")
}

func (c *Client) DownloadCapacityPools(ctx context.Context, nodeType types.NodeType) (*message.CapacityPoolsResponse, error) {
	resp := &message.CapacityPoolsResponse{}
	if err := util.DoJson(ctx, c.httpClient, http.MethodGet, c.url("pools", string(nodeType)), nil, resp); err != nil {
		return nil, fmt.Errorf("download %s capacity pools: %w", nodeType, err)
	}
	return resp, nil
}

func (c *Client) DownloadTargetStates(ctx context.Context, nodeType types.NodeType, withGroups bool) (*message.TargetStatesResponse, error) {
	u := c.url("states", string(nodeType))
	if withGroups {
		u += "?groups=true"
	}
	resp := &message.TargetStatesResponse{}
	if err := util.DoJson(ctx, c.httpClient, http.MethodGet, u, nil, resp); err != nil {
		return nil, fmt.Errorf("download %s target states: %w", nodeType, err)
	}
	return resp, nil
}

func (c *Client) ChangeTargetStates(ctx context.Context, req *message.ChangeTargetStatesRequest) (*message.ChangeTargetStatesResponse, error) {
	resp := &message.ChangeTargetStatesResponse{}
	if err := util.DoJson(ctx, c.httpClient, http.MethodPost, c.url("states", string(req.NodeType), "change"), req, resp); err != nil {
		return nil, fmt.Errorf("change %s target states: %w", req.NodeType, err)
	}
	return resp, nil
}

func (c *Client) ReportFreeSpace(ctx context.Context, report *message.FreeSpaceReport) error {
	resp := &message.FreeSpaceResponse{}
	if err := util.DoJson(ctx, c.httpClient, http.MethodPost, c.url("space", string(report.NodeType)), report, resp); err != nil {
		return fmt.Errorf("report %s free space: %w", report.NodeType, err)
	}
	return nil
}

func (c *Client) RegisterTarget(ctx context.Context, nodeType types.NodeType, targetId types.TargetId, nodeId types.NodeId) error {
	req := &message.RegisterTargetRequest{TargetId: targetId, NodeId: nodeId}
	if err := util.DoJson(ctx, c.httpClient, http.MethodPost, c.url("targets", string(nodeType)), req, nil); err != nil {
		return fmt.Errorf("register %s target %d: %w", nodeType, targetId, err)
	}
	return nil
}
