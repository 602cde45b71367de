package operation

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/klauspost/compress/gzip"

	"github.com/stripefs/stripefs/sfs/message"
	"github.com/stripefs/stripefs/sfs/storage/types"
	"github.com/stripefs/stripefs/sfs/util"
)

// AddressResolver returns the http address of the server holding a target.
type AddressResolver func(targetId types.TargetId) (string, error)

// StaticAddresses resolves targets from a fixed map.
func StaticAddresses(addresses map[types.TargetId]string) AddressResolver {
	return func(targetId types.TargetId) (string, error) {
		address, found := addresses[targetId]
		if !found {
			return "", fmt.Errorf("no address for target %d", targetId)
		}
		return address, nil
	}
}

// BuddyClient sends resync traffic to the server of a buddy target.
type BuddyClient struct {
	resolve    AddressResolver
	httpClient *http.Client
}

func NewBuddyClient(resolve AddressResolver, timeout time.Duration) *BuddyClient {
	return &BuddyClient{
		resolve:    resolve,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (c *BuddyClient) buddyUrl(buddyTargetId types.TargetId, action string) (string, error) {
	address, err := c.resolve(buddyTargetId)
	if err != nil {
		return "", err
	}
	if !strings.Contains(address, "://") {
		address = "http://" + address
	}
	return fmt.Sprintf("%s/buddy/%d/%s", strings.TrimSuffix(address, "/"), buddyTargetId, action), nil
}

func (c *BuddyClient) ResyncStarted(ctx context.Context, buddyTargetId types.TargetId) error {
	u, err := c.buddyUrl(buddyTargetId, "resync")
	if err != nil {
		return err
	}
	resp := &message.ResyncStartedResponse{}
	if err = util.DoJson(ctx, c.httpClient, http.MethodPost, u, &message.ResyncStartedRequest{BuddyTargetId: buddyTargetId}, resp); err != nil {
		return err
	}
	if !resp.Ack {
		return fmt.Errorf("target %d did not acknowledge the resync", buddyTargetId)
	}
	return nil
}

// SyncFile streams the content gzip compressed.
func (c *BuddyClient) SyncFile(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, mode fs.FileMode, content io.Reader) error {
	u, err := c.buddyUrl(buddyTargetId, "file")
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		gz := gzip.NewWriter(pw)
		_, err := io.Copy(gz, content)
		if closeErr := gz.Close(); err == nil {
			err = closeErr
		}
		pw.CloseWithError(err)
	}()
	defer pr.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Content-Encoding", "gzip")
	req.Header.Set(message.HeaderRelativePath, relativePath)
	req.Header.Set(message.HeaderModTime, strconv.FormatInt(modTime.UnixNano(), 10))
	req.Header.Set(message.HeaderFileMode, strconv.FormatUint(uint64(mode.Perm()), 8))

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send %s to target %d: %w", relativePath, buddyTargetId, err)
	}
	defer httpResp.Body.Close()

	resp := &message.SyncResponse{}
	if err = util.DecodeJsonResponse(httpResp, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("target %d: %s", buddyTargetId, resp.Error)
	}
	glog.V(4).Infof("sent %s to target %d", relativePath, buddyTargetId)
	return nil
}

func (c *BuddyClient) SyncDir(ctx context.Context, buddyTargetId types.TargetId, relativePath string, modTime time.Time, entries []message.DirEntry) error {
	u, err := c.buddyUrl(buddyTargetId, "dir")
	if err != nil {
		return err
	}
	req := &message.SyncDirRequest{
		TargetId:     buddyTargetId,
		RelativePath: relativePath,
		ModTimeNs:    modTime.UnixNano(),
		Entries:      entries,
	}
	resp := &message.SyncResponse{}
	if err = util.DoJson(ctx, c.httpClient, http.MethodPost, u, req, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("target %d: %s", buddyTargetId, resp.Error)
	}
	return nil
}
