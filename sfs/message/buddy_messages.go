package message

import (
	"github.com/stripefs/stripefs/sfs/storage/types"
)

// headers of a mirror file transfer, the body carries the file content
const (
	HeaderRelativePath = "X-Sfs-Path"
	HeaderModTime      = "X-Sfs-Mtime"
	HeaderFileMode     = "X-Sfs-Mode"
)

// SyncDirRequest makes the buddy directory match the local one: entries not
// listed are removed on the buddy.
type SyncDirRequest struct {
	TargetId     types.TargetId `json:"targetId"`
	RelativePath string         `json:"path"`
	ModTimeNs    int64          `json:"mtimeNs"`
	Entries      []DirEntry     `json:"entries"`
}

type DirEntry struct {
	Name  string `json:"name"`
	IsDir bool   `json:"isDir"`
}

type SyncResponse struct {
	Error string `json:"error,omitempty"`
}
