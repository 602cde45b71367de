package storage

import (
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
)

type DiskStatus struct {
	TotalBytes  uint64
	FreeBytes   uint64
	TotalInodes uint64
	FreeInodes  uint64
}

// DiskStat stats the file system holding dir
func DiskStat(dir string) (*DiskStatus, error) {
	absPath, _ := filepath.Abs(dir)
	stat, err := disk.Usage(absPath)
	if err != nil {
		return nil, err
	}
	return &DiskStatus{
		TotalBytes:  stat.Total,
		FreeBytes:   stat.Free,
		TotalInodes: stat.InodesTotal,
		FreeInodes:  stat.InodesFree,
	}, nil
}
