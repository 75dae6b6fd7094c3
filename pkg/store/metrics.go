package store

import (
	"io/fs"
	"path/filepath"
)

// Stats is a compact view of store health for telemetry and admin stats.
type Stats struct {
	DiskBytes         uint64 `json:"disk_bytes"`
	WALBytes          uint64 `json:"wal_bytes"`
	L0Files           int64  `json:"l0_files"`
	CompactionBacklog uint64 `json:"compaction_backlog"`
	WritesTotal       uint64 `json:"writes_total"`
}

// GetStats returns best-effort metrics about the pebble DB. Disk usage
// falls back to walking the DB directory when pebble metrics are not
// available.
func GetStats() Stats {
	var s Stats
	s.WritesTotal = WritesTotal()
	if db == nil {
		return s
	}
	if m := db.Metrics(); m != nil {
		s.DiskBytes = m.DiskSpaceUsage()
		s.WALBytes = m.WAL.Size
		s.L0Files = m.Levels[0].NumFiles
		s.CompactionBacklog = m.Compact.EstimatedDebt
	}
	if s.DiskBytes == 0 && dbPath != "" {
		var total uint64
		_ = filepath.WalkDir(dbPath, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if fi, err := d.Info(); err == nil {
				total += uint64(fi.Size())
			}
			return nil
		})
		s.DiskBytes = total
	}
	return s
}
