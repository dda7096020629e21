// Package stats tracks transfer counters shared between the role
// drivers and the final summary line.
package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector accumulates per-transfer statistics using atomic counters
// so the local-to-local mode, which runs both roles in one process, can
// share it safely.
type Collector struct {
	filesListed   atomic.Int64
	filesXfer     atomic.Int64
	filesFailed   atomic.Int64
	filesUpToDate atomic.Int64
	filesDeleted  atomic.Int64
	symlinks      atomic.Int64
	dirsCreated   atomic.Int64
	literalBytes  atomic.Int64
	matchedBytes  atomic.Int64
	totalSize     atomic.Int64
	startTime     time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

func (c *Collector) AddFilesListed(n int64)   { c.filesListed.Add(n) }
func (c *Collector) AddFilesXfer(n int64)     { c.filesXfer.Add(n) }
func (c *Collector) AddFilesFailed(n int64)   { c.filesFailed.Add(n) }
func (c *Collector) AddFilesUpToDate(n int64) { c.filesUpToDate.Add(n) }
func (c *Collector) AddFilesDeleted(n int64)  { c.filesDeleted.Add(n) }
func (c *Collector) AddSymlinks(n int64)      { c.symlinks.Add(n) }
func (c *Collector) AddDirsCreated(n int64)   { c.dirsCreated.Add(n) }
func (c *Collector) AddLiteralBytes(n int64)  { c.literalBytes.Add(n) }
func (c *Collector) AddMatchedBytes(n int64)  { c.matchedBytes.Add(n) }
func (c *Collector) SetTotalSize(n int64)     { c.totalSize.Store(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesListed   int64
	FilesXfer     int64
	FilesFailed   int64
	FilesUpToDate int64
	FilesDeleted  int64
	Symlinks      int64
	DirsCreated   int64
	LiteralBytes  int64
	MatchedBytes  int64
	TotalSize     int64
	Elapsed       time.Duration
}

// Snapshot returns a read of all counters. Each counter is loaded
// atomically on its own; the set is not read as one atomic unit.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesListed:   c.filesListed.Load(),
		FilesXfer:     c.filesXfer.Load(),
		FilesFailed:   c.filesFailed.Load(),
		FilesUpToDate: c.filesUpToDate.Load(),
		FilesDeleted:  c.filesDeleted.Load(),
		Symlinks:      c.symlinks.Load(),
		DirsCreated:   c.dirsCreated.Load(),
		LiteralBytes:  c.literalBytes.Load(),
		MatchedBytes:  c.matchedBytes.Load(),
		TotalSize:     c.totalSize.Load(),
		Elapsed:       time.Since(c.startTime),
	}
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"files=%d transferred=%d failed=%d deleted=%d literal=%s matched=%s total=%s",
		s.FilesListed, s.FilesXfer, s.FilesFailed, s.FilesDeleted,
		FormatBytes(s.LiteralBytes), FormatBytes(s.MatchedBytes), FormatBytes(s.TotalSize),
	)
}

// Summary renders the end-of-run line in the traditional shape, from
// the wire byte counts and the listed total.
func Summary(read, written, total int64) string {
	return fmt.Sprintf("sent %s  received %s  total size %s",
		FormatBytes(written), FormatBytes(read), FormatBytes(total))
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
