package stats_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/orsync/orsync/internal/stats"
)

func TestCollectorCounts(t *testing.T) {
	t.Parallel()

	c := stats.NewCollector()
	c.AddFilesListed(3)
	c.AddFilesXfer(2)
	c.AddLiteralBytes(100)
	c.AddMatchedBytes(700)
	c.SetTotalSize(800)

	s := c.Snapshot()
	assert.Equal(t, int64(3), s.FilesListed)
	assert.Equal(t, int64(2), s.FilesXfer)
	assert.Equal(t, int64(100), s.LiteralBytes)
	assert.Equal(t, int64(700), s.MatchedBytes)
	assert.Equal(t, int64(800), s.TotalSize)
}

func TestFormatBytes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   int64
		want string
	}{
		{0, "0 B"},
		{512, "512 B"},
		{2048, "2.0 KiB"},
		{3 << 20, "3.0 MiB"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, stats.FormatBytes(tt.in))
	}
}

func TestSummaryShape(t *testing.T) {
	t.Parallel()

	out := stats.Summary(10, 2048, 4096)
	assert.Contains(t, out, "sent 2.0 KiB")
	assert.Contains(t, out, "received 10 B")
	assert.Contains(t, out, "total size 4.0 KiB")
}
