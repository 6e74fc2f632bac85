package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatSize(t *testing.T) {
	tests := []struct {
		name  string
		bytes int64
		want  string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes", 1536, "1.5 KB"},
		{"megabytes", 5242880, "5.0 MB"},
		{"gigabytes", 1610612736, "1.5 GB"},
		{"terabytes", 1099511627776, "1.0 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatSize(tt.bytes))
		})
	}
}

func TestFormatTime(t *testing.T) {
	sameYear := time.Date(time.Now().Year(), time.March, 15, 10, 30, 0, 0, time.UTC)
	diffYear := time.Date(2020, time.December, 25, 8, 0, 0, 0, time.UTC)

	assert.Equal(t, "Mar 15 10:30", formatTime(sameYear))
	assert.Equal(t, "Dec 25  2020", formatTime(diffYear))
	assert.Equal(t, "-", formatTime(time.Time{}))
}

func TestPrintTable_Aligns(t *testing.T) {
	var buf bytes.Buffer

	printTable(&buf, []string{"ID", "TITLE"}, [][]string{
		{"abc123", "report.pdf"},
		{"x", "docs/"},
	})

	assert.Equal(t, "ID      TITLE\nabc123  report.pdf\nx       docs/\n", buf.String())
}

func TestStatusf_Quiet(t *testing.T) {
	var buf bytes.Buffer

	cc := &CLIContext{Stderr: &buf}
	cc.Statusf("uploaded %d\n", 1)
	assert.Equal(t, "uploaded 1\n", buf.String())

	buf.Reset()
	cc.Flags.Quiet = true
	cc.Statusf("uploaded %d\n", 2)
	assert.Empty(t, buf.String())
}
