package cron

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunLog_AppendAndRead(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLog(dir, 0, 0)

	for i := 0; i < 5; i++ {
		if err := l.Append(RunLogEntry{JobID: "job1", Status: StatusOK, RunAtMs: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()

	res, err := l.Read("job1", ReadOpts{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 || len(res.Entries) != 5 {
		t.Fatalf("total = %d, entries = %d", res.Total, len(res.Entries))
	}
	// Default sort is newest first.
	if res.Entries[0].RunAtMs != 4 {
		t.Errorf("first entry runAtMs = %d, want 4", res.Entries[0].RunAtMs)
	}

	asc, err := l.Read("job1", ReadOpts{SortDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	if asc.Entries[0].RunAtMs != 0 {
		t.Errorf("asc first entry runAtMs = %d, want 0", asc.Entries[0].RunAtMs)
	}
}

func TestRunLog_AppendsInFIFOOrder(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLog(dir, 0, 0)

	for i := 0; i < 50; i++ {
		if err := l.Append(RunLogEntry{JobID: "fifo", Status: StatusOK, RunAtMs: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()

	res, err := l.Read("fifo", ReadOpts{SortDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	for i, e := range res.Entries {
		if e.RunAtMs != int64(i) {
			t.Fatalf("entry %d has runAtMs %d; appends out of order", i, e.RunAtMs)
		}
	}
}

func TestRunLog_PruneKeepsTail(t *testing.T) {
	dir := t.TempDir()
	l := NewRunLog(dir, 500, 3)

	for i := 0; i < 40; i++ {
		if err := l.Append(RunLogEntry{JobID: "big", Status: StatusOK, RunAtMs: int64(i)}); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()

	path := filepath.Join(dir, "runs", "big.jsonl")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}

	res, err := l.Read("big", ReadOpts{SortDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	// Post-append invariant: bounded size, or the file holds the tail.
	if info.Size() > 500 && len(res.Entries) > 3 {
		t.Errorf("size = %d with %d entries; prune did not run", info.Size(), len(res.Entries))
	}
	last := res.Entries[len(res.Entries)-1]
	if last.RunAtMs != 39 {
		t.Errorf("last entry runAtMs = %d, want 39 (tail preserved)", last.RunAtMs)
	}
}

func TestRunLog_RejectsPathEscapingJobIDs(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)

	for _, id := range []string{"", "a/b", `a\b`, "a\x00b", "../escape"} {
		if err := l.Append(RunLogEntry{JobID: id}); !errors.Is(err, ErrBadJobID) {
			t.Errorf("jobID %q: err = %v, want ErrBadJobID", id, err)
		}
	}
	// Dots without separators are fine.
	if err := l.Append(RunLogEntry{JobID: "job.v2"}); err != nil {
		t.Errorf("jobID job.v2: %v", err)
	}
}

func TestRunLog_Filters(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)

	entries := []RunLogEntry{
		{JobID: "f", Status: StatusOK, DeliveryStatus: DeliveryStatusDelivered, Summary: "sent report", RunAtMs: 1},
		{JobID: "f", Status: StatusError, Error: "timeout talking to provider", RunAtMs: 2},
		{JobID: "f", Status: StatusOK, DeliveryStatus: DeliveryStatusNotRequested, RunAtMs: 3},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()

	res, _ := l.Read("f", ReadOpts{Status: StatusError})
	if res.Total != 1 || res.Entries[0].RunAtMs != 2 {
		t.Errorf("status filter: %+v", res)
	}

	res, _ = l.Read("f", ReadOpts{DeliveryStatus: DeliveryStatusDelivered})
	if res.Total != 1 || res.Entries[0].RunAtMs != 1 {
		t.Errorf("delivery filter: %+v", res)
	}

	res, _ = l.Read("f", ReadOpts{Query: "TIMEOUT"})
	if res.Total != 1 || res.Entries[0].RunAtMs != 2 {
		t.Errorf("query filter: %+v", res)
	}

	res, _ = l.Read("f", ReadOpts{Limit: 2, Offset: 2, SortDir: "asc"})
	if res.Total != 3 || len(res.Entries) != 1 || res.Entries[0].RunAtMs != 3 {
		t.Errorf("pagination: %+v", res)
	}
}

func TestRunLog_ReadAllDecoratesJobNames(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)

	if err := l.Append(RunLogEntry{JobID: "a", Status: StatusOK, RunAtMs: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.Append(RunLogEntry{JobID: "b", Status: StatusOK, RunAtMs: 2}); err != nil {
		t.Fatal(err)
	}
	l.Sync()

	res, err := l.ReadAll(map[string]string{"a": "Job A", "b": "Job B"}, ReadOpts{SortDir: "asc"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 2 {
		t.Fatalf("total = %d", res.Total)
	}
	if res.Entries[0].JobName != "Job A" || res.Entries[1].JobName != "Job B" {
		t.Errorf("decoration missing: %+v", res.Entries)
	}
}

func TestRunLog_LimitCap(t *testing.T) {
	l := NewRunLog(t.TempDir(), 0, 0)
	for i := 0; i < 250; i++ {
		if err := l.Append(RunLogEntry{JobID: "many", RunAtMs: int64(i), Status: StatusOK,
			Summary: fmt.Sprintf("run %d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	l.Sync()

	res, err := l.Read("many", ReadOpts{Limit: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Entries) != 200 {
		t.Errorf("entries = %d, want limit capped at 200", len(res.Entries))
	}
	if !strings.HasPrefix(res.Entries[0].Summary, "run 249") {
		t.Errorf("newest-first ordering broken: %q", res.Entries[0].Summary)
	}
}
