package snapshot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/sessync/internal/testutil/testlog"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveLoadReplace(t *testing.T) {
	testlog.Start(t)
	s := openTest(t)
	ctx := context.Background()
	at := time.UnixMilli(1_700_000_000_000)

	if _, err := s.Load(ctx, "abc123"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.Save(ctx, "abc123", []byte{1, 2, 3}, at); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(ctx, "abc123", []byte{4, 5}, at.Add(time.Second)); err != nil {
		t.Fatalf("save replace: %v", err)
	}
	e, err := s.Load(ctx, "abc123")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(e.Blob) != string([]byte{4, 5}) || !e.SavedAt.Equal(at.Add(time.Second)) {
		t.Fatalf("unexpected entry: %+v", e)
	}
}

func TestDeletePruneList(t *testing.T) {
	testlog.Start(t)
	s := openTest(t)
	ctx := context.Background()
	base := time.UnixMilli(1_700_000_000_000)

	for i, id := range []string{"old", "mid", "new"} {
		if err := s.Save(ctx, id, []byte(id), base.Add(time.Duration(i)*time.Hour)); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	ids, err := s.List(ctx)
	if err != nil || len(ids) != 3 || ids[0] != "new" {
		t.Fatalf("unexpected list %v err=%v", ids, err)
	}

	n, err := s.Prune(ctx, base.Add(30*time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned, n=%d err=%v", n, err)
	}
	if err := s.Delete(ctx, "mid"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ctx, "mid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
	ids, _ = s.List(ctx)
	if len(ids) != 1 || ids[0] != "new" {
		t.Fatalf("unexpected remaining %v", ids)
	}
}

func TestOpenFileDatabase(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "snapshots.sqlite")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(context.Background(), "x", []byte("blob"), time.Now()); err != nil {
		t.Fatalf("save: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.Load(context.Background(), "x"); err != nil {
		t.Fatalf("load after reopen: %v", err)
	}
}
