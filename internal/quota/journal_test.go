package quota

import (
	"context"
	"testing"
	"time"
)

func TestBadgerJournal_AppendListRemove(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	at := time.Date(2025, 1, 10, 8, 0, 0, 0, time.UTC)

	for _, e := range []Entry{
		{SubscriberID: "s1", PostID: "p1", PlatformPostID: "x_1", PublishedAt: at},
		{SubscriberID: "s1", PostID: "p2", PlatformPostID: "x_2", PublishedAt: at},
		{SubscriberID: "s1", PostID: "p1", PlatformPostID: "x_1", PublishedAt: at, Attempts: 2},
	} {
		if err := j.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	entries, err := j.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("same post must overwrite, got %d entries", len(entries))
	}
	if entries[0].PostID != "p1" || entries[0].Attempts != 2 || !entries[0].PublishedAt.Equal(at) {
		t.Fatalf("unexpected first entry %+v", entries[0])
	}

	if err := j.Remove(ctx, "p1"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	entries, _ = j.List(ctx)
	if len(entries) != 1 || entries[0].PostID != "p2" {
		t.Fatalf("unexpected entries after remove %+v", entries)
	}
}

func TestBadgerJournal_RejectsIncompleteEntries(t *testing.T) {
	j := openTestJournal(t)
	if err := j.Append(context.Background(), Entry{PostID: "p1"}); err == nil {
		t.Fatalf("expected error for missing platform post id")
	}
}

func TestOpenJournal_RequiresPath(t *testing.T) {
	if _, err := OpenJournal(JournalConfig{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestBadgerJournal_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	j, err := OpenJournal(JournalConfig{Path: dir})
	if err != nil {
		t.Fatalf("OpenJournal: %v", err)
	}
	if err := j.Append(ctx, Entry{SubscriberID: "s1", PostID: "p1", PlatformPostID: "x_1", PublishedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := j.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	j, err = OpenJournal(JournalConfig{Path: dir})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = j.Close() }()
	entries, _ := j.List(ctx)
	if len(entries) != 1 || entries[0].PlatformPostID != "x_1" {
		t.Fatalf("entry lost across reopen: %+v", entries)
	}
}
