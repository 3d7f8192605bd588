package conversation

import (
	"context"
	"encoding/json"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()

	sqliteStore, err := OpenSQLite(filepath.Join(t.TempDir(), "conv.db"), "room_1")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sqliteStore.Close() })

	return map[string]Store{
		"memory": NewMemoryStore("room_1"),
		"sqlite": sqliteStore,
	}
}

func appendTexts(t *testing.T, s Store, texts ...string) []Entry {
	t.Helper()
	out := make([]Entry, 0, len(texts))
	for _, text := range texts {
		e, err := s.Append(context.Background(), Entry{Content: Message{Role: "user", Text: text}})
		if err != nil {
			t.Fatalf("Append(%q) error = %v", text, err)
		}
		out = append(out, e)
	}
	return out
}

func texts(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, Text(e.Content))
	}
	return out
}

func TestStore_AppendAssignsIDAndTime(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		e, err := s.Append(context.Background(), Entry{Content: AITranscript{ResponseID: "r1", Text: "Hello"}})
		if err != nil {
			t.Fatalf("%s: Append() error = %v", name, err)
		}
		if !strings.HasPrefix(e.ID, "ent_") {
			t.Fatalf("%s: id=%q, want ent_ prefix", name, e.ID)
		}
		if e.CreatedAt.IsZero() {
			t.Fatalf("%s: created_at not set", name)
		}
		if e.RoomID != "room_1" {
			t.Fatalf("%s: room=%q, want %q", name, e.RoomID, "room_1")
		}
	}
}

func TestStore_AllPreservesOrderAndContent(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		ctx := context.Background()
		created := time.Date(2025, 1, 2, 3, 4, 5, 6, time.UTC)
		items := []Content{
			UserAudio{ItemID: "it_1", Transcript: "what's the price of eth"},
			ToolLoading{CallID: "call_1", ToolName: "get_market_price"},
			ToolResult{CallID: "call_1", ToolName: "get_market_price", Output: json.RawMessage(`{"price":3120.5}`)},
			AITranscript{ResponseID: "r1", Text: "ETH is at 3120."},
			TransactionReceipt{TxHash: "0xabc", Status: "confirmed"},
		}
		for _, c := range items {
			if _, err := s.Append(ctx, Entry{Content: c, CreatedAt: created}); err != nil {
				t.Fatalf("%s: Append() error = %v", name, err)
			}
		}

		all, err := s.All(ctx)
		if err != nil {
			t.Fatalf("%s: All() error = %v", name, err)
		}
		if len(all) != len(items) {
			t.Fatalf("%s: len=%d, want %d", name, len(all), len(items))
		}
		for i, e := range all {
			if e.Content.Kind() != items[i].Kind() {
				t.Fatalf("%s: entry %d kind=%q, want %q", name, i, e.Content.Kind(), items[i].Kind())
			}
			if !e.CreatedAt.Equal(created) {
				t.Fatalf("%s: entry %d created_at=%v, want %v", name, i, e.CreatedAt, created)
			}
		}
		result := all[2].Content.(ToolResult)
		if string(result.Output) != `{"price":3120.5}` {
			t.Fatalf("%s: output=%s", name, result.Output)
		}
	}
}

func TestStore_LastN(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		appendTexts(t, s, "a", "b", "c", "d")

		got, err := s.LastN(context.Background(), 2)
		if err != nil {
			t.Fatalf("%s: LastN() error = %v", name, err)
		}
		if strings.Join(texts(got), ",") != "c,d" {
			t.Fatalf("%s: LastN(2)=%v, want [c d]", name, texts(got))
		}

		got, _ = s.LastN(context.Background(), 10)
		if len(got) != 4 {
			t.Fatalf("%s: LastN(10) len=%d, want 4", name, len(got))
		}
		got, _ = s.LastN(context.Background(), 0)
		if len(got) != 0 {
			t.Fatalf("%s: LastN(0) len=%d, want 0", name, len(got))
		}
	}
}

func TestStore_Page(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		appendTexts(t, s, "a", "b", "c", "d", "e")
		ctx := context.Background()

		got, err := s.Page(ctx, 1, 2)
		if err != nil {
			t.Fatalf("%s: Page() error = %v", name, err)
		}
		if strings.Join(texts(got), ",") != "b,c" {
			t.Fatalf("%s: Page(1,2)=%v", name, texts(got))
		}

		got, _ = s.Page(ctx, 4, 10)
		if strings.Join(texts(got), ",") != "e" {
			t.Fatalf("%s: Page(4,10)=%v", name, texts(got))
		}

		got, err = s.Page(ctx, 1, math.MaxInt)
		if err != nil || strings.Join(texts(got), ",") != "b,c,d,e" {
			t.Fatalf("%s: Page(1,MaxInt)=%v err=%v", name, texts(got), err)
		}

		got, _ = s.Page(ctx, 9, 2)
		if len(got) != 0 {
			t.Fatalf("%s: Page past end len=%d", name, len(got))
		}

		if _, err := s.Page(ctx, -1, 2); err == nil {
			t.Fatalf("%s: expected error for negative offset", name)
		}
	}
}

func TestStore_RejectsNilContent(t *testing.T) {
	t.Parallel()

	for name, s := range storesUnderTest(t) {
		if _, err := s.Append(context.Background(), Entry{}); err != ErrNilContent {
			t.Fatalf("%s: err=%v, want ErrNilContent", name, err)
		}
	}
}

func TestMemoryStore_SnapshotsAreIsolated(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore("")
	output := json.RawMessage(`{"a":1}`)
	if _, err := s.Append(context.Background(), Entry{Content: ToolResult{CallID: "c", Output: output}}); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	output[2] = 'X'

	all, _ := s.All(context.Background())
	got := all[0].Content.(ToolResult)
	if string(got.Output) != `{"a":1}` {
		t.Fatalf("stored output mutated: %s", got.Output)
	}
	got.Output[2] = 'Y'
	again, _ := s.All(context.Background())
	if string(again[0].Content.(ToolResult).Output) != `{"a":1}` {
		t.Fatal("snapshot aliases stored entry")
	}
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "conv.db")
	s, err := OpenSQLite(path, "room_a")
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	appendTexts(t, s, "first", "second")
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened, err := OpenSQLite(path, "room_a")
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer reopened.Close()
	all, err := reopened.All(context.Background())
	if err != nil {
		t.Fatalf("All() error = %v", err)
	}
	if strings.Join(texts(all), ",") != "first,second" {
		t.Fatalf("entries=%v", texts(all))
	}

	other, err := OpenSQLite(path, "room_b")
	if err != nil {
		t.Fatalf("open room_b error = %v", err)
	}
	defer other.Close()
	if all, _ := other.All(context.Background()); len(all) != 0 {
		t.Fatalf("room_b sees %d entries, want 0", len(all))
	}
}
