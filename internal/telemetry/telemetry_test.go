package telemetry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Lukeus/context-kit-engine/pkg/models"
)

// stores returns both implementations so every contract test runs against
// each backend.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "telemetry.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { sqlite.Shutdown() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestLog_OpenAndClose(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			ctx := context.Background()

			record, err := log.Open(ctx, "sess-1", "context.read", map[string]any{"path": "entities/a.yaml"})
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if record.Status != models.InvocationPending {
				t.Errorf("status = %s, want pending", record.Status)
			}
			if record.StartedAt.IsZero() {
				t.Error("started_at not set")
			}

			closed, err := log.CloseRecord(ctx, record.ID, models.InvocationSucceeded, "read 1 file")
			if err != nil {
				t.Fatalf("CloseRecord: %v", err)
			}
			if closed.Status != models.InvocationSucceeded || closed.Summary != "read 1 file" {
				t.Errorf("closed = %+v", closed)
			}
			if closed.FinishedAt.IsZero() {
				t.Error("finished_at not set")
			}
		})
	}
}

func TestLog_FirstCloseWins(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			ctx := context.Background()

			record, _ := log.Open(ctx, "sess-1", "context.read", nil)
			if _, err := log.CloseRecord(ctx, record.ID, models.InvocationFailed, "timeout"); err != nil {
				t.Fatalf("first close: %v", err)
			}
			_, err := log.CloseRecord(ctx, record.ID, models.InvocationSucceeded, "late success")
			if !errors.Is(err, ErrAlreadyClosed) {
				t.Fatalf("second close = %v, want ErrAlreadyClosed", err)
			}

			got, err := log.Get(ctx, record.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.InvocationFailed || got.Summary != "timeout" {
				t.Errorf("record changed by losing close: %+v", got)
			}
		})
	}
}

func TestLog_CloseWithCancelledContext(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			record, err := log.Open(context.Background(), "sess-1", "git.preparePr", nil)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}

			// An aborted execution closes its record with the context that
			// was just cancelled. The close must still land or the record
			// stays pending forever.
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			closed, err := log.CloseRecord(ctx, record.ID, models.InvocationAborted, "aborted: context canceled")
			if err != nil {
				t.Fatalf("CloseRecord with cancelled ctx: %v", err)
			}
			if closed.Status != models.InvocationAborted {
				t.Errorf("status = %s, want aborted", closed.Status)
			}

			got, err := log.Get(context.Background(), record.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Status != models.InvocationAborted || got.FinishedAt.IsZero() {
				t.Errorf("record = %+v, want terminal with finished_at set", got)
			}
		})
	}
}

func TestLog_CloseRequiresTerminalStatus(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx := context.Background()

	record, _ := log.Open(ctx, "sess-1", "context.read", nil)
	if _, err := log.CloseRecord(ctx, record.ID, models.InvocationPending, ""); !errors.Is(err, ErrNotTerminal) {
		t.Errorf("close with pending = %v, want ErrNotTerminal", err)
	}
}

func TestLog_CloseMissingRecord(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			_, err := log.CloseRecord(context.Background(), "missing", models.InvocationSucceeded, "")
			if !errors.Is(err, ErrRecordNotFound) {
				t.Errorf("close missing = %v, want ErrRecordNotFound", err)
			}
		})
	}
}

func TestLog_ListOrderedByStart(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var step time.Duration
	clock := func() time.Time {
		step += time.Second
		return base.Add(step)
	}

	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store, WithClock(clock))
			ctx := context.Background()

			first, _ := log.Open(ctx, "sess-1", "context.read", nil)
			second, _ := log.Open(ctx, "sess-1", "context.search", nil)
			log.Open(ctx, "sess-2", "context.read", nil)
			third, _ := log.Open(ctx, "sess-1", "pipeline.validate", nil)

			records, err := log.List(ctx, "sess-1")
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(records) != 3 {
				t.Fatalf("records = %d, want 3", len(records))
			}
			wantOrder := []string{first.ID, second.ID, third.ID}
			for i, id := range wantOrder {
				if records[i].ID != id {
					t.Errorf("records[%d].ID = %s, want %s", i, records[i].ID, id)
				}
			}
		})
	}
}

func TestLog_ParametersRoundTrip(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			ctx := context.Background()

			record, _ := log.Open(ctx, "sess-1", "pipeline.impact", map[string]any{
				"target": "svc-payments",
				"depth":  float64(2),
			})
			got, err := log.Get(ctx, record.ID)
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if got.Parameters["target"] != "svc-payments" {
				t.Errorf("parameters = %v", got.Parameters)
			}
			if got.Parameters["depth"] != float64(2) {
				t.Errorf("depth = %v (%T)", got.Parameters["depth"], got.Parameters["depth"])
			}
		})
	}
}

func TestLog_ConcurrentCloseSingleWinner(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			log := NewLog(store)
			ctx := context.Background()
			record, _ := log.Open(ctx, "sess-1", "context.read", nil)

			const racers = 8
			var wg sync.WaitGroup
			var mu sync.Mutex
			winners := 0
			for i := 0; i < racers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					if _, err := log.CloseRecord(ctx, record.ID, models.InvocationSucceeded, ""); err == nil {
						mu.Lock()
						winners++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			if winners != 1 {
				t.Errorf("winners = %d, want exactly 1", winners)
			}
		})
	}
}

func TestMemoryStore_CloneIsolation(t *testing.T) {
	log := NewLog(NewMemoryStore())
	ctx := context.Background()

	record, _ := log.Open(ctx, "sess-1", "context.read", map[string]any{"path": "a"})
	record.Parameters["path"] = "tampered"
	record.Status = models.InvocationSucceeded

	got, err := log.Get(ctx, record.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Parameters["path"] != "a" || got.Status != models.InvocationPending {
		t.Error("mutating a returned record leaked into the store")
	}
}
