package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/llmworker/internal/task"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(gormsqlite.Open("file::memory:?cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&task.Record{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func TestUpdateEventStatus_MarksProcessingThenCompleted(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	rec := &task.Record{MessageID: "m1", BodyHash: "h1", Payload: []byte(`{"url":"U"}`)}
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create record: %v", err)
	}

	started := time.Now().UTC()
	if err := s.UpdateEventStatus(ctx, "m1", task.StatusProcessing, task.Response{}, started); err != nil {
		t.Fatalf("mark processing: %v", err)
	}

	completions := json.RawMessage(`{"x":1}`)
	if err := s.UpdateEventStatus(ctx, "m1", task.StatusCompleted, task.Response{Completions: completions, Attempt: 0}, started); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	var got task.Record
	if err := db.First(&got, "message_id = ?", "m1").Error; err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Status != task.StatusCompleted {
		t.Fatalf("status = %q, want COMPLETED", got.Status)
	}
	if got.BodyHash != "h1" {
		t.Fatalf("body_hash clobbered: %q", got.BodyHash)
	}
	if got.DurationMs < 0 {
		t.Fatalf("duration_ms = %d, want >= 0", got.DurationMs)
	}
}

func TestUpdateEventStatus_IdempotentReplay(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	rec := &task.Record{MessageID: "m2", BodyHash: "h2"}
	if err := s.CreateRecord(ctx, rec); err != nil {
		t.Fatalf("create: %v", err)
	}

	started := time.Now().UTC()
	resp := task.Response{Completions: json.RawMessage(`{"y":2}`), Attempt: 3}

	if err := s.UpdateEventStatus(ctx, "m2", task.StatusCompleted, resp, started); err != nil {
		t.Fatalf("first write: %v", err)
	}
	var first task.Record
	db.First(&first, "message_id = ?", "m2")

	if err := s.UpdateEventStatus(ctx, "m2", task.StatusCompleted, resp, started); err != nil {
		t.Fatalf("replay write: %v", err)
	}
	var second task.Record
	db.First(&second, "message_id = ?", "m2")

	if string(first.Result) != string(second.Result) || first.Attempt != second.Attempt {
		t.Fatalf("replay produced a different row: %+v vs %+v", first, second)
	}
}

func TestUpdateEventStatus_UnknownMessageIsRejected(t *testing.T) {
	db := openTestDB(t)
	s := New(db)

	err := s.UpdateEventStatus(context.Background(), "does-not-exist", task.StatusProcessing, task.Response{}, time.Now())
	if !errors.Is(err, ErrStoreRejected) {
		t.Fatalf("err = %v, want ErrStoreRejected", err)
	}
}

func TestGetCachedCompletion_HitAndMiss(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	if _, err := s.GetCachedCompletion(ctx, "nope"); err != nil {
		t.Fatalf("miss on empty store should not error: %v", err)
	}

	rec := &task.Record{MessageID: "m3", BodyHash: "h3"}
	s.CreateRecord(ctx, rec)
	s.UpdateEventStatus(ctx, "m3", task.StatusCompleted, task.Response{Completions: json.RawMessage(`{"z":3}`)}, time.Now())

	resp, err := s.GetCachedCompletion(ctx, "h3")
	if err != nil {
		t.Fatalf("get cached: %v", err)
	}
	if resp == nil {
		t.Fatalf("expected a cache hit")
	}
	if !resp.Cached || resp.Attempt != 0 {
		t.Fatalf("cache hit must report cached=true attempt=0, got %+v", resp)
	}
	if string(resp.Completions) != `{"z":3}` {
		t.Fatalf("completions = %s, want byte-identical round-trip", resp.Completions)
	}

	miss, err := s.GetCachedCompletion(ctx, "h3-does-not-match")
	if err != nil || miss != nil {
		t.Fatalf("expected clean miss, got resp=%v err=%v", miss, err)
	}
}

func TestGetCachedCompletion_EmptyBodyHashStillQueries(t *testing.T) {
	db := openTestDB(t)
	s := New(db)
	ctx := context.Background()

	rec := &task.Record{MessageID: "m4", BodyHash: ""}
	s.CreateRecord(ctx, rec)
	s.UpdateEventStatus(ctx, "m4", task.StatusCompleted, task.Response{Completions: json.RawMessage(`{"empty":true}`)}, time.Now())

	resp, err := s.GetCachedCompletion(ctx, "")
	if err != nil || resp == nil {
		t.Fatalf("expected hit on empty body_hash, got resp=%v err=%v", resp, err)
	}
}
