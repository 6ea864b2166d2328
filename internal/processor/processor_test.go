package processor

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/suPer8Hu/llmworker/internal/llm"
	"github.com/suPer8Hu/llmworker/internal/store"
	"github.com/suPer8Hu/llmworker/internal/task"
)

func newTestProcessor(t *testing.T, caller *llm.Caller) (*Processor, *gorm.DB) {
	t.Helper()
	// One named in-memory database per test, so rows seeded by one test are
	// not visible to another.
	db, err := gorm.Open(gormsqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	s := store.New(db)
	if err := s.AutoMigrate(); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return &Processor{Store: s, Caller: caller}, db
}

func fastCaller(url string, maxAttempts int) *llm.Caller {
	c := llm.NewCaller("site", "name", llm.Params{MaxAttempts: maxAttempts, BaseDelayMs: 1, MaxDelayS: 1})
	c.Client = &http.Client{Timeout: 5 * time.Second}
	return c
}

func TestProcess_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"x":1}`))
	}))
	defer srv.Close()

	caller := fastCaller(srv.URL, 3)
	p, db := newTestProcessor(t, caller)

	err := p.Store.CreateRecord(context.Background(), &task.Record{MessageID: "m1", BodyHash: "h1"})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	body := []byte(`{"message_id":"m1","body_hash":"h1","payload":{"url":"` + srv.URL + `","body":{},"api_key":"K"}}`)
	settlement := p.Process(context.Background(), body)
	if settlement != SettlementAck {
		t.Fatalf("settlement = %v, want ack", settlement)
	}

	var rec task.Record
	db.First(&rec, "message_id = ?", "m1")
	if rec.Status != task.StatusCompleted {
		t.Fatalf("status = %q", rec.Status)
	}
	if rec.Cached {
		t.Fatalf("expected cached=false on a fresh upstream success")
	}
	if string(rec.Result) != `{"x":1}` {
		t.Fatalf("result = %s", rec.Result)
	}
}

func TestProcess_CacheHitSkipsHTTP(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"should":"not be called"}`))
	}))
	defer srv.Close()

	caller := fastCaller(srv.URL, 3)
	p, _ := newTestProcessor(t, caller)
	ctx := context.Background()

	// Seed a prior COMPLETED record sharing body_hash "h1".
	p.Store.CreateRecord(ctx, &task.Record{MessageID: "prior", BodyHash: "h1"})
	p.Store.UpdateEventStatus(ctx, "prior", task.StatusCompleted, task.Response{Completions: []byte(`{"x":1}`)}, time.Now())

	p.Store.CreateRecord(ctx, &task.Record{MessageID: "m2", BodyHash: "h1"})
	body := []byte(`{"message_id":"m2","body_hash":"h1","payload":{"url":"` + srv.URL + `","body":{},"api_key":"K"}}`)

	settlement := p.Process(ctx, body)
	if settlement != SettlementAck {
		t.Fatalf("settlement = %v, want ack", settlement)
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("expected no HTTP call on a cache hit")
	}
}

func TestProcess_MalformedBodyDropsNoStoreWrite(t *testing.T) {
	p, db := newTestProcessor(t, fastCaller("http://unused.invalid", 1))

	settlement := p.Process(context.Background(), []byte("not-json"))
	if settlement != SettlementDrop {
		t.Fatalf("settlement = %v, want drop", settlement)
	}

	var count int64
	db.Model(&task.Record{}).Count(&count)
	if count != 0 {
		t.Fatalf("expected no store writes for malformed input, got %d rows", count)
	}
}

func TestProcess_401UnauthorizedWritesFailed(t *testing.T) {
	var n int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&n, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	caller := fastCaller(srv.URL, 5)
	p, db := newTestProcessor(t, caller)
	ctx := context.Background()
	p.Store.CreateRecord(ctx, &task.Record{MessageID: "m3", BodyHash: "h3"})

	body := []byte(`{"message_id":"m3","body_hash":"h3","payload":{"url":"` + srv.URL + `","body":{},"api_key":"K"}}`)
	settlement := p.Process(ctx, body)
	if settlement != SettlementAck {
		t.Fatalf("settlement = %v, want ack", settlement)
	}
	if atomic.LoadInt32(&n) != 1 {
		t.Fatalf("expected exactly 1 HTTP call for a 401, got %d", n)
	}

	var rec task.Record
	db.First(&rec, "message_id = ?", "m3")
	if rec.Status != task.StatusFailed {
		t.Fatalf("status = %q, want FAILED", rec.Status)
	}
	if string(rec.Result) == "" {
		t.Fatalf("expected an error string recorded in result")
	}
}

func TestProcess_ExhaustedRetriesWritesFailedWithAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	caller := fastCaller(srv.URL, 3)
	p, db := newTestProcessor(t, caller)
	ctx := context.Background()
	p.Store.CreateRecord(ctx, &task.Record{MessageID: "m4", BodyHash: "h4"})

	body := []byte(`{"message_id":"m4","body_hash":"h4","payload":{"url":"` + srv.URL + `","body":{},"api_key":"K"}}`)
	settlement := p.Process(ctx, body)
	if settlement != SettlementAck {
		t.Fatalf("settlement = %v, want ack", settlement)
	}

	var rec task.Record
	db.First(&rec, "message_id = ?", "m4")
	if rec.Status != task.StatusFailed {
		t.Fatalf("status = %q, want FAILED", rec.Status)
	}
	if rec.Attempt != 2 {
		t.Fatalf("attempt = %d, want 2", rec.Attempt)
	}
}
