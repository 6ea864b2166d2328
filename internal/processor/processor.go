// Package processor is the per-message orchestration of the store adapter
// and the retrying HTTP caller: decode, mark PROCESSING, probe the cache,
// call upstream on a miss, write the terminal record, and decide the
// broker settlement. Grounded on the teacher's cmd/worker/main.go
// handleJob/jobMsg flow, generalized from the chat-job domain to the
// spec's message_id/body_hash/payload envelope.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/suPer8Hu/llmworker/internal/llm"
	"github.com/suPer8Hu/llmworker/internal/metrics"
	"github.com/suPer8Hu/llmworker/internal/store"
	"github.com/suPer8Hu/llmworker/internal/store/cache"
	"github.com/suPer8Hu/llmworker/internal/task"
)

// Settlement tells the dispatcher what to do with the originating broker
// delivery once Process returns.
type Settlement int

const (
	// SettlementAck positively acknowledges the delivery.
	SettlementAck Settlement = iota
	// SettlementRequeue negative-acks with requeue=true.
	SettlementRequeue
	// SettlementDrop negative-acks with requeue=false.
	SettlementDrop
	// SettlementNone issues no ack/nack at all; the broker will redeliver
	// after the channel/connection is lost or the consumer's visibility
	// timeout elapses.
	SettlementNone
)

func (s Settlement) String() string {
	switch s {
	case SettlementAck:
		return "ack"
	case SettlementRequeue:
		return "requeue"
	case SettlementDrop:
		return "drop"
	case SettlementNone:
		return "none"
	default:
		return "unknown"
	}
}

// delivery is the wire shape of a broker message body (spec.md §6).
// Missing string fields default to the empty string, matching
// encoding/json's zero-value behavior for absent keys.
type delivery struct {
	MessageID string `json:"message_id"`
	BodyHash  string `json:"body_hash"`
	Payload   struct {
		URL    string          `json:"url"`
		Body   json.RawMessage `json:"body"`
		APIKey string          `json:"api_key"`
	} `json:"payload"`
}

type Processor struct {
	Store   *store.Store
	Cache   *cache.Accelerator // may be nil
	Caller  *llm.Caller
	Metrics *metrics.Metrics // may be nil
}

// Process runs the full decode → PROCESSING → cache probe → upstream →
// terminal write sequence for one broker delivery body and reports the
// settlement the dispatcher should apply.
func (p *Processor) Process(ctx context.Context, body []byte) Settlement {
	p.Metrics.IncReceived()

	var d delivery
	if err := json.Unmarshal(body, &d); err != nil {
		log.Printf("decode failed err=%v", err)
		return SettlementDrop
	}

	startedAt := time.Now().UTC()
	log.Printf("message_id=%s status=PROCESSING", d.MessageID)
	if err := p.Store.UpdateEventStatus(ctx, d.MessageID, task.StatusProcessing, task.Response{}, startedAt); err != nil {
		log.Printf("message_id=%s mark-processing failed err=%v", d.MessageID, err)
		return SettlementNone
	}

	if resp, hit := p.Cache.Get(ctx, d.BodyHash); hit {
		p.Metrics.IncCacheHit("accelerator")
		return p.writeCacheHit(ctx, d, startedAt, *resp)
	}
	if resp, err := p.Store.GetCachedCompletion(ctx, d.BodyHash); err != nil {
		log.Printf("message_id=%s cache probe error, treating as miss err=%v", d.MessageID, err)
	} else if resp != nil {
		p.Metrics.IncCacheHit("store")
		return p.writeCacheHit(ctx, d, startedAt, *resp)
	}

	callStart := time.Now()
	resp, err := p.Caller.Call(ctx, llm.Request{
		URL:    d.Payload.URL,
		Body:   d.Payload.Body,
		APIKey: d.Payload.APIKey,
	})
	p.Metrics.ObserveUpstreamLatencySeconds(time.Since(callStart).Seconds())

	if err != nil {
		var permErr *llm.PermanentError
		attempt := 0
		if errors.As(err, &permErr) {
			attempt = permErr.Attempt
		}
		p.Metrics.ObserveAttempts(attempt + 1)
		p.Metrics.IncTerminal(task.StatusFailed.String())
		p.Metrics.IncErrorClass("upstream")

		errResult := task.Response{Completions: jsonString(err.Error()), Attempt: attempt}
		log.Printf("message_id=%s status=FAILED attempt=%d err=%v", d.MessageID, attempt, err)
		if werr := p.Store.UpdateEventStatus(ctx, d.MessageID, task.StatusFailed, errResult, startedAt); werr != nil {
			log.Printf("message_id=%s write-failed-after-permanent-error failed err=%v", d.MessageID, werr)
			p.Metrics.IncErrorClass("store_after_permanent")
		}
		// Ack regardless: retrying the same permanent error is pointless,
		// and replaying a FAILED write we failed to persist would only
		// repeat the same upstream failure forever.
		return SettlementAck
	}

	p.Metrics.ObserveAttempts(resp.Attempt + 1)
	p.Metrics.IncTerminal(task.StatusCompleted.String())
	log.Printf("message_id=%s status=COMPLETED attempt=%d cached=false", d.MessageID, resp.Attempt)
	if werr := p.Store.UpdateEventStatus(ctx, d.MessageID, task.StatusCompleted, resp, startedAt); werr != nil {
		log.Printf("message_id=%s write-completed failed err=%v", d.MessageID, werr)
		p.Metrics.IncErrorClass("store_after_success")
		return SettlementRequeue
	}
	p.Cache.Set(ctx, d.BodyHash, resp.Completions)
	return SettlementAck
}

func (p *Processor) writeCacheHit(ctx context.Context, d delivery, startedAt time.Time, resp task.Response) Settlement {
	resp.Cached = true
	resp.Attempt = 0
	log.Printf("message_id=%s status=COMPLETED cached=true", d.MessageID)
	p.Metrics.IncTerminal(task.StatusCompleted.String())
	if err := p.Store.UpdateEventStatus(ctx, d.MessageID, task.StatusCompleted, resp, startedAt); err != nil {
		log.Printf("message_id=%s write-cached-completed failed err=%v", d.MessageID, err)
		return SettlementRequeue
	}
	// Backfill the accelerator on every terminal COMPLETED write, including
	// a store-sourced hit: keeps a cold/evicted Redis from forcing every
	// subsequent delivery for this body_hash back through the store.
	p.Cache.Set(ctx, d.BodyHash, resp.Completions)
	return SettlementAck
}

func jsonString(s string) json.RawMessage {
	b, err := json.Marshal(s)
	if err != nil {
		return json.RawMessage(`"error encoding failure message"`)
	}
	return b
}
