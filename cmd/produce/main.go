// Command produce is a dev/test tool that publishes a single synthetic job
// onto the queue the worker consumes. Not part of the worker's runtime; it
// exists for driving the worker by hand against a local broker.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/datatypes"

	"github.com/suPer8Hu/llmworker/internal/config"
	"github.com/suPer8Hu/llmworker/internal/db"
	"github.com/suPer8Hu/llmworker/internal/store"
	"github.com/suPer8Hu/llmworker/internal/store/rabbitmq"
	"github.com/suPer8Hu/llmworker/internal/task"
)

func main() {
	url := flag.String("url", "https://openrouter.ai/api/v1/chat/completions", "upstream URL the worker should call")
	body := flag.String("body", `{"model":"openrouter/auto","messages":[{"role":"user","content":"hello"}]}`, "request body JSON")
	apiKey := flag.String("api-key", "", "API key the worker should send upstream")
	flag.Parse()

	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)
	st := store.New(gdb)
	if err := st.AutoMigrate(); err != nil {
		log.Fatalf("automigrate: %v", err)
	}

	pub, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("connect to broker: %v", err)
	}
	defer pub.Close()

	sum := sha256.Sum256([]byte(*body))
	bodyHash := hex.EncodeToString(sum[:])
	messageID := ulid.Make().String()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := st.CreateRecord(ctx, &task.Record{
		MessageID: messageID,
		BodyHash:  bodyHash,
		Payload:   datatypes.JSON(*body),
	}); err != nil {
		log.Fatalf("seed record: %v", err)
	}

	msg := rabbitmq.JobMessage{
		MessageID: messageID,
		BodyHash:  bodyHash,
		Payload: rabbitmq.JobPayload{
			URL:    *url,
			Body:   json.RawMessage(*body),
			APIKey: *apiKey,
		},
	}

	if err := pub.PublishJob(ctx, msg); err != nil {
		log.Fatalf("publish job: %v", err)
	}

	log.Printf("published message_id=%s body_hash=%s", msg.MessageID, msg.BodyHash)
}
