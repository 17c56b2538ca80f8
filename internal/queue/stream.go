package queue

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type JobKind string

const (
	JobSend    JobKind = "send"
	JobSuggest JobKind = "suggest"
	JobAccept  JobKind = "accept"
	JobReject  JobKind = "reject"
	JobChoose  JobKind = "choose"
	JobPing    JobKind = "ping"
)

// CallsProvider reports whether handling the job spends a provider call.
// Accepting or rejecting an invitation only moves reality state.
func (k JobKind) CallsProvider() bool {
	return k != JobAccept && k != JobReject
}

// Job is one user action waiting for the worker. ExternalChatID and
// MessageID address the Telegram side; ChatID and RealityID the store.
type Job struct {
	JobID          string    `json:"job_id"`
	Kind           JobKind   `json:"kind"`
	ExternalChatID int64     `json:"external_chat_id"`
	UserID         int64     `json:"user_id"`
	MessageID      int64     `json:"message_id,omitempty"`
	ChatID         string    `json:"chat_id,omitempty"`
	RealityID      string    `json:"reality_id,omitempty"`
	ChoiceID       string    `json:"choice_id,omitempty"`
	Text           string    `json:"text,omitempty"`
	GuardToken     string    `json:"guard_token,omitempty"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID  string
	Job Job
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job Job) (string, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = newJobID()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	return id, nil
}

// Read returns undecodable entries with a zero Job so the caller can ack
// and drop them instead of leaving them pending forever.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
		NoAck:    false,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, Message{ID: m.ID, Job: decodeJob(m.Values["payload"])})
		}
	}
	return out, nil
}

func decodeJob(raw any) Job {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return Job{}
	}
	var job Job
	if err := json.Unmarshal(b, &job); err != nil {
		return Job{}
	}
	return job
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}

func newJobID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("job-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}
