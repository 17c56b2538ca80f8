package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wizicer/aichat/internal/conversation"
	"github.com/wizicer/aichat/internal/metrics"
	"github.com/wizicer/aichat/internal/queue"
)

var errUnknownJob = errors.New("unknown job kind")

type Conversation interface {
	Send(ctx context.Context, chatID, text string) (conversation.Result, error)
	Suggest(ctx context.Context, chatID string) (conversation.Result, error)
	Accept(ctx context.Context, realityID string) (conversation.Result, error)
	Reject(ctx context.Context, realityID string) (conversation.Result, error)
	Choose(ctx context.Context, realityID, choiceID string) (conversation.Result, error)
	TestConnection(ctx context.Context) (string, error)
}

// Replier delivers outcomes back to the user.
type Replier interface {
	Result(ctx context.Context, job queue.Job, res conversation.Result) error
	Text(ctx context.Context, job queue.Job, text string) error
	Failure(ctx context.Context, job queue.Job, err error) error
}

type Queue interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Ack(ctx context.Context, messageID string) error
}

type Guard interface {
	Release(ctx context.Context, chatID int64, token string) (bool, error)
}

type Worker struct {
	conv        Conversation
	replier     Replier
	queue       Queue
	guard       Guard
	maxRetries  int
	backoffBase time.Duration
	logger      zerolog.Logger
	metrics     *metrics.Metrics
}

type Config struct {
	Conversation Conversation
	Replier      Replier
	Queue        Queue
	Guard        Guard
	// MaxRetries bounds redelivery attempts of a reply. Provider calls are
	// never repeated.
	MaxRetries  int
	BackoffBase time.Duration
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 400 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Worker{
		conv:        cfg.Conversation,
		replier:     cfg.Replier,
		queue:       cfg.Queue,
		guard:       cfg.Guard,
		maxRetries:  cfg.MaxRetries,
		backoffBase: cfg.BackoffBase,
		logger:      cfg.Logger,
		metrics:     m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.queue.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read queue")
			time.Sleep(1 * time.Second)
			continue
		}
		for _, msg := range messages {
			w.Handle(ctx, msg)
		}
	}
}

// Handle runs one job to completion and acks it. Failures are reported to
// the user and never re-enqueued.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	job := msg.Job
	log := w.logger.With().Str("job_id", job.JobID).Str("kind", string(job.Kind)).Int64("external_chat_id", job.ExternalChatID).Logger()

	defer func() {
		if ackErr := w.queue.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Str("msg_id", msg.ID).Msg("failed to ack message")
		}
		if w.guard != nil && job.GuardToken != "" {
			if _, err := w.guard.Release(ctx, job.ExternalChatID, job.GuardToken); err != nil {
				log.Warn().Err(err).Msg("failed to release in-flight guard")
			}
		}
	}()

	if job.Kind == "" {
		log.Warn().Str("msg_id", msg.ID).Msg("dropping undecodable job")
		w.metrics.FailedJobs.Inc()
		return
	}

	err := w.process(ctx, job)
	if err == nil {
		w.metrics.ProcessedJobs.Inc()
		return
	}
	w.metrics.FailedJobs.Inc()
	log.Error().Err(err).Msg("job failed")
	if sendErr := w.deliver(ctx, func() error { return w.replier.Failure(ctx, job, err) }); sendErr != nil {
		log.Error().Err(sendErr).Msg("failed to report job failure")
	}
}

func (w *Worker) process(ctx context.Context, job queue.Job) error {
	var (
		res conversation.Result
		err error
	)
	switch job.Kind {
	case queue.JobSend:
		res, err = w.conv.Send(ctx, job.ChatID, job.Text)
	case queue.JobSuggest:
		res, err = w.conv.Suggest(ctx, job.ChatID)
	case queue.JobAccept:
		res, err = w.conv.Accept(ctx, job.RealityID)
	case queue.JobReject:
		res, err = w.conv.Reject(ctx, job.RealityID)
	case queue.JobChoose:
		res, err = w.conv.Choose(ctx, job.RealityID, job.ChoiceID)
	case queue.JobPing:
		reply, pingErr := w.conv.TestConnection(ctx)
		if pingErr != nil {
			return pingErr
		}
		return w.deliver(ctx, func() error { return w.replier.Text(ctx, job, "Connection OK: "+reply) })
	default:
		return fmt.Errorf("%w %q", errUnknownJob, job.Kind)
	}
	if err != nil {
		return err
	}
	return w.deliver(ctx, func() error { return w.replier.Result(ctx, job, res) })
}

// deliver retries sending with linear backoff.
func (w *Worker) deliver(ctx context.Context, send func() error) error {
	var err error
	for attempt := 0; attempt <= w.maxRetries; attempt++ {
		if err = send(); err == nil {
			return nil
		}
		if attempt == w.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.backoffBase * time.Duration(attempt+1)):
		}
	}
	return err
}
