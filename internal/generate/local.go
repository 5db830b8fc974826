package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/synthlab/chatgate/internal/chat"
)

const (
	// extraTokenMargin is evicted on top of the overflow when a local
	// completion hits the length limit, so the retry has room to finish.
	extraTokenMargin = 100
	maxRetries       = 10

	// zero-width space some models emit as padding; never forwarded
	blank = "​"
)

// Result is the outcome of a finished local completion. Tokens is the exact
// count reported by the engine tokenizer; DeletedPairs is how many history
// pairs the retry loop evicted and must be replayed against live state.
type Result struct {
	Text         string
	Tokens       int
	DeletedPairs int
}

// Job is one queued local completion. The worker streams kept deltas into
// Deltas, closes it, then delivers exactly one Result or error.
type Job struct {
	Model    *chat.LocalModel
	Prompt   string
	Snapshot *chat.Context

	Deltas chan string
	result chan Result
	errs   chan error

	cancelOnce sync.Once
	cancel     chan struct{}
}

func NewJob(m *chat.LocalModel, prompt string, snapshot *chat.Context) *Job {
	return &Job{
		Model:    m,
		Prompt:   prompt,
		Snapshot: snapshot,
		Deltas:   make(chan string, 64),
		result:   make(chan Result, 1),
		errs:     make(chan error, 1),
		cancel:   make(chan struct{}),
	}
}

// Cancel aborts the in-flight completion. Safe to call more than once.
func (j *Job) Cancel() {
	j.cancelOnce.Do(func() { close(j.cancel) })
}

func (j *Job) Result() <-chan Result { return j.result }
func (j *Job) Err() <-chan error     { return j.errs }

// Pool serializes local completions through a fixed number of workers, since
// the inference engine can only serve so many concurrent generations.
type Pool struct {
	workers int
	jobs    chan *Job
	wg      sync.WaitGroup
}

func NewPool(workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 32
	}
	return &Pool{workers: workers, jobs: make(chan *Job, queueSize)}
}

// Run launches the workers and blocks until ctx is done.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case job := <-p.jobs:
					p.runJob(ctx, job)
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	p.wg.Wait()
}

// Submit enqueues a job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job *Job) error {
	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) runJob(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-job.cancel:
			cancel()
		case <-jobCtx.Done():
		}
	}()

	res, err := p.generate(jobCtx, job)
	close(job.Deltas)
	if err != nil {
		job.errs <- err
		return
	}
	job.result <- res
}

var errLocalLength = errors.New("local completion hit length limit")

func (p *Pool) generate(ctx context.Context, job *Job) (Result, error) {
	m := job.Model
	snapshot := job.Snapshot
	profile := snapshot.Profile

	// role labels leaking into the output terminate it, in any casing
	roleStops := append(stopCasings(profile.UserRole+":"), stopCasings(profile.AssistantRole+":")...)
	engine := engineFor(m.Endpoint)

	var content strings.Builder
	deleted := 0

	for attempt := 1; ; attempt++ {
		if attempt > maxRetries {
			return Result{}, fmt.Errorf("max retry count reached: %w", ErrTextGeneration)
		}
		content.Reset()

		stops := append(append([]string(nil), m.Stop...), roleStops...)
		maxTokens := snapshot.LeftTokens()
		if per := snapshot.TokensPerRequest(); per < maxTokens {
			maxTokens = per
		}

		err := engine.Complete(ctx, llamaRequest{
			Prompt:        job.Prompt,
			NPredict:      maxTokens,
			Temperature:   profile.Temperature,
			TopP:          profile.TopP,
			TopK:          m.Defaults.TopK,
			RepeatPenalty: profile.FrequencyPenalty,
			Stop:          stops,
			CachePrompt:   true,
		}, func(text, finish string) error {
			if strings.ReplaceAll(text, blank, "") != "" {
				if content.Len() == 0 {
					text = strings.TrimLeft(text, " \t\n")
				}
				if text != "" {
					content.WriteString(text)
					select {
					case job.Deltas <- text:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}
			if finish == "length" {
				return errLocalLength
			}
			return nil
		})

		switch {
		case errors.Is(err, errLocalLength):
			// free room and regenerate from the shortened snapshot
			deleted += snapshot.EvictOverflow()
			deleted += snapshot.EvictTokens(extraTokenMargin)
			slog.Warn("local completion hit token limit, evicting and retrying",
				"model", m.Name, "deleted_pairs", deleted, "attempt", attempt)
			continue
		case err != nil:
			return Result{}, err
		}

		if strings.TrimSpace(strings.ReplaceAll(content.String(), blank, "")) == "" {
			slog.Warn("local completion produced empty output, retrying",
				"model", m.Name, "attempt", attempt)
			continue
		}
		break
	}

	text := strings.TrimPrefix(content.String(), profile.AssistantRole+": ")
	return Result{
		Text:         text,
		Tokens:       m.Enc.Count(" " + text),
		DeletedPairs: deleted,
	}, nil
}
