package generate

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synthlab/chatgate/internal/chat"
)

// Dispatcher routes a turn to the producer matching the room's model family
// and applies the outcome to the live context.
type Dispatcher struct {
	msgs   *chat.Messages
	remote *RemoteGenerator
	pool   *Pool
	tracer trace.Tracer
}

func NewDispatcher(msgs *chat.Messages, pool *Pool) *Dispatcher {
	return &Dispatcher{
		msgs:   msgs,
		remote: NewRemoteGenerator(msgs),
		pool:   pool,
		tracer: otel.Tracer("chatgate/generate"),
	}
}

// ChunkSize is how many deltas the gateway coalesces per frame: remote
// endpoints emit word fragments, local engines emit larger pieces.
func (d *Dispatcher) ChunkSize(m chat.Model) int {
	if _, ok := m.(*chat.LocalModel); ok {
		return 1
	}
	return 2
}

// Generate produces one assistant turn for the current context, streaming
// deltas into emit. On return the context and store reflect the turn.
// ErrInterrupted propagates untouched; every other failure is wrapped in
// ErrTextGeneration so the gateway can pop the pending user message.
func (d *Dispatcher) Generate(ctx context.Context, c *chat.Context, emit Emitter) error {
	ctx, span := d.tracer.Start(ctx, "generate",
		trace.WithAttributes(
			attribute.String("model", c.Model.ModelName()),
			attribute.Int64("room_id", c.RoomID()),
		))
	defer span.End()

	var err error
	switch m := c.Model.(type) {
	case *chat.RemoteModel:
		err = d.remote.Generate(ctx, c, m, emit)
	case *chat.LocalModel:
		err = d.generateLocal(ctx, c, m, emit)
	default:
		err = fmt.Errorf("model %q: no producer for %T", c.Model.ModelName(), c.Model)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrInterrupted) {
			return err
		}
		return errors.Join(ErrTextGeneration, err)
	}
	return nil
}

// generateLocal submits a pool job against a snapshot of the context, drains
// its deltas, then replays the job's eviction decisions on the live context
// before appending the result with the engine's exact token count.
func (d *Dispatcher) generateLocal(ctx context.Context, c *chat.Context, m *chat.LocalModel, emit Emitter) error {
	job := NewJob(m, BuildPrompt(c, m), c.Clone())
	if err := d.pool.Submit(ctx, job); err != nil {
		return err
	}
	defer job.Cancel()

	for delta := range job.Deltas {
		if err := emit(delta); err != nil {
			return err
		}
	}

	select {
	case res := <-job.Result():
		if res.DeletedPairs > 0 {
			if _, err := d.msgs.Pop(ctx, c, chat.RoleUser, chat.Left, res.DeletedPairs); err != nil {
				return err
			}
			if _, err := d.msgs.Pop(ctx, c, chat.RoleAssistant, chat.Left, res.DeletedPairs); err != nil {
				return err
			}
		}
		_, err := d.msgs.Append(ctx, c, chat.RoleAssistant, res.Text,
			chat.WithTokenCount(res.Tokens), chat.WithModelName(m.Name))
		return err
	case err := <-job.Err():
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
