package comfyui

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultWaitTimeout  = 300 * time.Second
	DefaultPollInterval = 2 * time.Second
)

type WaitOptions struct {
	Timeout  time.Duration
	Interval time.Duration
	// OnEvent, when set, receives progress notifications.
	OnEvent func(Event)
}

func (o WaitOptions) withDefaults() WaitOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultWaitTimeout
	}
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	return o
}

func (o WaitOptions) emit(ev Event) {
	if o.OnEvent != nil {
		o.OnEvent(ev)
	}
}

// WaitForCompletion polls history and queue until the prompt succeeds, fails or the
// timeout elapses. Transport errors are logged and retried on the next tick.
func (c *Client) WaitForCompletion(ctx context.Context, promptID string, opts WaitOptions) (*HistoryEntry, error) {
	opts = opts.withDefaults()
	log := c.log.With(zap.String("prompt_id", promptID))
	log.Info("waiting for prompt completion", zap.Duration("timeout", opts.Timeout))

	start := time.Now()
	timeout := time.NewTimer(opts.Timeout)
	defer timeout.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		entry, err := c.checkOnce(ctx, promptID, opts, log)
		if err != nil || entry != nil {
			return entry, err
		}
		log.Debug("still processing", zap.Duration("elapsed", time.Since(start)))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timeout.C:
			log.Error("timeout waiting for prompt")
			return nil, ErrTimeout
		case <-ticker.C:
		}
	}
}

// checkOnce returns a finished entry, a terminal error, or (nil, nil) to keep waiting.
func (c *Client) checkOnce(ctx context.Context, promptID string, opts WaitOptions, log *zap.Logger) (*HistoryEntry, error) {
	entry, err := c.History(ctx, promptID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("history check failed, retrying", zap.Error(err))
		return nil, nil
	}
	if entry != nil {
		if entry.Interrupted() {
			log.Info("workflow interrupted")
			return nil, ErrInterrupted
		}
		if msg := entry.ErrorMessage(); msg != "" {
			log.Error("workflow error", zap.String("error", msg))
			return nil, &ExecutionError{PromptID: promptID, Message: msg}
		}
		if entry.Succeeded() {
			log.Info("workflow completed successfully")
			return entry, nil
		}
	}

	q, err := c.Queue(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("queue check failed, retrying", zap.Error(err))
		return nil, nil
	}
	switch {
	case q.IsRunning(promptID):
		opts.emit(Event{Type: EventRunning, PromptID: promptID})
	case q.Contains(promptID):
		opts.emit(Event{Type: EventQueued, PromptID: promptID, QueueRemaining: len(q.Pending)})
	case entry == nil:
		log.Warn("prompt not in queue and no history")
	}
	return nil, nil
}
