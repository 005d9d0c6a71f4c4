package comfyui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Stream is an open progress socket bound to the client id. Open it before queueing the
// prompt so that no event is missed.
type Stream struct {
	conn *websocket.Conn
	log  *zap.Logger
}

func (c *Client) Connect(ctx context.Context) (*Stream, error) {
	wsURL, err := c.socketURL()
	if err != nil {
		return nil, err
	}
	conn, resp, err := c.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial progress socket: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial progress socket: %w", err)
	}
	c.log.Debug("progress socket connected", zap.String("url", wsURL))
	return &Stream{conn: conn, log: c.log}, nil
}

func (s *Stream) Close() error {
	return s.conn.Close()
}

// Wait reads socket events until the prompt finishes. It returns nil on success,
// *ExecutionError or ErrInterrupted when the server reports a failure, ErrTimeout
// after opts.Timeout, and ctx.Err() when ctx ends first.
func (s *Stream) Wait(ctx context.Context, promptID string, opts WaitOptions) error {
	opts = opts.withDefaults()
	log := s.log.With(zap.String("prompt_id", promptID))

	waitCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	// ReadMessage does not observe contexts; expire the read deadline instead.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-waitCtx.Done():
			_ = s.conn.SetReadDeadline(time.Now())
		case <-stop:
		}
	}()

	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() != nil {
				log.Error("timeout waiting for prompt")
				return ErrTimeout
			}
			return fmt.Errorf("read progress socket: %w", err)
		}
		// Binary frames carry preview images.
		if kind != websocket.TextMessage {
			continue
		}

		var msg socketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("skipping undecodable socket frame", zap.Error(err))
			continue
		}
		done, err := handleMessage(msg, promptID, opts)
		if err != nil {
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				log.Error("workflow error", zap.String("node", execErr.NodeID), zap.String("error", execErr.Message))
			}
			return err
		}
		if done {
			log.Info("workflow completed successfully")
			return nil
		}
	}
}

func handleMessage(msg socketMessage, promptID string, opts WaitOptions) (bool, error) {
	var data eventData
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return false, nil
		}
	}

	if msg.Type == EventStatus {
		if data.Status != nil {
			opts.emit(Event{Type: EventStatus, QueueRemaining: data.Status.ExecInfo.QueueRemaining})
		}
		return false, nil
	}
	// Events for other prompts share the socket.
	if data.PromptID != "" && data.PromptID != promptID {
		return false, nil
	}

	switch msg.Type {
	case EventExecuting:
		if data.Node == nil {
			return data.PromptID == promptID, nil
		}
		opts.emit(Event{Type: EventExecuting, PromptID: promptID, Node: *data.Node})
	case EventProgress:
		ev := Event{Type: EventProgress, PromptID: promptID, Value: data.Value, Max: data.Max}
		if data.Node != nil {
			ev.Node = *data.Node
		}
		opts.emit(ev)
	case EventStart, EventCached, EventExecuted:
		if data.PromptID == promptID {
			opts.emit(Event{Type: msg.Type, PromptID: promptID})
		}
	case EventSuccess:
		return data.PromptID == promptID, nil
	case EventError:
		if data.PromptID != promptID {
			return false, nil
		}
		return false, &ExecutionError{
			PromptID:      promptID,
			NodeID:        data.NodeID,
			NodeType:      data.NodeType,
			ExceptionType: data.ExceptionType,
			Message:       data.ExceptionMessage,
		}
	case EventInterrupted:
		if data.PromptID == promptID {
			return false, ErrInterrupted
		}
	}
	return false, nil
}
