package comfyui

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	ErrTimeout     = errors.New("execution timeout")
	ErrInterrupted = errors.New("execution interrupted")
	ErrNoPromptID  = errors.New("no prompt_id returned from ComfyUI")
)

// Socket event types.
const (
	EventStatus      = "status"
	EventStart       = "execution_start"
	EventExecuting   = "executing"
	EventProgress    = "progress"
	EventExecuted    = "executed"
	EventCached      = "execution_cached"
	EventError       = "execution_error"
	EventInterrupted = "execution_interrupted"
	EventSuccess     = "execution_success"

	// Polling pseudo-events.
	EventQueued  = "queued"
	EventRunning = "running"
)

// Event is a progress notification for one prompt.
type Event struct {
	Type           string
	PromptID       string
	Node           string
	Value          int
	Max            int
	QueueRemaining int
}

// Fraction is value/max of a progress event, 0 for other events.
func (e Event) Fraction() float64 {
	if e.Type != EventProgress || e.Max <= 0 {
		return 0
	}
	f := float64(e.Value) / float64(e.Max)
	if f > 1 {
		return 1
	}
	return f
}

// HTTPError is a non-2xx answer from the rendering server.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// PromptError is returned when the server refuses a graph at submission time.
type PromptError struct {
	Message    string
	NodeErrors map[string]json.RawMessage
}

func (e *PromptError) Error() string {
	if len(e.NodeErrors) == 0 {
		return "prompt rejected: " + e.Message
	}
	ids := make([]string, 0, len(e.NodeErrors))
	for id := range e.NodeErrors {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return fmt.Sprintf("prompt rejected: %s (nodes %s)", e.Message, strings.Join(ids, ","))
}

// ExecutionError reports a failure raised while the graph was running.
type ExecutionError struct {
	PromptID      string
	NodeID        string
	NodeType      string
	ExceptionType string
	Message       string
}

func (e *ExecutionError) Error() string {
	if e.NodeID == "" {
		return fmt.Sprintf("prompt %s failed: %s", e.PromptID, e.Message)
	}
	return fmt.Sprintf("prompt %s failed at node %s (%s): %s", e.PromptID, e.NodeID, e.NodeType, e.Message)
}

type promptRequest struct {
	Prompt   interface{} `json:"prompt"`
	ClientID string      `json:"client_id"`
}

type promptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
	Error      json.RawMessage            `json:"error"`
}

// OutputFile locates an artifact produced by an output node.
type OutputFile struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
	Format    string `json:"format,omitempty"`
	NodeID    string `json:"-"`
}

// RelPath is the file location relative to the server's output directory.
func (f OutputFile) RelPath() string {
	return path.Join(f.Subfolder, f.Filename)
}

// IsVideo reports whether the file looks like a video container.
func (f OutputFile) IsVideo() bool {
	if strings.HasPrefix(f.Format, "video/") {
		return true
	}
	switch strings.ToLower(path.Ext(f.Filename)) {
	case ".mp4", ".webm", ".mov", ".mkv", ".avi":
		return true
	}
	return false
}

type NodeOutput struct {
	Videos []OutputFile `json:"videos,omitempty"`
	Gifs   []OutputFile `json:"gifs,omitempty"`
	Images []OutputFile `json:"images,omitempty"`
	Audio  []OutputFile `json:"audio,omitempty"`
}

type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages"`
}

// HistoryEntry is one prompt's record under /history.
type HistoryEntry struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  *HistoryStatus        `json:"status"`
	Error   json.RawMessage       `json:"error,omitempty"`
}

// Succeeded mirrors how the server marks a finished prompt: an explicit success status
// or any recorded outputs.
func (h *HistoryEntry) Succeeded() bool {
	if h == nil {
		return false
	}
	if h.Status != nil && h.Status.StatusStr == "success" {
		return true
	}
	return len(h.Outputs) > 0
}

// ErrorMessage returns the recorded failure, or "" when the prompt did not fail.
func (h *HistoryEntry) ErrorMessage() string {
	if h == nil {
		return ""
	}
	if len(h.Error) > 0 && string(h.Error) != "null" {
		var s string
		if err := json.Unmarshal(h.Error, &s); err == nil {
			return s
		}
		return string(h.Error)
	}
	if h.Status == nil || h.Status.StatusStr != "error" {
		return ""
	}
	if data, ok := h.statusMessage(EventError); ok && data.ExceptionMessage != "" {
		return strings.TrimSpace(data.ExceptionMessage)
	}
	return "execution failed"
}

// Interrupted reports whether the prompt was stopped through /interrupt.
func (h *HistoryEntry) Interrupted() bool {
	_, ok := h.statusMessage(EventInterrupted)
	return ok
}

// statusMessage finds the first [kind, data] pair of the given kind in the status log.
func (h *HistoryEntry) statusMessage(kind string) (eventData, bool) {
	if h == nil || h.Status == nil {
		return eventData{}, false
	}
	for _, raw := range h.Status.Messages {
		var pair []json.RawMessage
		if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
			continue
		}
		var k string
		if err := json.Unmarshal(pair[0], &k); err != nil || k != kind {
			continue
		}
		var data eventData
		if err := json.Unmarshal(pair[1], &data); err != nil {
			continue
		}
		return data, true
	}
	return eventData{}, false
}

// Files flattens every output in node id order, videos before animations before images.
func (h *HistoryEntry) Files() []OutputFile {
	if h == nil {
		return nil
	}
	ids := make([]string, 0, len(h.Outputs))
	for id := range h.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var files []OutputFile
	for _, pick := range []func(NodeOutput) []OutputFile{
		func(o NodeOutput) []OutputFile { return o.Videos },
		func(o NodeOutput) []OutputFile { return o.Gifs },
		func(o NodeOutput) []OutputFile { return o.Images },
		func(o NodeOutput) []OutputFile { return o.Audio },
	} {
		for _, id := range ids {
			for _, f := range pick(h.Outputs[id]) {
				f.NodeID = id
				files = append(files, f)
			}
		}
	}
	return files
}

// PrimaryVideo picks the artifact relayed to storage: the first video-like output,
// otherwise the first output of any kind.
func (h *HistoryEntry) PrimaryVideo() (OutputFile, bool) {
	files := h.Files()
	for _, f := range files {
		if f.IsVideo() && f.Type != "temp" {
			return f, true
		}
	}
	for _, f := range files {
		if f.IsVideo() {
			return f, true
		}
	}
	if len(files) > 0 {
		return files[0], true
	}
	return OutputFile{}, false
}

// QueueState is the /queue snapshot. Each item is [number, prompt_id, prompt, extra, outputs].
type QueueState struct {
	Running [][]json.RawMessage `json:"queue_running"`
	Pending [][]json.RawMessage `json:"queue_pending"`
}

func (q *QueueState) Contains(promptID string) bool {
	return q.position(q.Running, promptID) || q.position(q.Pending, promptID)
}

func (q *QueueState) IsRunning(promptID string) bool {
	return q.position(q.Running, promptID)
}

func (q *QueueState) position(items [][]json.RawMessage, promptID string) bool {
	for _, item := range items {
		if len(item) < 2 {
			continue
		}
		var id string
		if err := json.Unmarshal(item[1], &id); err == nil && id == promptID {
			return true
		}
	}
	return false
}

type SystemStats struct {
	System struct {
		OS             string `json:"os"`
		PythonVersion  string `json:"python_version"`
		ComfyUIVersion string `json:"comfyui_version"`
	} `json:"system"`
	Devices []struct {
		Name      string `json:"name"`
		Type      string `json:"type"`
		VRAMTotal int64  `json:"vram_total"`
		VRAMFree  int64  `json:"vram_free"`
	} `json:"devices"`
}

// UploadedFile is the server's answer to /upload/image.
type UploadedFile struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// Ref is the value a loader node expects for this file.
func (u UploadedFile) Ref() string {
	if u.Subfolder == "" {
		return u.Name
	}
	return path.Join(u.Subfolder, u.Name)
}

type socketMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type eventData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	NodeID           string  `json:"node_id"`
	NodeType         string  `json:"node_type"`
	Value            int     `json:"value"`
	Max              int     `json:"max"`
	ExceptionMessage string  `json:"exception_message"`
	ExceptionType    string  `json:"exception_type"`
	Status           *struct {
		ExecInfo struct {
			QueueRemaining int `json:"queue_remaining"`
		} `json:"exec_info"`
	} `json:"status"`
}
