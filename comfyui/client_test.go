package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer imitates the rendering server's HTTP and socket API.
type fakeServer struct {
	mu            sync.Mutex
	promptStatus  int
	promptBody    string
	prompts       []promptRequest
	historyCalls  int
	historyAfter  int
	historyEntry  string
	queueBody     string
	queueDeletes  []string
	interrupted   bool
	socketEvents  []string
	socketClients []string
	uploads       map[string]string
	files         map[string]string
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		promptStatus: http.StatusOK,
		promptBody:   `{"prompt_id": "prompt-1", "number": 1, "node_errors": {}}`,
		historyEntry: `{"outputs": {"40": {"gifs": [{"filename": "ltx_00001.mp4", "subfolder": "", "type": "output", "format": "video/h264-mp4"}]}}, "status": {"status_str": "success", "completed": true}}`,
		queueBody:    `{"queue_running": [[0, "prompt-1", {}, {}, []]], "queue_pending": []}`,
		uploads:      map[string]string{},
		files:        map[string]string{"ltx_00001.mp4": "fake-mp4-bytes"},
	}
}

func (f *fakeServer) start(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()

	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req promptRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		f.prompts = append(f.prompts, req)
		status, body := f.promptStatus, f.promptBody
		f.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/history/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		f.mu.Lock()
		f.historyCalls++
		ready := f.historyCalls > f.historyAfter
		entry := f.historyEntry
		f.mu.Unlock()
		if !ready {
			_, _ = io.WriteString(w, `{}`)
			return
		}
		_, _ = io.WriteString(w, `{"`+id+`": `+entry+`}`)
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			var req struct {
				Delete []string `json:"delete"`
			}
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.queueDeletes = append(f.queueDeletes, req.Delete...)
			return
		}
		_, _ = io.WriteString(w, f.queueBody)
	})
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.interrupted = r.Method == http.MethodPost
		f.mu.Unlock()
	})
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"system": {"os": "posix", "comfyui_version": "0.3.40"}, "devices": [{"name": "cuda:0", "type": "cuda", "vram_total": 25769803776, "vram_free": 20000000000}]}`)
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		file, header, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(file)
		f.mu.Lock()
		f.uploads[header.Filename] = string(data)
		f.mu.Unlock()
		_, _ = io.WriteString(w, `{"name": "`+header.Filename+`", "subfolder": "", "type": "`+r.FormValue("type")+`"}`)
	})
	mux.HandleFunc("/view", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		body, ok := f.files[r.URL.Query().Get("filename")]
		f.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = io.WriteString(w, body)
	})
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		f.mu.Lock()
		f.socketClients = append(f.socketClients, r.URL.Query().Get("clientId"))
		events := append([]string(nil), f.socketEvents...)
		f.mu.Unlock()

		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1, 0xff})
		for _, ev := range events {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(ev)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fastWait() WaitOptions {
	return WaitOptions{Timeout: 2 * time.Second, Interval: 10 * time.Millisecond}
}

func TestNewClientTrimsBaseURL(t *testing.T) {
	client := NewClient("http://localhost:8188/", WithClientID("runpod_handler"))
	assert.Equal(t, "http://localhost:8188", client.BaseURL())
	assert.Equal(t, "runpod_handler", client.ClientID())

	wsURL, err := client.socketURL()
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8188/ws?clientId=runpod_handler", wsURL)

	secure := NewClient("https://render.example.com/base")
	wsURL, err = secure.socketURL()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(wsURL, "wss://render.example.com/base/ws?clientId="))
}

func TestQueuePrompt(t *testing.T) {
	fake := newFakeServer()
	srv := fake.start(t)
	client := NewClient(srv.URL, WithClientID("client-a"))

	id, err := client.QueuePrompt(context.Background(), map[string]interface{}{"test": "workflow"})
	require.NoError(t, err)
	assert.Equal(t, "prompt-1", id)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.prompts, 1)
	assert.Equal(t, "client-a", fake.prompts[0].ClientID)
	assert.Equal(t, map[string]interface{}{"test": "workflow"}, fake.prompts[0].Prompt)
}

func TestQueuePromptRejected(t *testing.T) {
	fake := newFakeServer()
	fake.promptStatus = http.StatusBadRequest
	fake.promptBody = `{"error": {"type": "prompt_outputs_failed_validation", "message": "Prompt outputs failed validation", "details": ""}, "node_errors": {"10": {"errors": []}}}`
	srv := fake.start(t)

	_, err := NewClient(srv.URL).QueuePrompt(context.Background(), map[string]interface{}{})
	var promptErr *PromptError
	require.ErrorAs(t, err, &promptErr)
	assert.Equal(t, "Prompt outputs failed validation", promptErr.Message)
	assert.Contains(t, err.Error(), "nodes 10")
}

func TestQueuePromptWithoutID(t *testing.T) {
	fake := newFakeServer()
	fake.promptBody = `{"number": 3}`
	srv := fake.start(t)

	_, err := NewClient(srv.URL).QueuePrompt(context.Background(), map[string]interface{}{})
	assert.ErrorIs(t, err, ErrNoPromptID)
}

func TestQueuePromptServerError(t *testing.T) {
	fake := newFakeServer()
	fake.promptStatus = http.StatusInternalServerError
	fake.promptBody = `boom`
	srv := fake.start(t)

	_, err := NewClient(srv.URL).QueuePrompt(context.Background(), map[string]interface{}{})
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusInternalServerError, httpErr.StatusCode)
}

func TestHistoryNotYetPresent(t *testing.T) {
	fake := newFakeServer()
	fake.historyAfter = 1
	srv := fake.start(t)

	entry, err := NewClient(srv.URL).History(context.Background(), "prompt-1")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestWaitForCompletionPollsUntilSuccess(t *testing.T) {
	fake := newFakeServer()
	fake.historyAfter = 2
	srv := fake.start(t)

	var events []Event
	opts := fastWait()
	opts.OnEvent = func(ev Event) { events = append(events, ev) }

	entry, err := NewClient(srv.URL).WaitForCompletion(context.Background(), "prompt-1", opts)
	require.NoError(t, err)
	require.NotNil(t, entry)

	video, ok := entry.PrimaryVideo()
	require.True(t, ok)
	assert.Equal(t, "ltx_00001.mp4", video.Filename)
	assert.Equal(t, "40", video.NodeID)

	require.Len(t, events, 2)
	assert.Equal(t, EventRunning, events[0].Type)
}

func TestWaitForCompletionReportsHistoryError(t *testing.T) {
	fake := newFakeServer()
	fake.historyEntry = `{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [["execution_start", {"prompt_id": "prompt-1"}], ["execution_error", {"prompt_id": "prompt-1", "node_id": "20", "exception_message": "CUDA out of memory\n"}]]}}`
	srv := fake.start(t)

	_, err := NewClient(srv.URL).WaitForCompletion(context.Background(), "prompt-1", fastWait())
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "CUDA out of memory", execErr.Message)
}

func TestWaitForCompletionReportsInterrupt(t *testing.T) {
	fake := newFakeServer()
	fake.historyEntry = `{"outputs": {}, "status": {"status_str": "error", "completed": false, "messages": [["execution_start", {"prompt_id": "prompt-1"}], ["execution_interrupted", {"prompt_id": "prompt-1", "node_id": "20"}]]}}`
	srv := fake.start(t)

	_, err := NewClient(srv.URL).WaitForCompletion(context.Background(), "prompt-1", fastWait())
	assert.ErrorIs(t, err, ErrInterrupted)
	var execErr *ExecutionError
	assert.False(t, errors.As(err, &execErr))
}

func TestWaitForCompletionTimeout(t *testing.T) {
	fake := newFakeServer()
	fake.historyAfter = 1 << 30
	fake.queueBody = `{"queue_running": [], "queue_pending": []}`
	srv := fake.start(t)

	opts := WaitOptions{Timeout: 60 * time.Millisecond, Interval: 10 * time.Millisecond}
	_, err := NewClient(srv.URL).WaitForCompletion(context.Background(), "prompt-1", opts)
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestWaitForCompletionHonoursContext(t *testing.T) {
	fake := newFakeServer()
	fake.historyAfter = 1 << 30
	srv := fake.start(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).WaitForCompletion(ctx, "prompt-1", fastWait())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestInterruptAndHealthCheck(t *testing.T) {
	fake := newFakeServer()
	srv := fake.start(t)
	client := NewClient(srv.URL)

	require.NoError(t, client.Interrupt(context.Background()))
	fake.mu.Lock()
	assert.True(t, fake.interrupted)
	fake.mu.Unlock()

	require.NoError(t, client.HealthCheck(context.Background()))
	stats, err := client.SystemStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "0.3.40", stats.System.ComfyUIVersion)
	require.Len(t, stats.Devices, 1)
	assert.Equal(t, int64(25769803776), stats.Devices[0].VRAMTotal)

	srv.Close()
	assert.Error(t, client.HealthCheck(context.Background()))
}

func TestUploadAndDownload(t *testing.T) {
	fake := newFakeServer()
	srv := fake.start(t)
	client := NewClient(srv.URL)

	uploaded, err := client.UploadInput(context.Background(), "job_reference.png", strings.NewReader("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "job_reference.png", uploaded.Ref())
	assert.Equal(t, "input", uploaded.Type)
	fake.mu.Lock()
	assert.Equal(t, "png-bytes", fake.uploads["job_reference.png"])
	fake.mu.Unlock()

	var buf bytes.Buffer
	n, err := client.Download(context.Background(), OutputFile{Filename: "ltx_00001.mp4", Type: "output"}, &buf)
	require.NoError(t, err)
	assert.Equal(t, int64(len("fake-mp4-bytes")), n)
	assert.Equal(t, "fake-mp4-bytes", buf.String())

	_, err = client.Download(context.Background(), OutputFile{Filename: "missing.mp4", Type: "output"}, &buf)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
}

func TestCancelPrompt(t *testing.T) {
	fake := newFakeServer()
	fake.queueBody = `{"queue_running": [[0, "running", {}, {}, []]], "queue_pending": [[1, "waiting", {}, {}, []]]}`
	srv := fake.start(t)
	client := NewClient(srv.URL)

	require.NoError(t, client.CancelPrompt(context.Background(), "waiting"))
	require.NoError(t, client.CancelPrompt(context.Background(), "gone"))
	fake.mu.Lock()
	assert.Equal(t, []string{"waiting"}, fake.queueDeletes)
	assert.False(t, fake.interrupted)
	fake.mu.Unlock()

	require.NoError(t, client.CancelPrompt(context.Background(), "running"))
	fake.mu.Lock()
	assert.True(t, fake.interrupted)
	fake.mu.Unlock()
}
