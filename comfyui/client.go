// Package comfyui talks to the external rendering server: graph submission, history and
// queue inspection, file transfer and the progress socket.
package comfyui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	DefaultBaseURL        = "http://127.0.0.1:8188"
	DefaultRequestTimeout = 30 * time.Second

	apiPrompt      = "/prompt"
	apiHistory     = "/history/"
	apiQueue       = "/queue"
	apiInterrupt   = "/interrupt"
	apiSystemStats = "/system_stats"
	apiView        = "/view"
	apiUpload      = "/upload/image"
	apiSocket      = "/ws"

	maxErrorBody = 2000
)

type Client struct {
	baseURL        string
	clientID       string
	requestTimeout time.Duration
	httpClient     *http.Client
	dialer         *websocket.Dialer
	log            *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Client) { c.log = log }
}

func WithClientID(id string) Option {
	return func(c *Client) { c.clientID = id }
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		clientID:       uuid.NewString(),
		requestTimeout: DefaultRequestTimeout,
		httpClient:     &http.Client{},
		dialer:         websocket.DefaultDialer,
		log:            zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log.Info("comfyui client initialized", zap.String("base_url", c.baseURL), zap.String("client_id", c.clientID))
	return c
}

func (c *Client) BaseURL() string  { return c.baseURL }
func (c *Client) ClientID() string { return c.clientID }

// QueuePrompt submits a graph and returns the prompt id used to track it.
func (c *Client) QueuePrompt(ctx context.Context, graph interface{}) (string, error) {
	body, err := json.Marshal(promptRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("marshal prompt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiPrompt, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create prompt request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("request failed", zap.String("method", http.MethodPost), zap.String("path", apiPrompt), zap.Error(err))
		return "", fmt.Errorf("queue prompt: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read prompt response: %w", err)
	}
	var out promptResponse
	decodeErr := json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusBadRequest && decodeErr == nil && (len(out.Error) > 0 || len(out.NodeErrors) > 0) {
		return "", &PromptError{Message: errorText(out.Error), NodeErrors: out.NodeErrors}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &HTTPError{Method: http.MethodPost, URL: req.URL.String(), StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}
	if decodeErr != nil {
		return "", fmt.Errorf("decode prompt response: %w", decodeErr)
	}
	if len(out.NodeErrors) > 0 {
		return "", &PromptError{Message: "node errors", NodeErrors: out.NodeErrors}
	}
	if out.PromptID == "" {
		return "", ErrNoPromptID
	}
	c.log.Info("workflow queued", zap.String("prompt_id", out.PromptID), zap.Int("number", out.Number))
	return out.PromptID, nil
}

// History returns the prompt's history entry, or nil when the server has none yet.
func (c *Client) History(ctx context.Context, promptID string) (*HistoryEntry, error) {
	var history map[string]*HistoryEntry
	if err := c.getJSON(ctx, apiHistory+url.PathEscape(promptID), &history); err != nil {
		return nil, err
	}
	return history[promptID], nil
}

func (c *Client) Queue(ctx context.Context) (*QueueState, error) {
	var q QueueState
	if err := c.getJSON(ctx, apiQueue, &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// Interrupt stops whatever the server is currently executing.
func (c *Client) Interrupt(ctx context.Context) error {
	c.log.Info("sending interrupt signal")
	_, err := c.do(ctx, http.MethodPost, apiInterrupt, nil, "")
	return err
}

// CancelPrompt stops promptID: interrupt when it is executing, delete it from the queue
// when it is still pending. A prompt that is in neither is left alone.
func (c *Client) CancelPrompt(ctx context.Context, promptID string) error {
	q, err := c.Queue(ctx)
	if err != nil {
		return err
	}
	switch {
	case q.IsRunning(promptID):
		return c.Interrupt(ctx)
	case q.Contains(promptID):
		body, err := json.Marshal(map[string][]string{"delete": {promptID}})
		if err != nil {
			return err
		}
		c.log.Info("removing prompt from queue", zap.String("prompt_id", promptID))
		_, err = c.do(ctx, http.MethodPost, apiQueue, bytes.NewReader(body), "application/json")
		return err
	}
	return nil
}

func (c *Client) SystemStats(ctx context.Context) (*SystemStats, error) {
	var stats SystemStats
	if err := c.getJSON(ctx, apiSystemStats, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	if _, err := c.SystemStats(ctx); err != nil {
		c.log.Error("comfyui health check failed", zap.Error(err))
		return fmt.Errorf("comfyui health check: %w", err)
	}
	c.log.Debug("comfyui health check ok")
	return nil
}

// UploadInput pushes a staged input into the server's input directory.
func (c *Client) UploadInput(ctx context.Context, name string, r io.Reader) (UploadedFile, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("image", name)
	if err != nil {
		return UploadedFile{}, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return UploadedFile{}, fmt.Errorf("copy upload body: %w", err)
	}
	_ = mw.WriteField("type", "input")
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return UploadedFile{}, fmt.Errorf("close multipart: %w", err)
	}

	raw, err := c.do(ctx, http.MethodPost, apiUpload, &buf, mw.FormDataContentType())
	if err != nil {
		return UploadedFile{}, err
	}
	var out UploadedFile
	if err := json.Unmarshal(raw, &out); err != nil {
		return UploadedFile{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// Download streams an output file into dst. Only ctx bounds the transfer, videos can be
// large.
func (c *Client) Download(ctx context.Context, f OutputFile, dst io.Writer) (int64, error) {
	q := url.Values{}
	q.Set("filename", f.Filename)
	q.Set("subfolder", f.Subfolder)
	q.Set("type", f.Type)
	fullURL := c.baseURL + apiView + "?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create view request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download %s: %w", f.Filename, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return 0, &HTTPError{Method: http.MethodGet, URL: fullURL, StatusCode: resp.StatusCode, Body: string(body)}
	}
	n, err := io.Copy(dst, resp.Body)
	if err != nil {
		return n, fmt.Errorf("copy %s: %w", f.Filename, err)
	}
	return n, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	raw, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	fullURL := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return nil, fmt.Errorf("create request %s %s: %w", method, path, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Error("request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HTTPError{Method: method, URL: fullURL, StatusCode: resp.StatusCode, Body: truncate(string(raw))}
	}
	return raw, nil
}

func (c *Client) socketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + apiSocket
	u.RawQuery = url.Values{"clientId": []string{c.clientID}}.Encode()
	return u.String(), nil
}

func errorText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Type    string `json:"type"`
		Message string `json:"message"`
		Details string `json:"details"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		if obj.Details != "" {
			return obj.Message + ": " + obj.Details
		}
		return obj.Message
	}
	return string(raw)
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}
