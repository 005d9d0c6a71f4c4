package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	apiGenerateSpeech = "/v1/generate/speech"
	contentTypeWAV    = "audio/wav"

	defaultLanguage = "en"
)

// Synthesizer turns narration text into audio bytes.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// HTTPSynthesizer calls a standalone speech service.
type HTTPSynthesizer struct {
	baseURL    string
	voice      string
	language   string
	httpClient *http.Client
}

type speechRequest struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Voice    string `json:"voice,omitempty"`
}

type speechError struct {
	Detail    string `json:"detail"`
	ErrorCode string `json:"error_code,omitempty"`
}

func NewHTTPSynthesizer(baseURL, voice, language string, timeout time.Duration) *HTTPSynthesizer {
	if language == "" {
		language = defaultLanguage
	}
	return &HTTPSynthesizer{
		baseURL:    strings.TrimRight(baseURL, "/"),
		voice:      voice,
		language:   language,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (h *HTTPSynthesizer) Synthesize(ctx context.Context, text string) ([]byte, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("text cannot be empty")
	}
	body, err := json.Marshal(speechRequest{Text: text, Language: h.language, Voice: h.voice})
	if err != nil {
		return nil, fmt.Errorf("marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+apiGenerateSpeech, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", contentTypeWAV)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("speech request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read speech response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		var e speechError
		if json.Unmarshal(data, &e) == nil && e.Detail != "" {
			return nil, fmt.Errorf("speech service error (%s): %s (code: %s)", resp.Status, e.Detail, e.ErrorCode)
		}
		return nil, fmt.Errorf("speech service returned %s: %s", resp.Status, truncate(string(data), 500))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, contentTypeWAV) {
		return nil, fmt.Errorf("unexpected content type: expected %s, got %s", contentTypeWAV, ct)
	}
	if len(data) == 0 {
		return nil, errors.New("received empty audio data")
	}
	return data, nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
