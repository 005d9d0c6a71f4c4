// Package media prepares job inputs for the rendering server: reference images, audio
// tracks and synthesized narration.
package media

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"ltx2-video-server/comfyui"
)

const DefaultDownloadTimeout = 60 * time.Second

// maxInputBytes bounds downloaded and decoded inputs.
var maxInputBytes int64 = 200 << 20

var (
	ErrInvalidImage = errors.New("invalid image input format")
	ErrInvalidAudio = errors.New("invalid audio input")
)

// StagedFile is an input ready for the workflow.
type StagedFile struct {
	// Path is the file on local disk.
	Path string
	// Ref is the value written into the loader node.
	Ref  string
	Size int64
}

// Uploader pushes a file into the rendering server's input directory.
type Uploader interface {
	UploadInput(ctx context.Context, name string, r io.Reader) (comfyui.UploadedFile, error)
}

type Stager struct {
	dir             string
	httpClient      *http.Client
	downloadTimeout time.Duration
	tts             Synthesizer
	uploader        Uploader
	log             *zap.Logger
}

type Option func(*Stager)

func WithHTTPClient(hc *http.Client) Option {
	return func(s *Stager) { s.httpClient = hc }
}

func WithSynthesizer(tts Synthesizer) Option {
	return func(s *Stager) { s.tts = tts }
}

// WithUploader switches staging to upload mode: files are still written locally, then
// pushed to the server and referenced by the name it returns.
func WithUploader(u Uploader) Option {
	return func(s *Stager) { s.uploader = u }
}

func WithLogger(log *zap.Logger) Option {
	return func(s *Stager) { s.log = log }
}

func WithDownloadTimeout(d time.Duration) Option {
	return func(s *Stager) {
		if d > 0 {
			s.downloadTimeout = d
		}
	}
}

func NewStager(dir string, opts ...Option) *Stager {
	s := &Stager{
		dir:             dir,
		httpClient:      &http.Client{},
		downloadTimeout: DefaultDownloadTimeout,
		log:             zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StageImage fetches or decodes the reference image and stores it as
// {jobID}_reference.{ext}.
func (s *Stager) StageImage(ctx context.Context, jobID, src string) (StagedFile, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case isURL(src):
		data, err = s.download(ctx, src)
	case strings.HasPrefix(src, "data:image"):
		data, err = decodeDataURI(src)
	default:
		return StagedFile{}, ErrInvalidImage
	}
	if err != nil {
		return StagedFile{}, fmt.Errorf("prepare image: %w", err)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return StagedFile{}, fmt.Errorf("%w: %v", ErrInvalidImage, err)
	}
	ext := "." + format
	if format == "jpeg" {
		ext = ".jpg"
	}
	return s.store(ctx, jobID+"_reference"+ext, data)
}

// StageAudio resolves the audio track. src may be a URL, a data:audio URI or narration
// text; text is also accepted separately. It returns nil when the job has no audio.
func (s *Stager) StageAudio(ctx context.Context, jobID, src, text string) (*StagedFile, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case isURL(src):
		data, err = s.download(ctx, src)
	case strings.HasPrefix(src, "data:audio"):
		data, err = decodeDataURI(src)
	case src != "":
		text = src
		fallthrough
	case text != "":
		data, err = s.speak(ctx, text)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("prepare audio: %w", err)
	}
	if len(data) == 0 {
		return nil, ErrInvalidAudio
	}

	ext := ".wav"
	if mt := mimetype.Detect(data); strings.HasPrefix(mt.String(), "audio/") && mt.Extension() != "" {
		ext = mt.Extension()
	}
	f, err := s.store(ctx, jobID+"_audio"+ext, data)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// speak synthesizes narration, falling back to silence when no synthesizer is set or it
// fails.
func (s *Stager) speak(ctx context.Context, text string) ([]byte, error) {
	if s.tts != nil {
		data, err := s.tts.Synthesize(ctx, text)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.log.Warn("tts failed, using silent audio", zap.Error(err))
	} else {
		s.log.Warn("no tts configured, using silent audio")
	}
	return s.silence()
}

// silence renders the fallback track through a scratch file, the encoder needs to seek.
func (s *Stager) silence() ([]byte, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create input dir: %w", err)
	}
	f, err := os.CreateTemp(s.dir, "silence-*.wav")
	if err != nil {
		return nil, fmt.Errorf("create silence file: %w", err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if err := WriteSilence(f, SilenceDuration); err != nil {
		return nil, err
	}
	return os.ReadFile(f.Name())
}

func (s *Stager) store(ctx context.Context, name string, data []byte) (StagedFile, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return StagedFile{}, fmt.Errorf("create input dir: %w", err)
	}
	p := filepath.Join(s.dir, name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return StagedFile{}, fmt.Errorf("write %s: %w", name, err)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		abs = p
	}
	f := StagedFile{Path: abs, Ref: abs, Size: int64(len(data))}

	if s.uploader != nil {
		up, err := s.uploader.UploadInput(ctx, name, bytes.NewReader(data))
		if err != nil {
			_ = os.Remove(p)
			return StagedFile{}, fmt.Errorf("upload %s: %w", name, err)
		}
		f.Ref = up.Ref()
	}
	s.log.Info("input staged", zap.String("file", name), zap.String("ref", f.Ref), zap.String("size", humanize.Bytes(uint64(f.Size))))
	return f, nil
}

func (s *Stager) download(ctx context.Context, rawURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download %s: status %d", rawURL, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxInputBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rawURL, err)
	}
	if int64(len(data)) > maxInputBytes {
		return nil, fmt.Errorf("download %s: larger than %s", rawURL, humanize.Bytes(uint64(maxInputBytes)))
	}
	return data, nil
}

// Cleanup removes staged files. Missing files are not an error.
func Cleanup(log *zap.Logger, paths ...string) {
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("cleanup failed", zap.String("path", p), zap.Error(err))
		}
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

// decodeDataURI returns the payload of a base64 data URI.
func decodeDataURI(uri string) ([]byte, error) {
	comma := strings.IndexByte(uri, ',')
	if comma < 0 {
		return nil, errors.New("malformed data uri")
	}
	header, payload := uri[:comma], uri[comma+1:]
	if !strings.HasSuffix(header, ";base64") {
		return nil, errors.New("data uri is not base64 encoded")
	}
	if int64(base64.RawStdEncoding.DecodedLen(len(payload))) > maxInputBytes {
		return nil, fmt.Errorf("data uri larger than %s", humanize.Bytes(uint64(maxInputBytes)))
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(payload); rawErr == nil {
			return raw, nil
		}
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	return data, nil
}
