package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"ltx2-video-server/comfyui"
	"ltx2-video-server/media"
	"ltx2-video-server/models"
	"ltx2-video-server/workflow"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	WaitModePoll   = "poll"
	WaitModeStream = "stream"

	progressStaging  = 5
	progressQueued   = 10
	progressRendered = 90
	progressUpload   = 95
	progressDone     = 100

	historyRetries = 5
)

var ErrNoOutput = errors.New("no output video found")

// Renderer is the part of the rendering server client the pipeline drives.
type Renderer interface {
	QueuePrompt(ctx context.Context, graph interface{}) (string, error)
	WaitForCompletion(ctx context.Context, promptID string, opts comfyui.WaitOptions) (*comfyui.HistoryEntry, error)
	History(ctx context.Context, promptID string) (*comfyui.HistoryEntry, error)
	Download(ctx context.Context, f comfyui.OutputFile, dst io.Writer) (int64, error)
}

// StreamRenderer can also follow a prompt over the progress socket.
type StreamRenderer interface {
	Renderer
	Connect(ctx context.Context) (*comfyui.Stream, error)
}

type InputStager interface {
	StageImage(ctx context.Context, jobID, src string) (media.StagedFile, error)
	StageAudio(ctx context.Context, jobID, src, text string) (*media.StagedFile, error)
}

// Hooks receive pipeline notifications. Nil fields are skipped.
type Hooks struct {
	OnProgress func(percent int, message string)
	OnQueued   func(promptID string)
}

func (h Hooks) progress(percent int, message string) {
	if h.OnProgress != nil {
		h.OnProgress(percent, message)
	}
}

type GeneratorConfig struct {
	WorkflowPath string
	Nodes        workflow.NodeMap
	WaitMode     string
	Timeout      time.Duration
	Interval     time.Duration
	// ServerOutputDir is the rendering server's output directory when mounted locally.
	ServerOutputDir string
	// WorkDir receives outputs fetched over HTTP.
	WorkDir string
}

type Generator struct {
	cfg      GeneratorConfig
	renderer Renderer
	stager   InputStager
	store    ArtifactStore
	metrics  *Metrics
	log      *zap.Logger

	seedMu sync.Mutex
	rng    *rand.Rand
}

func NewGenerator(cfg GeneratorConfig, renderer Renderer, stager InputStager, store ArtifactStore, metrics *Metrics, log *zap.Logger) *Generator {
	if cfg.WaitMode == "" {
		cfg.WaitMode = WaitModePoll
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Generator{
		cfg:      cfg,
		renderer: renderer,
		stager:   stager,
		store:    store,
		metrics:  metrics,
		log:      log,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Process runs one job end to end and returns the caller facing result. Staged inputs
// and the fetched output are removed before it returns.
func (g *Generator) Process(ctx context.Context, jobID string, in models.JobInput, hooks Hooks) (*models.JobResult, error) {
	start := time.Now()
	log := g.log.With(zap.String("job_id", jobID))

	if err := in.Validate(); err != nil {
		return nil, err
	}
	explicitDuration := in.Duration != 0
	in = in.WithDefaults()
	log.Info("processing job", zap.String("prompt", in.Prompt), zap.Float64("duration", in.Duration), zap.Int("fps", in.FPS))

	hooks.progress(progressStaging, "preparing inputs")
	var (
		image   media.StagedFile
		audio   *media.StagedFile
		outPath string
	)
	defer func() {
		paths := []string{image.Path, outPath}
		if audio != nil {
			paths = append(paths, audio.Path)
		}
		media.Cleanup(log, paths...)
	}()

	stageStart := time.Now()
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		var err error
		image, err = g.stager.StageImage(egCtx, jobID, in.ReferenceImage)
		return err
	})
	if in.HasAudio() {
		eg.Go(func() error {
			var err error
			audio, err = g.stager.StageAudio(egCtx, jobID, in.Audio, in.AudioText)
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	g.metrics.ObserveStage("stage", stageStart)

	duration := in.Duration
	if !explicitDuration && audio != nil {
		if d, err := media.AudioDuration(audio.Path); err == nil && d > 0 {
			duration = models.ClampDuration(d.Seconds())
			log.Info("duration taken from audio", zap.Duration("audio", d), zap.Float64("duration", duration))
		} else if err != nil {
			log.Debug("audio duration unavailable, keeping default", zap.Error(err))
		}
	}
	width, height, err := models.ParseResolution(in.Resolution)
	if err != nil {
		return nil, err
	}
	params := workflow.Params{
		Prompt:    in.Prompt,
		Image:     image.Ref,
		Steps:     in.Steps,
		CFG:       in.CFGScale,
		Seed:      g.resolveSeed(*in.Seed),
		FPS:       in.FPS,
		Duration:  duration,
		NumFrames: models.CalculateNumFrames(duration, in.FPS),
		Width:     width,
		Height:    height,
	}
	if audio != nil {
		params.Audio = audio.Ref
	}

	template, err := workflow.Load(g.cfg.WorkflowPath)
	if err != nil {
		return nil, err
	}
	graph, err := template.Apply(g.cfg.Nodes, params)
	if err != nil {
		return nil, err
	}

	renderStart := time.Now()
	promptID, entry, err := g.render(ctx, graph, hooks, log)
	if err != nil {
		return nil, err
	}
	g.metrics.ObserveStage("render", renderStart)

	output, ok := entry.PrimaryVideo()
	if !ok {
		return nil, ErrNoOutput
	}
	hooks.progress(progressRendered, "fetching output")
	outPath, err = g.fetchOutput(ctx, jobID, output)
	if err != nil {
		return nil, err
	}

	hooks.progress(progressUpload, "uploading")
	uploadStart := time.Now()
	videoURL, err := g.store.UploadFile(ctx, outPath, fmt.Sprintf("videos/%s/output.mp4", jobID))
	if err != nil {
		return nil, err
	}
	g.metrics.ObserveStage("upload", uploadStart)

	elapsed := math.Round(time.Since(start).Seconds()*100) / 100
	hooks.progress(progressDone, "completed")
	log.Info("job completed", zap.Float64("processing_time", elapsed))
	return &models.JobResult{
		Status:   "success",
		VideoURL: videoURL,
		JobID:    jobID,
		Metadata: &models.JobMetadata{
			Prompt:         in.Prompt,
			Duration:       duration,
			FPS:            in.FPS,
			Resolution:     in.Resolution,
			NumFrames:      params.NumFrames,
			Seed:           params.Seed,
			PromptID:       promptID,
			ProcessingTime: elapsed,
		},
		ProcessingTime: elapsed,
	}, nil
}

// resolveSeed replaces a negative seed with a random one so the result can be
// reproduced.
func (g *Generator) resolveSeed(seed int64) int64 {
	if seed >= 0 {
		return seed
	}
	g.seedMu.Lock()
	defer g.seedMu.Unlock()
	return g.rng.Int63n(math.MaxUint32)
}

func (g *Generator) render(ctx context.Context, graph workflow.Graph, hooks Hooks, log *zap.Logger) (string, *comfyui.HistoryEntry, error) {
	opts := comfyui.WaitOptions{
		Timeout:  g.cfg.Timeout,
		Interval: g.cfg.Interval,
		OnEvent:  progressFromEvents(hooks),
	}

	var stream *comfyui.Stream
	if sr, ok := g.renderer.(StreamRenderer); ok && g.cfg.WaitMode == WaitModeStream {
		s, err := sr.Connect(ctx)
		if err != nil {
			log.Warn("progress socket unavailable, polling instead", zap.Error(err))
		} else {
			stream = s
			defer stream.Close()
		}
	}

	promptID, err := g.renderer.QueuePrompt(ctx, graph)
	if err != nil {
		return "", nil, err
	}
	log = log.With(zap.String("prompt_id", promptID))
	if hooks.OnQueued != nil {
		hooks.OnQueued(promptID)
	}
	hooks.progress(progressQueued, "queued")

	if stream == nil {
		entry, err := g.renderer.WaitForCompletion(ctx, promptID, opts)
		return promptID, entry, err
	}
	if err := stream.Wait(ctx, promptID, opts); err != nil {
		return promptID, nil, err
	}
	entry, err := g.historyAfterStream(ctx, promptID)
	return promptID, entry, err
}

// historyAfterStream reads the outputs of a prompt the socket reported as done. The
// history record can trail the socket event slightly.
func (g *Generator) historyAfterStream(ctx context.Context, promptID string) (*comfyui.HistoryEntry, error) {
	delay := 200 * time.Millisecond
	for attempt := 0; ; attempt++ {
		entry, err := g.renderer.History(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if entry != nil {
			if entry.Interrupted() {
				return nil, comfyui.ErrInterrupted
			}
			if msg := entry.ErrorMessage(); msg != "" {
				return nil, &comfyui.ExecutionError{PromptID: promptID, Message: msg}
			}
			return entry, nil
		}
		if attempt == historyRetries {
			return nil, fmt.Errorf("prompt %s: %w", promptID, ErrNoOutput)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// progressFromEvents maps render events onto the 10..90 band.
func progressFromEvents(hooks Hooks) func(comfyui.Event) {
	if hooks.OnProgress == nil {
		return nil
	}
	// Each sampling node restarts value/max, so only the highest figure is reported.
	highest := 0
	report := func(percent int, message string) {
		if percent < highest {
			percent = highest
		}
		highest = percent
		hooks.OnProgress(percent, message)
	}
	return func(ev comfyui.Event) {
		switch ev.Type {
		case comfyui.EventProgress:
			span := float64(progressRendered - progressQueued)
			report(progressQueued+int(ev.Fraction()*span), fmt.Sprintf("rendering %d/%d", ev.Value, ev.Max))
		case comfyui.EventQueued:
			report(progressQueued, "waiting in render queue")
		case comfyui.EventRunning, comfyui.EventStart:
			report(progressQueued, "rendering")
		}
	}
}

// fetchOutput returns a local path for the rendered file: the server's own copy when
// its output directory is mounted, a download otherwise.
func (g *Generator) fetchOutput(ctx context.Context, jobID string, f comfyui.OutputFile) (string, error) {
	if g.cfg.ServerOutputDir != "" && f.Type == "output" {
		local := filepath.Join(g.cfg.ServerOutputDir, filepath.FromSlash(f.RelPath()))
		if _, err := os.Stat(local); err == nil {
			return local, nil
		}
	}

	if err := os.MkdirAll(g.cfg.WorkDir, 0o755); err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	local := filepath.Join(g.cfg.WorkDir, jobID+"_"+filepath.Base(f.Filename))
	out, err := os.Create(local)
	if err != nil {
		return "", fmt.Errorf("create output file: %w", err)
	}
	defer out.Close()
	if _, err := g.renderer.Download(ctx, f, out); err != nil {
		_ = os.Remove(local)
		return "", err
	}
	return local, nil
}
