package main

import (
	"fmt"
	"os"
	"time"

	"ltx2-video-server/comfyui"
	"ltx2-video-server/config"
	"ltx2-video-server/media"
	"ltx2-video-server/models"
	"ltx2-video-server/service"
	"ltx2-video-server/workflow"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	comfy     *comfyui.Client
	metrics   *service.Metrics
	generator *service.Generator
}

func newLogger(level string, debug bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	if debug {
		lvl = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}

func newApp(cfg *config.Config, log *zap.Logger) (*app, error) {
	comfy := comfyui.NewClient(cfg.ComfyUI.URL,
		comfyui.WithLogger(log.Named("comfyui")),
		comfyui.WithRequestTimeout(time.Duration(cfg.ComfyUI.RequestTimeout)*time.Second),
	)
	store, err := service.NewArtifactStore(cfg, log.Named("storage"))
	if err != nil {
		return nil, err
	}
	if !cfg.StorageEnabled() {
		log.Warn("no bucket configured, videos are returned inline")
	}
	metrics := service.NewMetrics()
	gen := service.NewGenerator(generatorConfig(cfg), comfy, newStager(cfg, comfy, log), store, metrics, log.Named("generator"))
	return &app{
		cfg:       cfg,
		log:       log,
		comfy:     comfy,
		metrics:   metrics,
		generator: gen,
	}, nil
}

func generatorConfig(cfg *config.Config) service.GeneratorConfig {
	return service.GeneratorConfig{
		WorkflowPath: cfg.Workflow.Path,
		Nodes: workflow.NodeMap{
			Prompt:  cfg.Workflow.PromptNode,
			Image:   cfg.Workflow.ImageNode,
			Audio:   cfg.Workflow.AudioNode,
			Sampler: cfg.Workflow.SamplerNode,
		},
		WaitMode:        cfg.ComfyUI.WaitMode,
		Timeout:         cfg.ComfyUI.Timeout(),
		Interval:        cfg.ComfyUI.Interval(),
		ServerOutputDir: cfg.ComfyUI.OutputDir,
		WorkDir:         cfg.Staging.OutputDir,
	}
}

func newStager(cfg *config.Config, comfy *comfyui.Client, log *zap.Logger) *media.Stager {
	opts := []media.Option{media.WithLogger(log.Named("stager"))}
	if cfg.Staging.Mode == "upload" {
		opts = append(opts, media.WithUploader(comfy))
	}
	if cfg.TTS.URL != "" {
		timeout := time.Duration(cfg.TTS.TimeoutSeconds) * time.Second
		opts = append(opts, media.WithSynthesizer(media.NewHTTPSynthesizer(cfg.TTS.URL, cfg.TTS.Voice, cfg.TTS.Language, timeout)))
	}
	return media.NewStager(cfg.Staging.InputDir, opts...)
}

// processor opens the job store and builds the queue consumer with its producer.
func (a *app) processor() (*service.Processor, *service.Queue, models.Repository, error) {
	db, err := models.InitDB(a.cfg.MySQL.DSN)
	if err != nil {
		return nil, nil, nil, err
	}
	jobs := models.NewGormRepository(db)
	queue := service.NewQueue(a.cfg, a.log.Named("queue"))
	p := service.NewProcessor(jobs, a.generator, a.comfy, a.metrics, a.log.Named("worker"))
	p.Tasks = queue
	return p, queue, jobs, nil
}

func checkWorkflow(cfg *config.Config) error {
	if _, err := os.Stat(cfg.Workflow.Path); err != nil {
		return fmt.Errorf("workflow template: %w", err)
	}
	return nil
}
