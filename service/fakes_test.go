package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"ltx2-video-server/comfyui"
	"ltx2-video-server/media"
	"ltx2-video-server/models"

	"github.com/stretchr/testify/require"
)

// memRepo keeps jobs in memory.
type memRepo struct {
	mu       sync.Mutex
	jobs     map[string]*models.Job
	progress []int
	getErr   error
}

func newMemRepo(jobs ...*models.Job) *memRepo {
	r := &memRepo{jobs: map[string]*models.Job{}}
	for _, j := range jobs {
		r.jobs[j.ID] = j
	}
	return r
}

func (r *memRepo) Create(job *models.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}
	job.CreatedAt = time.Now()
	stored := *job
	r.jobs[job.ID] = &stored
	return nil
}

func (r *memRepo) Get(jobID string) (*models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.getErr != nil {
		return nil, r.getErr
	}
	j, ok := r.jobs[jobID]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	copied := *j
	return &copied, nil
}

func (r *memRepo) List(limit int) ([]models.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Job
	for _, j := range r.jobs {
		out = append(out, *j)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) UpdateStatus(job *models.Job, status string, result *models.JobResult, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Status = status
	if result != nil {
		job.Result = *result
	}
	if errMsg != "" {
		job.Error = errMsg
	}
	if status == models.JobStatusSuccess {
		job.Progress = 100
	}
	stored := *job
	r.jobs[job.ID] = &stored
	return nil
}

func (r *memRepo) UpdateProgress(job *models.Job, progress int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.Progress, job.Message = progress, message
	r.progress = append(r.progress, progress)
	if stored, ok := r.jobs[job.ID]; ok {
		stored.Progress, stored.Message = progress, message
	}
	return nil
}

func (r *memRepo) SetPromptID(job *models.Job, promptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job.PromptID = promptID
	if stored, ok := r.jobs[job.ID]; ok {
		stored.PromptID = promptID
	}
	return nil
}

// markCancelled writes the row the way a cancel from another process would.
func (r *memRepo) markCancelled(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[jobID].Status = models.JobStatusCancelled
}

func (r *memRepo) status(jobID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[jobID].Status
}

// fakeRenderer answers like a rendering server that finishes every prompt.
type fakeRenderer struct {
	mu        sync.Mutex
	graphs    []interface{}
	promptID  string
	queueErr  error
	waitErr   error
	entry     *comfyui.HistoryEntry
	events    []comfyui.Event
	video     string
	downloads int
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{
		promptID: "p-1",
		entry: &comfyui.HistoryEntry{
			Outputs: map[string]comfyui.NodeOutput{
				"40": {Gifs: []comfyui.OutputFile{{Filename: "ltx_00001.mp4", Type: "output", Format: "video/h264-mp4"}}},
			},
			Status: &comfyui.HistoryStatus{StatusStr: "success", Completed: true},
		},
		events: []comfyui.Event{
			{Type: comfyui.EventRunning},
			{Type: comfyui.EventProgress, Value: 1, Max: 2},
			{Type: comfyui.EventProgress, Value: 2, Max: 2},
		},
		video: "video-bytes",
	}
}

func (f *fakeRenderer) QueuePrompt(_ context.Context, graph interface{}) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.graphs = append(f.graphs, graph)
	return f.promptID, f.queueErr
}

func (f *fakeRenderer) WaitForCompletion(ctx context.Context, _ string, opts comfyui.WaitOptions) (*comfyui.HistoryEntry, error) {
	for _, ev := range f.events {
		if opts.OnEvent != nil {
			opts.OnEvent(ev)
		}
	}
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.entry == nil {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.entry, nil
}

func (f *fakeRenderer) History(context.Context, string) (*comfyui.HistoryEntry, error) {
	return f.entry, nil
}

func (f *fakeRenderer) Download(_ context.Context, _ comfyui.OutputFile, dst io.Writer) (int64, error) {
	f.mu.Lock()
	f.downloads++
	f.mu.Unlock()
	n, err := io.WriteString(dst, f.video)
	return int64(n), err
}

// recordingStore keeps what it was asked to publish.
type recordingStore struct {
	key     string
	content string
	err     error
}

func (s *recordingStore) UploadFile(_ context.Context, localPath, key string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	s.key, s.content = key, string(data)
	return "https://cdn.example.com/" + key, nil
}

const testTemplate = `{
  "6":  {"class_type": "CLIPTextEncode", "inputs": {"text": "", "clip": ["4", 1]}},
  "10": {"class_type": "LoadImage", "inputs": {"image": "placeholder.png"}},
  "12": {"class_type": "LoadAudio", "inputs": {"audio": "placeholder.wav"}},
  "20": {"class_type": "LTXVSampler", "inputs": {"steps": 20, "cfg": 3, "seed": 0, "fps": 24, "duration": 5, "num_frames": 121, "width": 768, "height": 512}},
  "40": {"class_type": "VHS_VideoCombine", "inputs": {"images": ["20", 0], "frame_rate": 24}}
}`

func writeTemplate(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "ltx2_i2v_lipsync.json")
	require.NoError(t, os.WriteFile(p, []byte(testTemplate), 0o644))
	return p
}

func imageDataURI(t *testing.T) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 8, 8))))
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func audioDataURI(t *testing.T, d time.Duration) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "a.wav")
	f, err := os.Create(p)
	require.NoError(t, err)
	require.NoError(t, media.WriteSilence(f, d))
	require.NoError(t, f.Close())
	data, err := os.ReadFile(p)
	require.NoError(t, err)
	return "data:audio/wav;base64," + base64.StdEncoding.EncodeToString(data)
}

func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
