package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	DefaultDuration   = 8.0
	DefaultFPS        = 24
	DefaultResolution = "1024x1024"
	DefaultSteps      = 30
	DefaultCFGScale   = 7.5
	RandomSeed        = int64(-1)

	MinDuration  = 1.0
	MaxDuration  = 20.0
	MinNumFrames = 24
	MaxNumFrames = 1000
)

var allowedFPS = []int{24, 30, 60}

// JobInput is the job description accepted from callers. Zero numeric values mean
// "use the default"; Seed is a pointer because 0 is a valid seed.
type JobInput struct {
	Prompt         string  `json:"prompt"`
	ReferenceImage string  `json:"reference_image"`
	Audio          string  `json:"audio,omitempty"`
	AudioText      string  `json:"audio_text,omitempty"`
	Duration       float64 `json:"duration,omitempty"`
	FPS            int     `json:"fps,omitempty"`
	Resolution     string  `json:"resolution,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	CFGScale       float64 `json:"cfg_scale,omitempty"`
	Seed           *int64  `json:"seed,omitempty"`
}

// ParseJobRequest decodes {"input": {...}} or a bare input object.
func ParseJobRequest(data []byte) (JobInput, error) {
	var req struct {
		Input *JobInput `json:"input"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return JobInput{}, err
	}
	if req.Input != nil {
		return *req.Input, nil
	}
	var in JobInput
	err := json.Unmarshal(data, &in)
	return in, err
}

// ValidationError carries every problem found in a JobInput.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, ", ")
}

// IsValidationError reports whether err wraps a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// ValidateInput returns all violations in in. An empty slice means the input is valid.
func ValidateInput(in JobInput) []string {
	var problems []string

	if strings.TrimSpace(in.Prompt) == "" {
		problems = append(problems, "'prompt' is required")
	}
	if strings.TrimSpace(in.ReferenceImage) == "" {
		problems = append(problems, "'reference_image' is required")
	}
	if in.Duration != 0 && (in.Duration < MinDuration || in.Duration > MaxDuration) {
		problems = append(problems, "'duration' must be between 1 and 20 seconds")
	}
	if in.FPS != 0 && !fpsAllowed(in.FPS) {
		problems = append(problems, "'fps' must be 24, 30, or 60")
	}
	if in.Resolution != "" {
		if _, _, err := ParseResolution(in.Resolution); err != nil {
			problems = append(problems, "'resolution' must look like 1024x1024")
		}
	}
	if in.Steps < 0 {
		problems = append(problems, "'steps' must be positive")
	}
	if in.CFGScale < 0 {
		problems = append(problems, "'cfg_scale' must be positive")
	}
	return problems
}

// Validate wraps ValidateInput into an error.
func (in JobInput) Validate() error {
	if problems := ValidateInput(in); len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// WithDefaults returns a copy of in with every unset generation parameter filled.
func (in JobInput) WithDefaults() JobInput {
	out := in
	if out.Duration == 0 {
		out.Duration = DefaultDuration
	}
	if out.FPS == 0 {
		out.FPS = DefaultFPS
	}
	if out.Resolution == "" {
		out.Resolution = DefaultResolution
	}
	if out.Steps == 0 {
		out.Steps = DefaultSteps
	}
	if out.CFGScale == 0 {
		out.CFGScale = DefaultCFGScale
	}
	if out.Seed == nil {
		seed := RandomSeed
		out.Seed = &seed
	}
	return out
}

// HasAudio reports whether the job carries audio or narration text.
func (in JobInput) HasAudio() bool {
	return strings.TrimSpace(in.Audio) != "" || strings.TrimSpace(in.AudioText) != ""
}

// CalculateNumFrames converts a clip length into a frame count clamped to the range the
// video model accepts.
func CalculateNumFrames(duration float64, fps int) int {
	frames := int(math.Round(duration * float64(fps)))
	if frames < MinNumFrames {
		return MinNumFrames
	}
	if frames > MaxNumFrames {
		return MaxNumFrames
	}
	return frames
}

// ClampDuration keeps a derived duration inside the accepted range.
func ClampDuration(d float64) float64 {
	return math.Min(MaxDuration, math.Max(MinDuration, d))
}

// ParseResolution splits "WxH".
func ParseResolution(s string) (int, int, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(s)), "x")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid resolution %q", s)
	}
	w, err := strconv.Atoi(parts[0])
	if err != nil || w <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution width %q", s)
	}
	h, err := strconv.Atoi(parts[1])
	if err != nil || h <= 0 {
		return 0, 0, fmt.Errorf("invalid resolution height %q", s)
	}
	return w, h, nil
}

func fpsAllowed(fps int) bool {
	for _, v := range allowedFPS {
		if v == fps {
			return true
		}
	}
	return false
}

func (in JobInput) Value() (driver.Value, error) {
	return json.Marshal(in)
}

func (in *JobInput) Scan(value interface{}) error {
	return scanJSON(value, in)
}

func scanJSON(value interface{}, dst interface{}) error {
	switch v := value.(type) {
	case nil:
		return nil
	case []byte:
		if len(v) == 0 {
			return nil
		}
		return json.Unmarshal(v, dst)
	case string:
		if v == "" {
			return nil
		}
		return json.Unmarshal([]byte(v), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", value)
	}
}
