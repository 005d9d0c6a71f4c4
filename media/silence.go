package media

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	SilenceSampleRate = 16000
	SilenceDuration   = 5 * time.Second
)

var ErrNotWAV = errors.New("not a wav file")

// WriteSilence encodes d of 16 kHz mono 16-bit silence as WAV.
func WriteSilence(w io.WriteSeeker, d time.Duration) error {
	samples := int(d.Seconds() * SilenceSampleRate)
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: SilenceSampleRate},
		Data:           make([]int, samples),
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, SilenceSampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// AudioDuration reads the play length of a WAV file.
func AudioDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, ErrNotWAV
	}
	d, err := dec.Duration()
	if err != nil {
		return 0, fmt.Errorf("read wav duration: %w", err)
	}
	return d, nil
}
