// Package test contains helper functions useful for testing splice
// packages.
package test

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Segment describes a generated wav segment.
type Segment struct {
	Frames     int
	Channels   int
	SampleRate int
	BitDepth   int
}

// Short is a segment of 50ms, mono 8 kHz.
var Short = Segment{
	Frames:     400,
	Channels:   1,
	SampleRate: 8000,
	BitDepth:   16,
}

// Duration returns the segment duration.
func (s Segment) Duration() time.Duration {
	return time.Duration(s.Frames) * time.Second / time.Duration(s.SampleRate)
}

// Samples returns the interleaved ramp written to the segment file.
func (s Segment) Samples() []int {
	data := make([]int, s.Frames*s.Channels)
	for i := range data {
		data[i] = i%2000 - 1000
	}
	return data
}

// Write writes segment to the file in dir and returns its path.
func (s Segment) Write(dir, name string) (string, error) {
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	e := wav.NewEncoder(f, s.SampleRate, s.BitDepth, s.Channels, 1)
	err = e.Write(&audio.IntBuffer{
		Format: &audio.Format{
			NumChannels: s.Channels,
			SampleRate:  s.SampleRate,
		},
		Data:           s.Samples(),
		SourceBitDepth: s.BitDepth,
	})
	if err != nil {
		f.Close()
		return "", fmt.Errorf("write segment: %w", err)
	}
	if err := e.Close(); err != nil {
		f.Close()
		return "", fmt.Errorf("close encoder: %w", err)
	}
	return path, f.Close()
}

// Read decodes the wav file.
func Read(path string) (*audio.IntBuffer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	d := wav.NewDecoder(f)
	if !d.IsValidFile() {
		return nil, fmt.Errorf("invalid wav file: %s", path)
	}
	return d.FullPCMBuffer()
}
