// Package jsonfile writes events and samples as JSON lines.
package jsonfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"meshmon/internal/logger"
	"meshmon/pkg/models"
)

type file struct {
	f       *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

func open(path string) (*file, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}
	return &file{f: f, encoder: json.NewEncoder(f)}, nil
}

func (w *file) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// EventWriter appends events to a JSON lines file.
type EventWriter struct {
	out *file
}

// NewEventWriter opens path for appending.
func NewEventWriter(path string) (*EventWriter, error) {
	out, err := open(path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Event JSON writer initialized: %s", path)
	return &EventWriter{out: out}, nil
}

// WriteEvents writes a batch of events.
func (w *EventWriter) WriteEvents(events []*models.Event) error {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()

	if w.out.f == nil {
		return fmt.Errorf("event writer is closed")
	}
	for _, ev := range events {
		if err := w.out.encoder.Encode(ev); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *EventWriter) Close() error {
	return w.out.close()
}

// SampleWriter appends samples to a JSON lines file.
type SampleWriter struct {
	out *file
}

// NewSampleWriter opens path for appending.
func NewSampleWriter(path string) (*SampleWriter, error) {
	out, err := open(path)
	if err != nil {
		return nil, err
	}
	logger.Infof("Sample JSON writer initialized: %s", path)
	return &SampleWriter{out: out}, nil
}

// WriteSamples writes a batch of samples.
func (w *SampleWriter) WriteSamples(samples []*models.Sample) error {
	w.out.mu.Lock()
	defer w.out.mu.Unlock()

	if w.out.f == nil {
		return fmt.Errorf("sample writer is closed")
	}
	for _, s := range samples {
		if err := w.out.encoder.Encode(s); err != nil {
			return fmt.Errorf("failed to encode sample: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *SampleWriter) Close() error {
	return w.out.close()
}
