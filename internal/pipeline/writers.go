package pipeline

import "meshmon/pkg/models"

// EventWriter delivers events to operators.
type EventWriter interface {
	WriteEvents(events []*models.Event) error
	Close() error
}

// SampleWriter persists time-series samples.
type SampleWriter interface {
	WriteSamples(samples []*models.Sample) error
	Close() error
}
