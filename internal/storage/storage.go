// Package storage defines the episode recording backends and the
// asynchronous recorder the environment writes through.
package storage

import "github.com/roadrl/carlaenv/pkg/core"

// Backend is the interface all storage implementations must satisfy
type Backend interface {
	// Lifecycle
	Init() error
	Close() error

	// Episode management. StartEpisode is always followed by EndEpisode
	// before the next StartEpisode.
	StartEpisode(e *core.Episode) error
	EndEpisode() error

	// Step recording
	RecordStep(s *core.StepRecord) error
}

// Uploadable is an optional interface for storage backends that produce
// files suitable for upload to a results server.
type Uploadable interface {
	GetExportedFilePath() string
	GetExportMetadata() core.UploadMetadata
}

// Noop discards everything. It backs storage.type "none".
type Noop struct{}

func (Noop) Init() error                        { return nil }
func (Noop) Close() error                       { return nil }
func (Noop) StartEpisode(e *core.Episode) error { return nil }
func (Noop) EndEpisode() error                  { return nil }
func (Noop) RecordStep(s *core.StepRecord) error {
	return nil
}
