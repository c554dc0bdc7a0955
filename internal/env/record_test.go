package env

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roadrl/carlaenv/pkg/core"
)

type countingRecorder struct {
	starts, steps, ends int
	err                 error
}

func (c *countingRecorder) StartEpisode(*core.Episode) error {
	c.starts++
	return c.err
}

func (c *countingRecorder) RecordStep(*core.StepRecord) error {
	c.steps++
	return c.err
}

func (c *countingRecorder) EndEpisode() error {
	c.ends++
	return c.err
}

func TestRecordersFanOut(t *testing.T) {
	failing := &countingRecorder{err: errors.New("sink down")}
	ok := &countingRecorder{}
	rs := Recorders{failing, ok}

	assert.EqualError(t, rs.StartEpisode(&core.Episode{}), "sink down")
	assert.Error(t, rs.RecordStep(&core.StepRecord{}))
	assert.Error(t, rs.EndEpisode())

	// a failing recorder does not starve the others
	assert.Equal(t, 1, ok.starts)
	assert.Equal(t, 1, ok.steps)
	assert.Equal(t, 1, ok.ends)
}

func TestRecordersEmpty(t *testing.T) {
	var rs Recorders
	assert.NoError(t, rs.StartEpisode(&core.Episode{}))
	assert.NoError(t, rs.RecordStep(&core.StepRecord{}))
	assert.NoError(t, rs.EndEpisode())
}
