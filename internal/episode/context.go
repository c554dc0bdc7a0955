package episode

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/roadrl/carlaenv/pkg/core"
)

// Context holds the running episode and its step counter
type Context struct {
	mu      sync.RWMutex
	episode *core.Episode
	step    int
	count   int
}

// NewContext creates a Context with no episode loaded
func NewContext() *Context {
	return &Context{}
}

// Begin starts a new episode with a fresh id and returns it
func (c *Context) Begin(tmpl core.Episode, now time.Time) *core.Episode {
	ep := tmpl
	ep.ID = uuid.NewString()
	ep.StartTime = now

	c.mu.Lock()
	defer c.mu.Unlock()
	c.episode = &ep
	c.step = 0
	c.count++
	return &ep
}

// Episode returns the current episode, or nil
func (c *Context) Episode() *core.Episode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.episode
}

// SetStep records the step the current episode is on
func (c *Context) SetStep(step int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.step = step
}

// Step returns the step the current episode is on
func (c *Context) Step() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.step
}

// End stamps the end time on the current episode and clears it
func (c *Context) End(now time.Time) *core.Episode {
	c.mu.Lock()
	defer c.mu.Unlock()
	ep := c.episode
	if ep != nil {
		ep.EndTime = now
		ep.Steps = c.step
	}
	c.episode = nil
	c.step = 0
	return ep
}

// Count returns how many episodes have begun
func (c *Context) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.count
}

// LogAttrs is a logging.ContextProvider
func (c *Context) LogAttrs() []slog.Attr {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.episode == nil {
		return nil
	}
	return []slog.Attr{
		slog.String("episode", c.episode.ID),
		slog.Int("step", c.step),
	}
}
