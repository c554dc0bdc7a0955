package episode

import (
	"sync"
	"testing"
	"time"

	"github.com/roadrl/carlaenv/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Empty(t *testing.T) {
	ctx := NewContext()

	assert.Nil(t, ctx.Episode())
	assert.Nil(t, ctx.LogAttrs())
	assert.Nil(t, ctx.End(time.Now()))
}

func TestContext_Lifecycle(t *testing.T) {
	ctx := NewContext()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ep := ctx.Begin(core.Episode{MapName: "Town01", MaxSteps: 1000}, start)
	require.NotNil(t, ep)
	assert.Len(t, ep.ID, 36)
	assert.Equal(t, start, ep.StartTime)
	assert.Equal(t, "Town01", ep.MapName)
	assert.Same(t, ep, ctx.Episode())

	ctx.SetStep(12)
	assert.Equal(t, 12, ctx.Step())
	attrs := ctx.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, ep.ID, attrs[0].Value.String())
	assert.Equal(t, int64(12), attrs[1].Value.Int64())

	ended := ctx.End(start.Add(time.Minute))
	assert.Same(t, ep, ended)
	assert.Equal(t, 12, ended.Steps)
	assert.Equal(t, start.Add(time.Minute), ended.EndTime)
	assert.Nil(t, ctx.Episode())
	assert.Equal(t, 0, ctx.Step())
}

func TestContext_UniqueIDs(t *testing.T) {
	ctx := NewContext()
	a := ctx.Begin(core.Episode{}, time.Now())
	b := ctx.Begin(core.Episode{}, time.Now())
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, 2, ctx.Count())
}

func TestContext_ThreadSafe(t *testing.T) {
	ctx := NewContext()
	ctx.Begin(core.Episode{}, time.Now())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			ctx.SetStep(i)
		}(i)
		go func() {
			defer wg.Done()
			_ = ctx.LogAttrs()
		}()
	}
	wg.Wait()
}
