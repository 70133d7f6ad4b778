package health

import (
	"context"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testLogger() zerolog.Logger {
	return zerolog.New(os.Stderr)
}

func TestRunAll_CollectsResults(t *testing.T) {
	c := NewChecker(testLogger())
	c.Register("drafts", func(ctx context.Context) Status { return StatusOK })
	c.Register("feed", func(ctx context.Context) Status { return StatusDegraded })

	results := c.RunAll(context.Background())
	assert.Equal(t, StatusOK, results["drafts"])
	assert.Equal(t, StatusDegraded, results["feed"])
	assert.Equal(t, results, c.Cached())
}

func TestIsReady(t *testing.T) {
	c := NewChecker(testLogger())
	c.Register("drafts", func(ctx context.Context) Status { return StatusOK })
	assert.True(t, c.IsReady(context.Background()))

	c.Register("feed", func(ctx context.Context) Status { return StatusDown })
	assert.False(t, c.IsReady(context.Background()))
}

func TestIsReady_DegradedStillReady(t *testing.T) {
	c := NewChecker(testLogger())
	c.Register("feed", func(ctx context.Context) Status { return StatusDegraded })
	assert.True(t, c.IsReady(context.Background()))
}

func TestReadinessHandler(t *testing.T) {
	c := NewChecker(testLogger())
	c.Register("drafts", func(ctx context.Context) Status { return StatusDown })

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ready", nil)
	c.ReadinessHandler()(rec, req)

	assert.Equal(t, 503, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ready":false`)
}

func TestLivenessHandler(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/health", nil)
	LivenessHandler()(rec, req)
	assert.Equal(t, 200, rec.Code)
}
