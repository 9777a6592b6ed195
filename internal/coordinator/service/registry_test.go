package service

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/coordinator/storage"
	"github.com/gomr/coordinator/internal/localrun"
	"github.com/gomr/coordinator/internal/shared/logging"

	_ "github.com/gomr/coordinator/examples/wordcount"
)

func testRegistry() *JobRegistry {
	logger := logging.NewSlogLogger(slog.LevelError + 4)
	return NewJobRegistry(storage.NewJobRecordStore(), logger, Config{
		SubmitWorkers: 2,
		SubmitTimeout: time.Second,
		Policy: core.Policy{
			Backoff:         core.BackoffPolicy{MaxFailureRate: 2, MinPause: time.Millisecond, MaxPause: 5 * time.Millisecond},
			InputFailureCap: 3,
		},
	})
}

func TestJobRegistry_SubmitRunsToCompletionAndEvictsFromLive(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "in.txt"), []byte("a b a\n"), 0o644))

	r := testRegistry()
	jobName, err := r.Submit(context.Background(), localrun.JobSpec{
		JobName:     "wordcount",
		Input:       []string{filepath.Join(inputDir, "*.txt")},
		Output:      outputDir,
		NumReducers: 1,
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobName)

	require.Eventually(t, func() bool {
		view, ok := r.Status(jobName)
		return ok && !view.Live
	}, 5*time.Second, 5*time.Millisecond)

	view, ok := r.Status(jobName)
	require.True(t, ok)
	assert.Equal(t, "COMPLETED", view.Status)
}

func TestJobRegistry_Submit_ErrorsOnUnresolvableSpec(t *testing.T) {
	r := testRegistry()
	_, err := r.Submit(context.Background(), localrun.JobSpec{JobName: "no-such-job", Input: []string{"*.txt"}, NumReducers: 1})
	assert.Error(t, err)
}

func TestJobRegistry_Status_ReportsUnknownJob(t *testing.T) {
	r := testRegistry()
	_, ok := r.Status("does-not-exist")
	assert.False(t, ok)
}

func TestJobRegistry_Kill_ReportsFalseForUnknownJob(t *testing.T) {
	r := testRegistry()
	assert.False(t, r.Kill("does-not-exist", "because"))
}
