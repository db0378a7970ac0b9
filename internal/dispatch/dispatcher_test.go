package dispatch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msetz/fanq/internal/dispatch/mocks"
	"github.com/msetz/fanq/internal/events"
	"github.com/msetz/fanq/internal/queue"
	"github.com/msetz/fanq/internal/storage"
)

// testRun seeds a real sqlite-backed queue with one job per input file and
// returns the queue plus the run ID.
func testRun(t *testing.T, inputs map[string]string, outDir string) (*queue.Queue, string, map[string]string) {
	t.Helper()
	ctx := context.Background()

	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "fanq.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	q := queue.New(db)
	runID, err := q.CreateRun(ctx, []string{"test-worker"})
	require.NoError(t, err)

	inDir := t.TempDir()
	outputs := make(map[string]string, len(inputs))
	for name, content := range inputs {
		inPath := filepath.Join(inDir, name)
		require.NoError(t, os.WriteFile(inPath, []byte(content), 0o644))
		outPath := filepath.Join(outDir, name+".csv")
		_, err := q.Enqueue(ctx, queue.EnqueueRequest{RunID: runID, InputPath: inPath, OutputPath: outPath})
		require.NoError(t, err)
		outputs[name] = outPath
	}
	return q, runID, outputs
}

func TestRunAllSucceed(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	q, runID, outputs := testRun(t, map[string]string{
		"a.fastq": "content-a",
		"b.fastq": "content-b",
		"c.fastq": "content-c",
	}, outDir)

	hub := events.NewHub(64)
	d, err := New(q, hub, Options{
		WorkerCommand: []string{"/bin/sh", "-c", `cat "$0"`},
		MaxWorkers:    2,
		Timeout:       30 * time.Second,
	})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Succeeded)
	assert.Equal(t, 0, summary.ExitCode())

	for name, outPath := range outputs {
		data, err := os.ReadFile(outPath)
		require.NoError(t, err, "output for %s", name)
		assert.Equal(t, "content-"+name[:1], string(data))
	}

	// One completion event per job plus run start/end.
	var completed int
	for _, ev := range hub.SnapshotSince(0) {
		if ev.Type == events.TypeJobCompleted {
			completed++
		}
	}
	assert.Equal(t, 3, completed)
}

func TestRunFailureDoesNotAffectSiblings(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	q, runID, outputs := testRun(t, map[string]string{
		"good.fastq": "fine",
		"bad.fastq":  "broken",
	}, outDir)

	d, err := New(q, nil, Options{
		WorkerCommand: []string{"/bin/sh", "-c", `case "$0" in *bad*) exit 3;; *) cat "$0";; esac`},
		MaxWorkers:    2,
		Timeout:       30 * time.Second,
	})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Succeeded)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.ExitCode())

	// The sibling's output exists and is intact.
	data, err := os.ReadFile(outputs["good.fastq"])
	require.NoError(t, err)
	assert.Equal(t, "fine", string(data))

	// The failing job carries its exit code.
	jobs, err := q.JobsForRun(context.Background(), runID)
	require.NoError(t, err)
	for _, j := range jobs {
		if j.Status == queue.StatusFailed {
			require.NotNil(t, j.ExitCode)
			assert.Equal(t, 3, *j.ExitCode)
		}
	}
}

func TestRunLaunchFailure(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	q, runID, outputs := testRun(t, map[string]string{"a.fastq": "x"}, outDir)

	d, err := New(q, nil, Options{
		WorkerCommand: []string{"/nonexistent/worker-binary"},
		MaxWorkers:    1,
		Timeout:       30 * time.Second,
	})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.LaunchFailed)
	assert.Equal(t, 1, summary.ExitCode())

	// No stale empty output is left behind.
	_, statErr := os.Stat(outputs["a.fastq"])
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunTimeout(t *testing.T) {
	t.Parallel()

	outDir := t.TempDir()
	q, runID, outputs := testRun(t, map[string]string{"slow.fastq": "x"}, outDir)

	d, err := New(q, nil, Options{
		WorkerCommand: []string{"/bin/sh", "-c", "sleep 30"},
		MaxWorkers:    1,
		Timeout:       200 * time.Millisecond,
	})
	require.NoError(t, err)

	start := time.Now()
	summary, err := d.Run(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.TimedOut)
	assert.Less(t, time.Since(start), 10*time.Second, "timeout enforcement took too long")

	_, statErr := os.Stat(outputs["slow.fastq"])
	assert.True(t, os.IsNotExist(statErr))
}

func TestRunJobCountMatchesInputCount(t *testing.T) {
	t.Parallel()

	inputs := map[string]string{}
	for _, name := range []string{"s1.fastq", "s2.fastq", "s3.fastq", "s4.fastq", "s5.fastq"} {
		inputs[name] = "data"
	}
	outDir := t.TempDir()
	q, runID, _ := testRun(t, inputs, outDir)

	d, err := New(q, nil, Options{
		WorkerCommand: []string{"/bin/sh", "-c", `cat "$0"`},
		MaxWorkers:    3,
		Timeout:       30 * time.Second,
	})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), runID)
	require.NoError(t, err)

	assert.Equal(t, len(inputs), summary.Total)
	assert.Equal(t, 0, summary.Pending, "every job must be terminal after Run returns")
}

func TestNewRejectsBadOptions(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, Options{MaxWorkers: 1, Timeout: time.Second})
	assert.Error(t, err, "empty worker command")

	_, err = New(nil, nil, Options{WorkerCommand: []string{"w"}, Timeout: time.Second})
	assert.Error(t, err, "zero workers")

	_, err = New(nil, nil, Options{WorkerCommand: []string{"w"}, MaxWorkers: 1})
	assert.Error(t, err, "zero timeout")
}

func TestRunPropagatesDequeueError(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mq := mocks.NewMockJobQueue(ctrl)
	dbErr := errors.New("database is locked")
	mq.EXPECT().Dequeue(gomock.Any(), "run-1").Return(nil, dbErr).Times(1)
	mq.EXPECT().JobsForRun(gomock.Any(), "run-1").Return(nil, nil)
	mq.EXPECT().CompleteRun(gomock.Any(), "run-1").Return(nil)

	d, err := New(mq, nil, Options{
		WorkerCommand: []string{"true"},
		MaxWorkers:    1,
		Timeout:       time.Second,
	})
	require.NoError(t, err)

	_, err = d.Run(context.Background(), "run-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, dbErr)
}

func TestRunEmptyQueue(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	mq := mocks.NewMockJobQueue(ctrl)
	mq.EXPECT().Dequeue(gomock.Any(), "run-1").Return(nil, nil).Times(2)
	mq.EXPECT().JobsForRun(gomock.Any(), "run-1").Return(nil, nil)
	mq.EXPECT().CompleteRun(gomock.Any(), "run-1").Return(nil)

	d, err := New(mq, nil, Options{
		WorkerCommand: []string{"true"},
		MaxWorkers:    2,
		Timeout:       time.Second,
	})
	require.NoError(t, err)

	summary, err := d.Run(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Total)
}
