package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/msetz/fanq/internal/events"
	"github.com/msetz/fanq/internal/log"
	"github.com/msetz/fanq/internal/queue"
	"github.com/msetz/fanq/internal/report"
)

const (
	// maxStderrBytes caps the amount of stderr captured from worker execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Options configures a Dispatcher.
type Options struct {
	// WorkerCommand is the worker argv prefix; the job's input path is
	// appended as the final argument.
	WorkerCommand []string
	// MaxWorkers bounds concurrently running worker subprocesses.
	MaxWorkers int
	// Timeout bounds a single worker's wall-clock runtime.
	Timeout time.Duration
}

// Dispatcher drains a run's job queue by spawning one worker subprocess per
// input file, with the worker's stdout redirected to the job's output path.
type Dispatcher struct {
	queue  JobQueue
	hub    *events.Hub
	opts   Options
	logger *slog.Logger
}

// New creates a Dispatcher.
func New(q JobQueue, hub *events.Hub, opts Options) (*Dispatcher, error) {
	if len(opts.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	if opts.MaxWorkers <= 0 {
		return nil, fmt.Errorf("max workers must be positive, got %d", opts.MaxWorkers)
	}
	if opts.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %v", opts.Timeout)
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &Dispatcher{
		queue:  q,
		hub:    hub,
		opts:   opts,
		logger: log.WithComponent("dispatch"),
	}, nil
}

// Run drains the run's queue with up to MaxWorkers concurrent executors and
// blocks until every job reached a terminal state (join semantics). A job
// failure never cancels its siblings; the error return covers queue-level
// problems only.
func (d *Dispatcher) Run(ctx context.Context, runID string) (*report.Summary, error) {
	started := time.Now()
	d.logger.Info("dispatch started", "run_id", runID, "max_workers", d.opts.MaxWorkers)
	d.hub.Publish(events.TypeRunStarted, runID, map[string]any{
		"run_id":      runID,
		"max_workers": d.opts.MaxWorkers,
	})

	var g errgroup.Group
	for range d.opts.MaxWorkers {
		g.Go(func() error {
			return d.executorLoop(ctx, runID)
		})
	}
	err := g.Wait()

	// Collection still has to happen when ctx was cancelled mid-run.
	collectCtx := context.WithoutCancel(ctx)
	jobs, jobsErr := d.queue.JobsForRun(collectCtx, runID)
	if jobsErr != nil {
		return nil, fmt.Errorf("collect run jobs: %w", jobsErr)
	}
	summary := report.Build(runID, jobs, started, time.Since(started))

	if cerr := d.queue.CompleteRun(collectCtx, runID); cerr != nil {
		d.logger.Error("failed to stamp run completion", "run_id", runID, "error", cerr)
	}

	d.hub.Publish(events.TypeRunCompleted, runID, summary)
	d.logger.Info("dispatch finished",
		"run_id", runID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed+summary.LaunchFailed+summary.TimedOut,
	)
	return summary, err
}

// executorLoop claims and executes jobs until the queue is drained or the
// context is cancelled.
func (d *Dispatcher) executorLoop(ctx context.Context, runID string) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		job, err := d.queue.Dequeue(ctx, runID)
		if err != nil {
			return fmt.Errorf("dequeue: %w", err)
		}
		if job == nil {
			return nil
		}
		d.executeJob(ctx, job)
	}
}

// executeJob runs a single job by spawning the worker subprocess.
func (d *Dispatcher) executeJob(ctx context.Context, job *queue.Job) {
	jobLogger := log.WithJob(job.ID).With("input", job.InputPath)
	jobLogger.Info("executing job", "output", job.OutputPath)
	d.hub.Publish(events.TypeJobStarted, job.RunID, map[string]any{
		"job_id": job.ID,
		"input":  job.InputPath,
		"output": job.OutputPath,
	})

	outFile, err := d.createOutput(job.OutputPath)
	if err != nil {
		errMsg := fmt.Sprintf("create output file: %v", err)
		jobLogger.Error(errMsg)
		d.completeJob(ctx, job, queue.Completion{Status: queue.StatusLaunchFailed, LastError: &errMsg})
		return
	}

	comp := d.spawnWorker(ctx, job, outFile, jobLogger)

	if cerr := outFile.Close(); cerr != nil && comp.Status == queue.StatusSucceeded {
		errMsg := fmt.Sprintf("close output file: %v", cerr)
		comp = queue.Completion{Status: queue.StatusFailed, LastError: &errMsg, Stderr: comp.Stderr}
	}

	// A worker that never ran or was cut off leaves no trustworthy output.
	if comp.Status == queue.StatusLaunchFailed || comp.Status == queue.StatusTimedOut {
		_ = os.Remove(job.OutputPath)
	}

	d.completeJob(ctx, job, comp)
}

// spawnWorker starts the worker subprocess with the input path as its final
// argument, stdout wired to outFile, and enforces the configured timeout
// (SIGTERM, 5s grace, SIGKILL).
func (d *Dispatcher) spawnWorker(ctx context.Context, job *queue.Job, outFile *os.File, logger *slog.Logger) queue.Completion {
	argv := append(append([]string{}, d.opts.WorkerCommand...), job.InputPath)

	// Don't use CommandContext - termination is managed explicitly below.
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Stdout = outFile

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	logger.Debug("spawning worker", "argv", argv, "timeout", d.opts.Timeout)

	if err := cmd.Start(); err != nil {
		errMsg := fmt.Sprintf("worker spawn failed: %v", err)
		logger.Error(errMsg)
		return queue.Completion{Status: queue.StatusLaunchFailed, LastError: &errMsg}
	}

	timeoutTimer := time.NewTimer(d.opts.Timeout)
	defer timeoutTimer.Stop()

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		d.terminate(cmd, waitErr, logger)
		errMsg := fmt.Sprintf("worker timed out after %v", d.opts.Timeout)
		logger.Warn(errMsg)
		stderrStr := truncateStderr(stderr.String())
		return queue.Completion{Status: queue.StatusTimedOut, LastError: &errMsg, Stderr: &stderrStr}

	case <-ctx.Done():
		d.terminate(cmd, waitErr, logger)
		errMsg := "run cancelled while worker was running"
		logger.Warn(errMsg)
		stderrStr := truncateStderr(stderr.String())
		return queue.Completion{Status: queue.StatusFailed, LastError: &errMsg, Stderr: &stderrStr}

	case err := <-waitErr:
		stderrStr := truncateStderr(stderr.String())
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code := exitErr.ExitCode()
				errMsg := fmt.Sprintf("worker exited with code %d", code)
				logger.Warn(errMsg, "exit_code", code)
				return queue.Completion{Status: queue.StatusFailed, ExitCode: &code, LastError: &errMsg, Stderr: &stderrStr}
			}
			errMsg := fmt.Sprintf("wait for worker: %v", err)
			logger.Error(errMsg)
			return queue.Completion{Status: queue.StatusFailed, LastError: &errMsg, Stderr: &stderrStr}
		}

		code := 0
		logger.Info("worker completed")
		return queue.Completion{Status: queue.StatusSucceeded, ExitCode: &code, Stderr: &stderrStr}
	}
}

// terminate enforces SIGTERM -> grace period -> SIGKILL on a running worker.
func (d *Dispatcher) terminate(cmd *exec.Cmd, waitErr <-chan error, logger *slog.Logger) {
	if cmd.Process == nil {
		return
	}
	logger.Warn("sending SIGTERM to worker")
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		logger.Error("failed to send SIGTERM", "error", err)
	}

	grace := time.NewTimer(terminationGracePeriod)
	defer grace.Stop()

	select {
	case <-waitErr:
		logger.Info("worker exited after SIGTERM")
	case <-grace.C:
		logger.Warn("worker did not exit after SIGTERM, sending SIGKILL")
		if err := cmd.Process.Kill(); err != nil {
			logger.Error("failed to send SIGKILL", "error", err)
		}
		<-waitErr
	}
}

func (d *Dispatcher) createOutput(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// completeJob marks a job terminal and publishes the transition. Completion
// must be recorded even when the run's context was already cancelled.
func (d *Dispatcher) completeJob(ctx context.Context, job *queue.Job, comp queue.Completion) {
	ctx = context.WithoutCancel(ctx)
	if err := d.queue.Complete(ctx, job.ID, comp); err != nil {
		d.logger.Error("failed to complete job", "job_id", job.ID, "error", err)
	}
	payload := map[string]any{
		"job_id": job.ID,
		"input":  job.InputPath,
		"status": string(comp.Status),
	}
	if comp.LastError != nil {
		payload["error"] = *comp.LastError
	}
	d.hub.Publish(events.TypeJobCompleted, job.RunID, payload)
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
