// Package dispatch fans a run's input files out across worker subprocesses.
//
// The dispatcher claims jobs from the sqlite-backed queue and executes each
// one by spawning the configured worker command with the input path appended
// as the final argument. The worker's stdout is redirected to the job's
// output path; stderr is captured (capped at 64KB) and recorded with the
// job's terminal status.
//
// Key behaviors:
//   - Bounded fan-out: up to MaxWorkers concurrent subprocesses
//   - Join semantics: Run returns only once every job is terminal
//   - Per-job failure isolation: one failure never cancels siblings
//   - Timeout enforcement with SIGTERM -> 5s grace -> SIGKILL
//   - No retries; a job runs exactly once per run
//
// Terminal statuses:
//   - Spawn failure (binary missing, output not writable) -> launch_failed
//   - Non-zero exit -> failed, exit code recorded
//   - Timeout -> timed_out, partial output removed
//   - Clean exit -> succeeded
package dispatch
