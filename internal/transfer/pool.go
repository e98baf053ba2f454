// Package transfer wraps an external object-store transfer agent
// (rclone, by convention) as a bounded-concurrency pool: every
// operation spawns the agent as a subprocess, streams its stdout and
// stderr line by line, and surfaces upload progress without imposing
// any retry policy of its own — the agent's own "infinite retries,
// sleep and back off" flags are trusted for that.
package transfer

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// Progress receives percentage updates (0-100) parsed from a copy_dir
// transfer's stdout stream. A nil Progress is valid; updates are
// simply dropped.
type Progress func(percent int)

// Agent is the subset of Pool's behavior the orchestrator and sampler
// depend on. Depending on this interface instead of *Pool lets their
// tests substitute an in-process fake instead of spawning a
// subprocess.
type Agent interface {
	CopyDir(ctx context.Context, local, remote string, progress Progress) (bool, error)
	CopyFile(ctx context.Context, local, remote string) (bool, error)
	FetchFile(ctx context.Context, remote, local string) (bool, error)
	Exists(ctx context.Context, remote string) (bool, error)
}

var _ Agent = (*Pool)(nil)

var transferLine = regexp.MustCompile(`Transferred:\s+\d+\s*/\s*\d+,\s*(\d+)%`)

// Pool bounds concurrent transfer-agent invocations to
// max_concurrent_uploads and pins the argument envelope documented for
// each operation.
type Pool struct {
	remoteBase string
	transfers  int
	sem        *semaphore.Weighted
	log        *zap.SugaredLogger
	binary     string
}

// New returns a Pool targeting remoteBase (trailing slash trimmed),
// issuing transfers-wide `--transfers=N` per copy_dir call, and
// admitting at most maxConcurrent simultaneous agent subprocesses.
// The agent is run as the "rclone" executable found on PATH.
func New(remoteBase string, transfers, maxConcurrent int, log *zap.SugaredLogger) *Pool {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if transfers < 1 {
		transfers = 1
	}
	return &Pool{
		remoteBase: strings.TrimRight(remoteBase, "/"),
		transfers:  transfers,
		sem:        semaphore.NewWeighted(int64(maxConcurrent)),
		log:        log,
		binary:     "rclone",
	}
}

func (p *Pool) remote(relative string) string {
	return p.remoteBase + "/" + strings.TrimLeft(relative, "/")
}

// CopyDir uploads every file under local to remote (a path relative to
// the pool's remote base), using the argument envelope tuned for many
// small files: no destination traversal, no size/checksum comparison,
// no modtime preservation, a 128 MiB buffer, a single checker, and
// infinite agent-side retries with a 60-second sleep and ten
// low-level retries. Parsed "Transferred: n/m, p%" lines are reported
// through progress, if non-nil. Success is exit code 0.
func (p *Pool) CopyDir(ctx context.Context, local, remote string, progress Progress) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("transfer: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	args := []string{
		"copy", local, p.remote(remote) + "/",
		"--progress", "--stats=1s", fmt.Sprintf("--transfers=%d", p.transfers),
		"--no-traverse", "--no-check-dest", "--fast-list=false",
		"--ignore-times", "--ignore-size", "--ignore-checksum",
		"--no-update-modtime",
		"--buffer-size=128M", "--checkers=1",
		"--bwlimit=off",
		"--retries=-1", "--retries-sleep=60s", "--low-level-retries=10",
	}
	return p.run(ctx, args, progress)
}

// CopyFile uploads a single local file to a remote-relative path,
// under the same infinite-retry envelope as CopyDir but without the
// directory-oriented flags.
func (p *Pool) CopyFile(ctx context.Context, local, remote string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("transfer: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	args := []string{
		"copyto", local, p.remote(remote),
		"--retries=-1", "--retries-sleep=60s", "--low-level-retries=10",
		"--bwlimit=off", "--no-update-modtime",
	}
	return p.run(ctx, args, nil)
}

// FetchFile downloads a remote-relative path to a local file. Success
// additionally requires that local exists on return.
func (p *Pool) FetchFile(ctx context.Context, remote, local string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("transfer: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	args := []string{
		"copyto", p.remote(remote), local,
		"--retries=-1", "--retries-sleep=60s", "--low-level-retries=10",
		"--bwlimit=off",
	}
	ok, err := p.run(ctx, args, nil)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	if _, statErr := os.Stat(local); statErr != nil {
		return false, nil
	}
	return true, nil
}

// Exists reports whether remote resolves to at least one object,
// using "lsf" so the check is a single cheap listing call rather than
// a full copy attempt.
func (p *Pool) Exists(ctx context.Context, remote string) (bool, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("transfer: acquire slot: %w", err)
	}
	defer p.sem.Release(1)

	cmd := exec.CommandContext(ctx, p.binary, "lsf", p.remote(remote))
	out, err := cmd.Output()
	if err != nil {
		return false, nil
	}
	return strings.TrimSpace(string(out)) != "", nil
}

// run spawns the agent with args, streaming stdout for progress
// percentages and stderr for ERROR lines (surfaced to the log but not
// treated as failures), and returns success iff the process exits 0.
func (p *Pool) run(ctx context.Context, args []string, progress Progress) (bool, error) {
	cmd := exec.CommandContext(ctx, p.binary, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("transfer: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("transfer: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("transfer: start %s: %w", p.binary, err)
	}

	done := make(chan struct{}, 2)
	go func() {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(stdout)
		for scanner.Scan() {
			line := scanner.Text()
			if m := transferLine.FindStringSubmatch(line); m != nil && progress != nil {
				if pct, err := strconv.Atoi(m[1]); err == nil {
					progress(pct)
				}
			}
		}
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.Contains(strings.ToUpper(line), "ERROR") && p.log != nil {
				p.log.Warnw("transfer agent reported an error line", "line", line)
			}
		}
	}()
	<-done
	<-done

	err = cmd.Wait()
	return err == nil, nil
}
