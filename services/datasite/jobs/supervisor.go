// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/AleutianAI/DataSite/services/datasite/datatypes"
)

// killGrace is how long a signaled child gets to flush and exit before
// the process group is killed outright.
const killGrace = 5 * time.Second

// pollInterval drives deadline checks and usage sampling while a child
// runs.
const pollInterval = 250 * time.Millisecond

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("node shutting down")
)

// childOutcome is everything supervision observed about one child run.
// kind is empty when the child exited zero within its limits.
type childOutcome struct {
	kind     datatypes.ErrorKind
	message  string
	exitCode int
	signal   string
	stdout   *Ring
	stderr   *Ring
	started  time.Time
	wall     time.Duration
	cpu      time.Duration
}

// commandFor maps a script type to its interpreter invocation.
func commandFor(st datatypes.ScriptType) string {
	if st == datatypes.ScriptR {
		return "Rscript"
	}
	return "python3"
}

// supervise launches the child in its own process group, applies the
// sandbox rlimits, and polls it to completion. The wall-clock deadline
// and cancellation both use the graceful-then-kill protocol; the CPU cap
// is enforced by the kernel (SIGXCPU at the soft limit, SIGKILL a grace
// window later at the hard limit).
//
// The child writes into live's rings, which stream handlers may be
// reading concurrently.
//
// The returned error covers launch infrastructure only. A child that
// ran and failed is reported through outcome.kind.
func (r *Runner) supervise(ctx context.Context, ws workspace, jobID string, st datatypes.ScriptType, limits datatypes.ResourceLimits, live *activeJob) (childOutcome, error) {
	out := childOutcome{
		stdout:   live.stdout,
		stderr:   live.stderr,
		exitCode: -1,
	}

	bin, err := exec.LookPath(commandFor(st))
	if err != nil {
		return out, fmt.Errorf("interpreter for %s scripts not installed: %w", st, err)
	}

	cmd := exec.Command(bin, ws.script)
	cmd.Dir = ws.root
	// The child sees exactly these four variables, nothing inherited.
	cmd.Env = []string{
		"JOB_ID=" + jobID,
		"JOB_CONFIG=" + ws.config,
		"OUTPUT_FILE=" + ws.artifact,
		"LC_ALL=C",
	}
	cmd.Stdout = out.stdout
	cmd.Stderr = out.stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return out, fmt.Errorf("start child: %w", err)
	}
	out.started = time.Now()
	pid := cmd.Process.Pid
	r.applyRlimits(pid, limits)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	deadline := out.started.Add(limits.MaxWall)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

waitLoop:
	for {
		select {
		case <-waitCh:
			break waitLoop
		case <-ctx.Done():
			if errors.Is(context.Cause(ctx), errShutdown) {
				out.kind = datatypes.ErrKindInterrupted
				out.message = "node shut down while the job was running"
			} else {
				out.kind = datatypes.ErrKindCancelled
				out.message = "job cancelled before completion"
			}
			terminate(pid, waitCh)
			break waitLoop
		case <-ticker.C:
			if time.Now().After(deadline) {
				out.kind = datatypes.ErrKindTimeout
				out.message = fmt.Sprintf("wall-clock limit of %s exceeded", limits.MaxWall)
				terminate(pid, waitCh)
				break waitLoop
			}
			if r.sampler != nil {
				r.sampler.Sample(ctx, jobID, pid)
			}
		}
	}

	out.wall = time.Since(out.started)
	if ps := cmd.ProcessState; ps != nil {
		out.cpu = ps.UserTime() + ps.SystemTime()
		out.exitCode = ps.ExitCode()
		if status, ok := ps.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			sig := status.Signal()
			out.signal = unix.SignalName(sig)
			if out.kind == "" {
				switch sig {
				case syscall.SIGXCPU:
					out.kind = datatypes.ErrKindTimeout
					out.message = fmt.Sprintf("cpu limit of %s exceeded", limits.MaxCPU)
				case syscall.SIGXFSZ:
					out.kind = datatypes.ErrKindResourceExhausted
					out.message = fmt.Sprintf("output limit of %d MiB exceeded", limits.MaxOut>>20)
				default:
					out.kind = datatypes.ErrKindChildCrash
					out.message = "terminated by signal " + out.signal
				}
			}
		}
	}
	if out.kind == "" && out.exitCode != 0 {
		out.kind = datatypes.ErrKindChildCrash
		out.message = fmt.Sprintf("script exited with status %d", out.exitCode)
	}
	return out, nil
}

// terminate signals the child's process group and waits for the child
// to be reaped: SIGTERM, a grace window, then SIGKILL.
func terminate(pid int, waitCh <-chan error) {
	_ = syscall.Kill(-pid, syscall.SIGTERM)
	select {
	case <-waitCh:
	case <-time.After(killGrace):
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-waitCh
	}
}

// applyRlimits caps the child's CPU seconds, address space, and file
// size. The CPU soft limit delivers SIGXCPU at MaxCPU; the hard limit
// backstops the grace window with a kernel kill. The file-size cap
// delivers SIGXFSZ before an unbounded artifact fills the disk; the
// collector re-checks the artifact size either way. Failures are
// logged, not fatal: some container runtimes refuse prlimit on
// descendants.
func (r *Runner) applyRlimits(pid int, limits datatypes.ResourceLimits) {
	if sec := uint64(limits.MaxCPU / time.Second); sec > 0 {
		rl := unix.Rlimit{Cur: sec, Max: sec + uint64(killGrace/time.Second)}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, &rl, nil); err != nil {
			r.logger.Warn("cpu rlimit not applied", "pid", pid, "error", err)
		}
	}
	if limits.MaxMem > 0 {
		rl := unix.Rlimit{Cur: uint64(limits.MaxMem), Max: uint64(limits.MaxMem)}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rl, nil); err != nil {
			r.logger.Warn("memory rlimit not applied", "pid", pid, "error", err)
		}
	}
	if limits.MaxOut > 0 {
		rl := unix.Rlimit{Cur: uint64(limits.MaxOut), Max: uint64(limits.MaxOut)}
		if err := unix.Prlimit(pid, unix.RLIMIT_FSIZE, &rl, nil); err != nil {
			r.logger.Warn("file size rlimit not applied", "pid", pid, "error", err)
		}
	}
}
