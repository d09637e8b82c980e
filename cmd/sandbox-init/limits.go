//go:build linux

package main

import (
	"fmt"
	"os"

	"codegrade/internal/grading/sandbox/spec"

	"golang.org/x/sys/unix"
)

type rlimit struct {
	name     string
	resource int
	value    uint64
}

// rlimitsFor converts the run limits. Memory is left to the cgroup.
func rlimitsFor(limits spec.ResourceLimit) []rlimit {
	var out []rlimit
	if limits.CPUTimeMs > 0 {
		// Second granularity, rounded up.
		out = append(out, rlimit{"cpu", unix.RLIMIT_CPU, uint64((limits.CPUTimeMs + 999) / 1000)})
	}
	if limits.OutputMB > 0 {
		out = append(out, rlimit{"fsize", unix.RLIMIT_FSIZE, uint64(limits.OutputMB) << 20})
	}
	if limits.StackMB > 0 {
		out = append(out, rlimit{"stack", unix.RLIMIT_STACK, uint64(limits.StackMB) << 20})
	}
	if limits.PIDs > 0 {
		out = append(out, rlimit{"nproc", unix.RLIMIT_NPROC, uint64(limits.PIDs)})
	}
	out = append(out, rlimit{"core", unix.RLIMIT_CORE, 0})
	return out
}

func applyRlimits(limits spec.ResourceLimit) error {
	for _, l := range rlimitsFor(limits) {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.value, Max: l.value}); err != nil {
			return fmt.Errorf("set rlimit %s: %w", l.name, err)
		}
	}
	return nil
}

func redirectIO(runSpec spec.RunSpec) error {
	stdin, err := os.Open(orDevNull(runSpec.StdinPath))
	if err != nil {
		return fmt.Errorf("open stdin: %w", err)
	}
	defer stdin.Close()
	stdout, err := os.OpenFile(orDevNull(runSpec.StdoutPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open stdout: %w", err)
	}
	defer stdout.Close()
	stderr, err := os.OpenFile(orDevNull(runSpec.StderrPath), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open stderr: %w", err)
	}
	defer stderr.Close()

	for _, pair := range [][2]*os.File{{stdin, os.Stdin}, {stdout, os.Stdout}, {stderr, os.Stderr}} {
		if err := unix.Dup2(int(pair[0].Fd()), int(pair[1].Fd())); err != nil {
			return fmt.Errorf("dup %s: %w", pair[1].Name(), err)
		}
	}
	return nil
}

func orDevNull(path string) string {
	if path == "" {
		return os.DevNull
	}
	return path
}
