//go:build linux

package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"codegrade/internal/grading/sandbox/spec"

	"golang.org/x/sys/unix"
)

// runCgroup is the cgroup v2 leaf of one sandboxed run: <root>/<submission>/<test>-<nanos>.
// A nil *runCgroup is valid and means cgroups are disabled.
type runCgroup struct {
	path string
}

func newRunCgroup(root, submissionID, testID string) (*runCgroup, error) {
	if root == "" {
		return nil, errors.New("cgroup root is required")
	}
	path := filepath.Join(root, submissionID, testID+"-"+strconv.FormatInt(time.Now().UnixNano(), 10))
	if err := os.MkdirAll(path, 0o750); err != nil {
		return nil, fmt.Errorf("create cgroup %s: %w", path, err)
	}
	return &runCgroup{path: path}, nil
}

// limit writes pids, memory and cpu ceilings. Swap is disabled so memory.max is a hard cap.
func (c *runCgroup) limit(limits spec.ResourceLimit) error {
	pids := "max"
	if limits.PIDs > 0 {
		pids = strconv.FormatInt(limits.PIDs, 10)
	}
	if err := c.write("pids.max", pids); err != nil {
		return err
	}
	if limits.MemoryMB > 0 {
		if err := c.write("memory.max", strconv.FormatInt(limits.MemoryMB<<20, 10)); err != nil {
			return err
		}
		if err := c.write("memory.swap.max", "0"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	// One full CPU per run.
	return c.write("cpu.max", "100000 100000")
}

func (c *runCgroup) attach(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	return c.write("cgroup.procs", strconv.Itoa(pid))
}

// kill terminates every process in the cgroup at once.
func (c *runCgroup) kill() error {
	return c.write("cgroup.kill", "1")
}

func (c *runCgroup) oomKilled() bool {
	if c == nil {
		return false
	}
	data, err := os.ReadFile(filepath.Join(c.path, "memory.events"))
	if err != nil {
		return false
	}
	return parseOomKills(string(data)) > 0
}

// peakKB prefers memory.peak and falls back to the rusage high-water mark.
func (c *runCgroup) peakKB(state *os.ProcessState) int64 {
	if c != nil {
		data, err := os.ReadFile(filepath.Join(c.path, "memory.peak"))
		if err == nil {
			if val, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil && val > 0 {
				return val / 1024
			}
		}
	}
	if state == nil {
		return 0
	}
	if usage, ok := state.SysUsage().(*syscall.Rusage); ok {
		return usage.Maxrss
	}
	return 0
}

// remove deletes the leaf and, when empty, its submission directory. cgroupfs only supports rmdir.
func (c *runCgroup) remove() {
	if c == nil {
		return
	}
	_ = unix.Rmdir(c.path)
	_ = unix.Rmdir(filepath.Dir(c.path))
}

func (c *runCgroup) write(name, value string) error {
	return os.WriteFile(filepath.Join(c.path, name), []byte(value), 0o640)
}

// parseOomKills reads the oom_kill counter of a memory.events file.
func parseOomKills(events string) int64 {
	for _, line := range strings.Split(events, "\n") {
		name, val, ok := strings.Cut(strings.TrimSpace(line), " ")
		if !ok || name != "oom_kill" {
			continue
		}
		n, _ := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		return n
	}
	return 0
}
