//go:build linux

// Command sandbox-init is exec'd by the native engine inside fresh namespaces.
// It reads a spec.HelperRequest from stdin, narrows the process step by step
// and finally execs the program in place.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"codegrade/internal/grading/sandbox/spec"

	"golang.org/x/sys/unix"
)

func main() {
	if err := run(os.Stdin); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "sandbox-init:", err)
		os.Exit(1)
	}
}

// run applies, in order: private mounts, bind mounts and chroot, work dir,
// rlimits, stdio redirection, identity drop, seccomp and finally exec.
// Seccomp goes last so the filter does not have to allow the setup syscalls.
func run(stdin io.Reader) error {
	req, err := decodeRequest(stdin)
	if err != nil {
		return err
	}
	if err := req.Validate(); err != nil {
		return err
	}

	if req.EnableNs {
		if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
			return fmt.Errorf("make mount private: %w", err)
		}
		if err := applyBindMounts(req.Isolation.RootFS, req.RunSpec.BindMounts); err != nil {
			return err
		}
		if req.Isolation.RootFS != "" {
			if err := unix.Chroot(req.Isolation.RootFS); err != nil {
				return fmt.Errorf("chroot: %w", err)
			}
			if err := os.Chdir("/"); err != nil {
				return fmt.Errorf("chdir root: %w", err)
			}
		}
	}
	if err := os.Chdir(req.RunSpec.WorkDir); err != nil {
		return fmt.Errorf("chdir workdir: %w", err)
	}
	if err := applyRlimits(req.RunSpec.Limits); err != nil {
		return err
	}
	if err := redirectIO(req.RunSpec); err != nil {
		return err
	}
	if req.DropPrivileges {
		if err := dropPrivileges(req.Isolation.UID, req.Isolation.GID); err != nil {
			return err
		}
	}
	if req.EnableSeccomp && req.Isolation.SeccompProfile != "" {
		if err := applySeccomp(req.Isolation.SeccompProfile); err != nil {
			return err
		}
	}

	env := buildEnv(req.RunSpec.Env)
	cmdPath, err := lookPath(req.RunSpec.Cmd[0], env)
	if err != nil {
		return fmt.Errorf("resolve command: %w", err)
	}
	return unix.Exec(cmdPath, req.RunSpec.Cmd, env)
}

func decodeRequest(r io.Reader) (spec.HelperRequest, error) {
	var req spec.HelperRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return spec.HelperRequest{}, fmt.Errorf("decode request: %w", err)
	}
	return req, nil
}

// dropPrivileges switches group list, gid and uid, in that order, so no step
// needs privileges the previous one gave up.
func dropPrivileges(uid, gid int) error {
	if err := unix.Setgroups([]int{gid}); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid: %w", err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		return fmt.Errorf("setresuid: %w", err)
	}
	return nil
}

const defaultPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

func buildEnv(env []string) []string {
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			return env
		}
	}
	return append(append([]string(nil), env...), "PATH="+defaultPath)
}

// lookPath resolves name against the PATH of the program's environment, not the helper's.
func lookPath(name string, env []string) (string, error) {
	for _, kv := range env {
		if len(kv) > 5 && kv[:5] == "PATH=" {
			if err := os.Setenv("PATH", kv[5:]); err != nil {
				return "", err
			}
			break
		}
	}
	return exec.LookPath(name)
}
