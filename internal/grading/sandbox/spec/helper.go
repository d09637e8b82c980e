package spec

import (
	"errors"

	"codegrade/internal/grading/sandbox/security"
)

// HelperRequest is the JSON document the sandbox-init helper reads from stdin.
// Paths in RunSpec are host paths.
type HelperRequest struct {
	RunSpec       RunSpec
	Isolation     security.IsolationProfile
	EnableSeccomp bool
	EnableNs      bool

	// DropPrivileges switches to Isolation.UID/GID before exec.
	DropPrivileges bool
}

// Validate checks the fields the helper cannot run without.
func (r HelperRequest) Validate() error {
	if len(r.RunSpec.Cmd) == 0 {
		return errors.New("command is required")
	}
	if r.RunSpec.WorkDir == "" {
		return errors.New("work dir is required")
	}
	if !r.EnableNs && (r.Isolation.RootFS != "" || len(r.RunSpec.BindMounts) > 0) {
		return errors.New("namespaces disabled with rootfs or bind mounts")
	}
	if r.DropPrivileges && (r.Isolation.UID <= 0 || r.Isolation.GID <= 0) {
		return errors.New("refusing to drop privileges to root")
	}
	return nil
}
