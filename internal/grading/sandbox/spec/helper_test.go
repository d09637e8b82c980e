package spec

import (
	"testing"

	"codegrade/internal/grading/sandbox/security"
)

func TestHelperRequestValidate(t *testing.T) {
	t.Parallel()
	valid := HelperRequest{
		RunSpec:        RunSpec{WorkDir: "/tmp/run", Cmd: []string{"node", "main.js"}},
		Isolation:      security.Default(),
		EnableNs:       true,
		DropPrivileges: true,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}

	cases := map[string]func(r *HelperRequest){
		"no command":            func(r *HelperRequest) { r.RunSpec.Cmd = nil },
		"no work dir":           func(r *HelperRequest) { r.RunSpec.WorkDir = "" },
		"mounts without ns":     func(r *HelperRequest) { r.EnableNs = false; r.RunSpec.BindMounts = []MountSpec{{Source: "/a", Target: "/b"}} },
		"rootfs without ns":     func(r *HelperRequest) { r.EnableNs = false; r.Isolation.RootFS = "/srv/rootfs" },
		"drop to root identity": func(r *HelperRequest) { r.Isolation.UID = 0 },
	}
	for name, mutate := range cases {
		req := valid
		req.RunSpec.Cmd = append([]string(nil), valid.RunSpec.Cmd...)
		mutate(&req)
		if err := req.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
