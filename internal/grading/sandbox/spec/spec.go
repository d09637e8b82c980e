// Package spec defines what one sandboxed run executes and the limits it runs under.
package spec

// Paths inside the sandbox.
const (
	CodeDir    = "/sandbox/code"
	IODir      = "/sandbox/io"
	StdinPath  = IODir + "/stdin"
	StdoutPath = IODir + "/stdout"
	StderrPath = IODir + "/stderr"
)

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// RunSpec describes one test run for any engine.
type RunSpec struct {
	SubmissionID string
	TestID       string
	Image        string
	WorkDir      string
	Cmd          []string
	Env          []string
	StdinPath    string
	StdoutPath   string
	StderrPath   string
	BindMounts   []MountSpec
	Profile      string
	Limits       ResourceLimit
}
