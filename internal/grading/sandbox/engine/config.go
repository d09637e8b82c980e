package engine

// Config controls sandbox engine behavior.
type Config struct {
	Driver      string `yaml:"driver" toml:"driver"`
	BreakerName string `yaml:"breakerName" toml:"breakerName"`

	// StdoutStderrMaxBytes caps the captured bytes of each stream.
	StdoutStderrMaxBytes int64 `yaml:"stdoutStderrMaxBytes" toml:"stdoutStderrMaxBytes"`

	// Docker
	DockerHost  string `yaml:"dockerHost" toml:"dockerHost"`
	TmpfsSizeMB int64  `yaml:"tmpfsSizeMB" toml:"tmpfsSizeMB"`
	NanoCPUs    int64  `yaml:"nanoCPUs" toml:"nanoCPUs"`

	// Native
	CgroupRoot       string `yaml:"cgroupRoot" toml:"cgroupRoot"`
	SeccompDir       string `yaml:"seccompDir" toml:"seccompDir"`
	HelperPath       string `yaml:"helperPath" toml:"helperPath"`
	EnableSeccomp    bool   `yaml:"enableSeccomp" toml:"enableSeccomp"`
	EnableCgroup     bool   `yaml:"enableCgroup" toml:"enableCgroup"`
	EnableNamespaces bool   `yaml:"enableNamespaces" toml:"enableNamespaces"`
}

const (
	defaultStdoutStderrMaxBytes int64 = 64 * 1024
	defaultTmpfsSizeMB          int64 = 16
	defaultNanoCPUs             int64 = 1_000_000_000
	defaultBreakerName                = "sandbox-engine"
)

func (c *Config) applyDefaults() {
	if c.StdoutStderrMaxBytes <= 0 {
		c.StdoutStderrMaxBytes = defaultStdoutStderrMaxBytes
	}
	if c.TmpfsSizeMB <= 0 {
		c.TmpfsSizeMB = defaultTmpfsSizeMB
	}
	if c.NanoCPUs <= 0 {
		c.NanoCPUs = defaultNanoCPUs
	}
	if c.HelperPath == "" {
		c.HelperPath = "sandbox-init"
	}
	if c.BreakerName == "" {
		c.BreakerName = defaultBreakerName
	}
}
