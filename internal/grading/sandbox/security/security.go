// Package security defines sandbox isolation profiles.
package security

// Unprivileged identity every program runs as.
const (
	NobodyUID = 65534
	NobodyGID = 65534
)

// IsolationProfile describes namespace, identity and seccomp settings.
type IsolationProfile struct {
	RootFS         string `yaml:"rootFS" toml:"rootFS"`
	SeccompProfile string `yaml:"seccompProfile" toml:"seccompProfile"`
	DisableNetwork bool   `yaml:"disableNetwork" toml:"disableNetwork"`
	UID            int    `yaml:"uid" toml:"uid"`
	GID            int    `yaml:"gid" toml:"gid"`
}

// Default returns the profile used when no named profile is configured.
func Default() IsolationProfile {
	return IsolationProfile{
		DisableNetwork: true,
		UID:            NobodyUID,
		GID:            NobodyGID,
	}
}

// Resolver maps a profile name to isolation settings.
type Resolver interface {
	Resolve(profile string) (IsolationProfile, error)
}

// StaticResolver serves profiles from a fixed map, falling back to Default for unknown names.
type StaticResolver struct {
	profiles map[string]IsolationProfile
}

// NewStaticResolver creates a resolver over named profiles.
func NewStaticResolver(profiles map[string]IsolationProfile) *StaticResolver {
	copied := make(map[string]IsolationProfile, len(profiles))
	for name, prof := range profiles {
		copied[name] = prof
	}
	return &StaticResolver{profiles: copied}
}

// Resolve returns the named profile. Network is always disabled and identity is never root.
func (r *StaticResolver) Resolve(profile string) (IsolationProfile, error) {
	prof, ok := r.profiles[profile]
	if !ok {
		prof = Default()
	}
	prof.DisableNetwork = true
	if prof.UID <= 0 {
		prof.UID = NobodyUID
	}
	if prof.GID <= 0 {
		prof.GID = NobodyGID
	}
	return prof, nil
}
