package config

// Kilnfile represents the structure of the kiln.yaml pipeline file.
type Kilnfile struct {
	Version string              `yaml:"version"`
	Name    string              `yaml:"name"`
	Source  SourceDTO           `yaml:"source"`
	Params  ParamsDTO           `yaml:"params"`
	Cache   CacheDTO            `yaml:"cache"`
	Caches  map[string]AreaDTO  `yaml:"caches"`
	Stages  map[string]StageDTO `yaml:"stages"`
	Verify  VerifyDTO           `yaml:"verify"`
}

// SourceDTO locates the source tree.
type SourceDTO struct {
	Path   string   `yaml:"path"`
	Ignore []string `yaml:"ignore"`
}

// ParamsDTO holds the build parameter defaults.
type ParamsDTO struct {
	PanicPolicy string `yaml:"panicPolicy"`
	VersionTag  string `yaml:"versionTag"`
}

// CacheDTO selects the cache backend.
type CacheDTO struct {
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	S3      S3DTO  `yaml:"s3"`
}

// S3DTO configures the S3 compatible cache backend. Credentials are read from
// the environment, never from the file.
type S3DTO struct {
	Endpoint string `yaml:"endpoint"`
	Bucket   string `yaml:"bucket"`
	Region   string `yaml:"region"`
	Prefix   string `yaml:"prefix"`
	UseSSL   *bool  `yaml:"useSSL"`
}

// AreaDTO declares a cache area.
type AreaDTO struct {
	Scope string `yaml:"scope"`
}

// StageDTO represents a stage definition. Which fields apply depends on Kind.
type StageDTO struct {
	Kind      string   `yaml:"kind"`
	DependsOn []string `yaml:"dependsOn"`

	// build
	Base     string            `yaml:"base"`
	WorkDir  string            `yaml:"workdir"`
	Target   string            `yaml:"target"`
	Command  []string          `yaml:"command"`
	Artifact string            `yaml:"artifact"`
	Mounts   []MountDTO        `yaml:"mounts"`
	Env      map[string]string `yaml:"env"`

	// extract
	From string `yaml:"from"`
	Dest string `yaml:"dest"`

	// runtime
	Packages   *PackagesDTO `yaml:"packages"`
	Copy       []CopyDTO    `yaml:"copy"`
	Entrypoint []string     `yaml:"entrypoint"`
	Tag        string       `yaml:"tag"`
	Output     string       `yaml:"output"`
}

// MountDTO binds a cache area into the build environment.
type MountDTO struct {
	Cache string `yaml:"cache"`
	Path  string `yaml:"path"`
	Env   string `yaml:"env"`
}

// PackagesDTO lists the runtime packages.
type PackagesDTO struct {
	Manager string   `yaml:"manager"`
	Install []string `yaml:"install"`
}

// CopyDTO copies an artifact or a data set into the runtime image.
type CopyDTO struct {
	From string `yaml:"from"`
	Src  string `yaml:"src"`
	Dest string `yaml:"dest"`
	Env  string `yaml:"env"`
}

// VerifyDTO lists path prefixes that must not appear in the runtime image.
type VerifyDTO struct {
	Forbid []string `yaml:"forbid"`
}
