package domain

import (
	"errors"
	"path"
	"regexp"
	"slices"
	"strings"

	"go.trai.ch/zerr"
)

var (
	namePattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	envVarPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// SourceSpec locates the source tree and the entries left out of its snapshot.
type SourceSpec struct {
	Path   string
	Ignore []string
}

// CacheBackendKind selects where cache areas are persisted.
type CacheBackendKind string

const (
	// CacheBackendFS keeps cache areas in a local directory.
	CacheBackendFS CacheBackendKind = "fs"
	// CacheBackendS3 keeps cache areas in an S3 compatible bucket.
	CacheBackendS3 CacheBackendKind = "s3"
)

// S3Backend configures the S3 compatible cache backend.
type S3Backend struct {
	Endpoint  string
	Bucket    string
	Region    string
	Prefix    string
	UseSSL    bool
	AccessKey string
	SecretKey string
}

// CacheBackend configures the cache store.
type CacheBackend struct {
	Kind CacheBackendKind
	Dir  string
	S3   S3Backend
}

// VerifySpec lists image path prefixes that must never ship.
type VerifySpec struct {
	Forbid []string
}

// Pipeline is a parsed pipeline definition.
type Pipeline struct {
	Name   string
	Root   string
	Source SourceSpec
	Params BuildParams
	Cache  CacheBackend
	Caches map[string]CacheArea
	Stages []Stage
	Verify VerifySpec
}

// StageOfKind returns the first stage of the given kind.
func (p *Pipeline) StageOfKind(kind StageKind) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Kind == kind {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// StageByName returns the stage with the given name.
func (p *Pipeline) StageByName(name string) (*Stage, bool) {
	for i := range p.Stages {
		if p.Stages[i].Name == name {
			return &p.Stages[i], true
		}
	}
	return nil, false
}

// Validate checks every static rule of the pipeline and returns its stage
// graph. Nothing is executed before Validate succeeds.
func (p *Pipeline) Validate() (*Graph, error) {
	var errs error
	if !namePattern.MatchString(p.Name) {
		errs = errors.Join(errs, invalid("pipeline name must be alphanumeric with '-' or '_'", "name", p.Name))
	}
	if p.Params.PanicPolicy != "" {
		if _, err := ParsePanicPolicy(string(p.Params.PanicPolicy)); err != nil {
			errs = errors.Join(errs, err)
		}
	}
	errs = errors.Join(errs, p.validateCaches(), p.validateKinds())
	for i := range p.Stages {
		errs = errors.Join(errs, p.validateStage(&p.Stages[i]))
	}
	if errs != nil {
		return nil, errs
	}

	g := NewGraph()
	for i := range p.Stages {
		if err := g.AddStage(&p.Stages[i]); err != nil {
			return nil, err
		}
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func (p *Pipeline) validateCaches() error {
	var errs error
	for name, area := range p.Caches {
		if !namePattern.MatchString(name) {
			errs = errors.Join(errs, invalid("cache name must be alphanumeric with '-' or '_'", "cache", name))
		}
		if area.Scope != CacheScopeShared && area.Scope != CacheScopePipeline {
			errs = errors.Join(errs, invalid("cache scope must be 'shared' or 'pipeline'", "cache", name))
		}
	}
	switch p.Cache.Kind {
	case CacheBackendFS, "":
	case CacheBackendS3:
		if p.Cache.S3.Bucket == "" {
			errs = errors.Join(errs, invalid("s3 cache backend requires a bucket", "backend", string(p.Cache.Kind)))
		}
	default:
		errs = errors.Join(errs, zerr.With(ErrUnknownCacheBackend, "backend", string(p.Cache.Kind)))
	}
	return errs
}

func (p *Pipeline) validateKinds() error {
	var errs error
	counts := make(map[StageKind]int)
	for _, s := range p.Stages {
		counts[s.Kind]++
	}
	for _, kind := range []StageKind{StageBuild, StageExtract, StageRuntime} {
		if counts[kind] != 1 {
			errs = errors.Join(errs, zerr.With(invalid("pipeline needs exactly one stage of each kind", "kind", string(kind)), "count", counts[kind]))
		}
	}
	return errs
}

func (p *Pipeline) validateStage(s *Stage) error {
	if !namePattern.MatchString(s.Name) {
		return invalid("stage name must be alphanumeric with '-' or '_'", "stage", s.Name)
	}
	switch s.Kind {
	case StageBuild:
		if s.Build == nil {
			return invalid("build stage has no build section", "stage", s.Name)
		}
		return p.validateBuild(s.Name, s.Build)
	case StageExtract:
		if s.Extract == nil {
			return invalid("extract stage has no extract section", "stage", s.Name)
		}
		return p.validateExtract(s.Name, s.Extract)
	case StageRuntime:
		if s.Runtime == nil {
			return invalid("runtime stage has no runtime section", "stage", s.Name)
		}
		return p.validateRuntime(s.Name, s.Runtime)
	default:
		return invalid("stage kind must be build, extract or runtime", "stage", s.Name)
	}
}

func (p *Pipeline) validateBuild(stage string, b *BuildSpec) error {
	var errs error
	if !path.IsAbs(b.WorkDir) {
		errs = errors.Join(errs, invalid("build workdir must be absolute", "stage", stage))
	}
	if b.Target == "" {
		errs = errors.Join(errs, invalid("build stage must name exactly one target", "stage", stage))
	}
	if len(b.Command) == 0 {
		errs = errors.Join(errs, invalid("build stage has no command", "stage", stage))
	} else if b.Target != "" && !b.ReferencesTarget() {
		errs = errors.Join(errs, zerr.With(invalid("build command does not select the target", "stage", stage), "target", b.Target))
	}
	if b.Artifact == "" {
		errs = errors.Join(errs, invalid("build stage has no artifact", "stage", stage))
	}
	seen := make(map[string]bool)
	for _, m := range b.Mounts {
		if _, ok := p.Caches[m.Cache]; !ok {
			errs = errors.Join(errs, zerr.With(zerr.With(ErrUnknownCache, "cache", m.Cache), "stage", stage))
		}
		if !path.IsAbs(m.Path) {
			errs = errors.Join(errs, zerr.With(invalid("cache mount path must be absolute", "stage", stage), "path", m.Path))
		}
		clean := path.Clean(m.Path)
		if seen[clean] {
			errs = errors.Join(errs, zerr.With(invalid("cache mount path used twice", "stage", stage), "path", m.Path))
		}
		for other := range seen {
			if strings.HasPrefix(clean, other+"/") || strings.HasPrefix(other, clean+"/") {
				errs = errors.Join(errs, zerr.With(zerr.With(invalid("cache mount paths are nested", "stage", stage), "path", m.Path), "other", other))
			}
		}
		seen[clean] = true
		if m.Env != "" && !envVarPattern.MatchString(m.Env) {
			errs = errors.Join(errs, zerr.With(invalid("invalid environment variable name", "stage", stage), "env", m.Env))
		}
	}
	return errs
}

func (p *Pipeline) validateExtract(stage string, e *ExtractSpec) error {
	var errs error
	from, ok := p.StageByName(e.From)
	if !ok {
		errs = errors.Join(errs, zerr.With(zerr.With(ErrMissingDependency, "dependency", e.From), "stage", stage))
	} else if from.Kind != StageBuild {
		errs = errors.Join(errs, zerr.With(invalid("extract stage must read from a build stage", "stage", stage), "from", e.From))
	}
	if e.Dest == "" || escapes(e.Dest) {
		errs = errors.Join(errs, zerr.With(invalid("extract destination must be a path inside the layer", "stage", stage), "dest", e.Dest))
	}
	return errs
}

func (p *Pipeline) validateRuntime(stage string, r *RuntimeSpec) error {
	var errs error
	if !path.IsAbs(r.WorkDir) {
		errs = errors.Join(errs, invalid("runtime workdir must be absolute", "stage", stage))
	}
	if r.Output == "" {
		errs = errors.Join(errs, invalid("runtime stage has no output directory", "stage", stage))
	}
	switch r.Packages.Manager {
	case PackageManagerApt, PackageManagerApk, PackageManagerNone:
	case "":
		if len(r.Packages.Packages) > 0 {
			errs = errors.Join(errs, invalid("packages declared without a package manager", "stage", stage))
		}
	default:
		errs = errors.Join(errs, zerr.With(ErrUnknownPackageManager, "manager", string(r.Packages.Manager)))
	}
	if sorted := slices.Sorted(slices.Values(r.Packages.Packages)); len(slices.Compact(sorted)) != len(r.Packages.Packages) {
		errs = errors.Join(errs, invalid("package declared twice", "stage", stage))
	}

	envs := make(map[string]bool)
	for k := range r.Env {
		if !envVarPattern.MatchString(k) {
			errs = errors.Join(errs, zerr.With(invalid("invalid environment variable name", "stage", stage), "env", k))
		}
		envs[k] = true
	}
	for _, c := range r.Copies {
		errs = errors.Join(errs, p.validateCopy(stage, c))
		if !c.IsDataSet() {
			continue
		}
		if !envVarPattern.MatchString(c.Env) {
			errs = errors.Join(errs, zerr.With(invalid("invalid environment variable name", "stage", stage), "env", c.Env))
		}
		if envs[c.Env] {
			errs = errors.Join(errs, zerr.With(invalid("environment variable declared twice", "stage", stage), "env", c.Env))
		}
		envs[c.Env] = true
	}

	if len(r.Entrypoint) == 0 {
		errs = errors.Join(errs, invalid("runtime stage has no entrypoint", "stage", stage))
	} else if len(r.Entrypoint) > 1 {
		errs = errors.Join(errs, zerr.With(invalid("entrypoint must run the executable without arguments", "stage", stage), "entrypoint", strings.Join(r.Entrypoint, " ")))
	} else if !r.providesPath(r.EntrypointPath()) {
		errs = errors.Join(errs, zerr.With(invalid("entrypoint is not copied into the image", "stage", stage), "entrypoint", r.Entrypoint[0]))
	}
	return errs
}

func (p *Pipeline) validateCopy(stage string, c CopySpec) error {
	if c.Src == "" || c.Dest == "" {
		return invalid("copy needs a source and a destination", "stage", stage)
	}
	if c.From == "" {
		if path.IsAbs(c.Src) || escapes(c.Src) {
			return zerr.With(invalid("copy source must be inside the source tree", "stage", stage), "src", c.Src)
		}
		return nil
	}
	from, ok := p.StageByName(c.From)
	if !ok {
		return zerr.With(zerr.With(ErrMissingDependency, "dependency", c.From), "stage", stage)
	}
	if from.Kind != StageExtract || from.Extract == nil {
		return zerr.With(invalid("runtime copies may only read from extract stages", "stage", stage), "from", c.From)
	}
	if path.Clean("/"+c.Src) != path.Clean("/"+from.Extract.Dest) {
		return zerr.With(zerr.With(invalid("copy source is not produced by the referenced stage", "stage", stage), "from", c.From), "src", c.Src)
	}
	return nil
}

// providesPath reports whether a copy places a file at p, directly or inside
// a copied directory.
func (r *RuntimeSpec) providesPath(p string) bool {
	for _, c := range r.Copies {
		dest := r.DestPath(c)
		if dest == p || strings.HasPrefix(p, dest+"/") {
			return true
		}
	}
	return false
}

func escapes(p string) bool {
	clean := path.Clean(strings.TrimPrefix(p, "/"))
	return clean == "." || clean == ".." || strings.HasPrefix(clean, "../")
}

func invalid(reason, key, value string) error {
	return zerr.With(zerr.Wrap(zerr.New(reason), ErrInvalidPipeline.Error()), key, value)
}
