// Package config provides the pipeline file loader for kiln.
package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"go.trai.ch/kiln/internal/core/domain"
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// Environment variables that override values of the pipeline file.
const (
	EnvS3Endpoint  = "KILN_S3_ENDPOINT"
	EnvS3AccessKey = "KILN_S3_ACCESS_KEY"
	EnvS3SecretKey = "KILN_S3_SECRET_KEY"
)

// SupportedVersion is the only pipeline file version understood by the loader.
const SupportedVersion = "1"

// Loader implements ports.ConfigLoader using a YAML file.
type Loader struct {
	Logger ports.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(log ports.Logger) *Loader {
	return &Loader{Logger: log}
}

// Load reads the pipeline file at path. Relative paths inside the file are
// resolved against the directory holding it.
func (l *Loader) Load(path string) (*domain.Pipeline, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrConfigReadFailed.Error()), "path", path)
	}
	data, err := os.ReadFile(abs) //nolint:gosec // path is provided by user
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrConfigReadFailed.Error()), "path", path)
	}

	var file Kilnfile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, zerr.With(zerr.Wrap(err, domain.ErrConfigParseFailed.Error()), "path", path)
	}
	if file.Version != "" && file.Version != SupportedVersion {
		return nil, zerr.With(zerr.With(domain.ErrConfigParseFailed, "version", file.Version), "path", path)
	}
	if file.Version == "" && l.Logger != nil {
		l.Logger.Warn("pipeline file has no version, assuming " + SupportedVersion)
	}

	p := l.toDomain(filepath.Dir(abs), &file)
	l.applyEnv(p)
	return p, nil
}

func (l *Loader) toDomain(root string, f *Kilnfile) *domain.Pipeline {
	p := &domain.Pipeline{
		Name: f.Name,
		Root: root,
		Source: domain.SourceSpec{
			Path:   resolve(root, f.Source.Path),
			Ignore: canonicalize(f.Source.Ignore),
		},
		Params: domain.DefaultBuildParams().Override(domain.BuildParams{
			PanicPolicy: domain.PanicPolicy(strings.ToLower(strings.TrimSpace(f.Params.PanicPolicy))),
			VersionTag:  f.Params.VersionTag,
		}),
		Cache: domain.CacheBackend{
			Kind: domain.CacheBackendKind(f.Cache.Backend),
			S3: domain.S3Backend{
				Endpoint: f.Cache.S3.Endpoint,
				Bucket:   f.Cache.S3.Bucket,
				Region:   f.Cache.S3.Region,
				Prefix:   f.Cache.S3.Prefix,
				UseSSL:   f.Cache.S3.UseSSL == nil || *f.Cache.S3.UseSSL,
			},
		},
		Caches: make(map[string]domain.CacheArea, len(f.Caches)),
		Verify: domain.VerifySpec{Forbid: canonicalize(f.Verify.Forbid)},
	}
	if p.Cache.Kind == "" {
		p.Cache.Kind = domain.CacheBackendFS
	}
	if f.Cache.Dir != "" {
		p.Cache.Dir = resolve(root, f.Cache.Dir)
	}
	if p.Source.Path == "" {
		p.Source.Path = root
	}

	for name, area := range f.Caches {
		scope := domain.CacheScope(area.Scope)
		if scope == "" {
			scope = domain.CacheScopeShared
		}
		p.Caches[name] = domain.CacheArea{Name: name, Scope: scope}
	}

	names := make([]string, 0, len(f.Stages))
	for name := range f.Stages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		p.Stages = append(p.Stages, toStage(root, name, f.Stages[name]))
	}
	return p
}

func toStage(root, name string, dto StageDTO) domain.Stage {
	s := domain.Stage{
		Name:      name,
		Kind:      domain.StageKind(dto.Kind),
		DependsOn: canonicalize(dto.DependsOn),
	}
	switch s.Kind {
	case domain.StageBuild:
		mounts := make([]domain.CacheMount, 0, len(dto.Mounts))
		for _, m := range dto.Mounts {
			mounts = append(mounts, domain.CacheMount(m))
		}
		s.Build = &domain.BuildSpec{
			Base:     dto.Base,
			WorkDir:  dto.WorkDir,
			Target:   dto.Target,
			Command:  dto.Command,
			Artifact: dto.Artifact,
			Mounts:   mounts,
			Env:      dto.Env,
		}
	case domain.StageExtract:
		s.Extract = &domain.ExtractSpec{From: dto.From, Dest: dto.Dest}
	case domain.StageRuntime:
		rt := &domain.RuntimeSpec{
			Base:       dto.Base,
			WorkDir:    dto.WorkDir,
			Env:        dto.Env,
			Entrypoint: dto.Entrypoint,
			Tag:        dto.Tag,
		}
		if dto.Output != "" {
			rt.Output = resolve(root, dto.Output)
		}
		if dto.Packages != nil {
			rt.Packages = domain.PackageSpec{
				Manager:  domain.PackageManager(dto.Packages.Manager),
				Packages: dto.Packages.Install,
			}
		}
		for _, c := range dto.Copy {
			rt.Copies = append(rt.Copies, domain.CopySpec(c))
		}
		s.Runtime = rt
	}
	return s
}

// applyEnv overlays build parameters and S3 settings from the environment.
func (l *Loader) applyEnv(p *domain.Pipeline) {
	var o domain.BuildParams
	if v, ok := os.LookupEnv(domain.EnvPanicPolicy); ok {
		o.PanicPolicy = domain.PanicPolicy(strings.ToLower(strings.TrimSpace(v)))
	}
	if v, ok := os.LookupEnv(domain.EnvVersionTag); ok {
		o.VersionTag = v
	}
	p.Params = p.Params.Override(o)

	if v := os.Getenv(EnvS3Endpoint); v != "" {
		p.Cache.S3.Endpoint = v
	}
	p.Cache.S3.AccessKey = os.Getenv(EnvS3AccessKey)
	p.Cache.S3.SecretKey = os.Getenv(EnvS3SecretKey)
}

func resolve(root, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}

func canonicalize(strs []string) []string {
	if len(strs) == 0 {
		return nil
	}
	sorted := slices.Clone(strs)
	slices.Sort(sorted)
	return slices.Compact(sorted)
}
