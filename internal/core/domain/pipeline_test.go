package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.trai.ch/kiln/internal/core/domain"
)

func validPipeline() *domain.Pipeline {
	return &domain.Pipeline{
		Name:   "server",
		Source: domain.SourceSpec{Path: "."},
		Params: domain.DefaultBuildParams(),
		Caches: map[string]domain.CacheArea{
			"registry": {Name: "registry", Scope: domain.CacheScopeShared},
			"target":   {Name: "target", Scope: domain.CacheScopePipeline},
		},
		Stages: []domain.Stage{
			{
				Name: "build",
				Kind: domain.StageBuild,
				Build: &domain.BuildSpec{
					WorkDir:  "/usr/src/app",
					Target:   "server",
					Command:  []string{"cargo", "build", "--release", "--bin", "$BUILD_TARGET"},
					Artifact: "target/release/server",
					Mounts: []domain.CacheMount{
						{Cache: "registry", Path: "/usr/local/cargo/registry", Env: "CARGO_HOME"},
						{Cache: "target", Path: "/usr/src/app/target"},
					},
				},
			},
			{
				Name:    "extract",
				Kind:    domain.StageExtract,
				Extract: &domain.ExtractSpec{From: "build", Dest: "/out/server"},
			},
			{
				Name: "runtime",
				Kind: domain.StageRuntime,
				Runtime: &domain.RuntimeSpec{
					Base:     "scratch",
					Packages: domain.PackageSpec{Manager: domain.PackageManagerApt, Packages: []string{"libssl3", "ca-certificates"}},
					WorkDir:  "/app",
					Copies: []domain.CopySpec{
						{From: "extract", Src: "/out/server", Dest: "server"},
						{Src: "migrations", Dest: "migrations", Env: "PRIMARY_MIGRATIONS_PATH"},
						{Src: "ledger-migrations", Dest: "ledger-migrations", Env: "SECONDARY_MIGRATIONS_PATH"},
					},
					Env:        map[string]string{"RUST_LOG": "info"},
					Entrypoint: []string{"./server"},
					Tag:        "server:latest",
					Output:     "dist/image",
				},
			},
		},
	}
}

func TestPipeline_Validate(t *testing.T) {
	t.Run("accepts a complete pipeline", func(t *testing.T) {
		g, err := validPipeline().Validate()
		require.NoError(t, err)
		assert.Equal(t, []string{"build", "extract", "runtime"}, g.ExecutionOrder())
	})

	tests := []struct {
		name    string
		mutate  func(p *domain.Pipeline)
		kind    error
		contain string
	}{
		{
			name:    "missing runtime stage",
			mutate:  func(p *domain.Pipeline) { p.Stages = p.Stages[:2] },
			kind:    domain.ErrInvalidPipeline,
			contain: "exactly one stage of each kind",
		},
		{
			name: "command does not select target",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Build.Command = []string{"cargo", "build", "--release"}
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "does not select the target",
		},
		{
			name: "mount of an undeclared cache",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Build.Mounts[0].Cache = "ghost"
			},
			kind: domain.ErrUnknownCache,
		},
		{
			name: "relative mount path",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Build.Mounts[1].Path = "target"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "must be absolute",
		},
		{
			name: "nested mount paths",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].Build.Mounts[0].Path = "/usr/src/app/target/release"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "cache mount paths are nested",
		},
		{
			name: "extract from a runtime stage",
			mutate: func(p *domain.Pipeline) {
				p.Stages[1].Extract.From = "runtime"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "must read from a build stage",
		},
		{
			name: "copy source not produced by stage",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Copies[0].Src = "/out/other"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "not produced by the referenced stage",
		},
		{
			name: "duplicate data set variable",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Copies[2].Env = "PRIMARY_MIGRATIONS_PATH"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "declared twice",
		},
		{
			name: "entrypoint not copied",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Entrypoint = []string{"/bin/server"}
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "entrypoint is not copied",
		},
		{
			name: "entrypoint with arguments",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Entrypoint = []string{"./server", "--migrate"}
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "without arguments",
		},
		{
			name: "copy source escapes the source tree",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Copies[1].Src = "../secrets"
			},
			kind:    domain.ErrInvalidPipeline,
			contain: "inside the source tree",
		},
		{
			name: "unknown package manager",
			mutate: func(p *domain.Pipeline) {
				p.Stages[2].Runtime.Packages.Manager = "yum"
			},
			kind: domain.ErrUnknownPackageManager,
		},
		{
			name: "invalid panic policy",
			mutate: func(p *domain.Pipeline) {
				p.Params.PanicPolicy = "explode"
			},
			kind: domain.ErrInvalidPanicPolicy,
		},
		{
			name: "explicit dependency cycle",
			mutate: func(p *domain.Pipeline) {
				p.Stages[0].DependsOn = []string{"runtime"}
			},
			kind: domain.ErrCycleDetected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validPipeline()
			tt.mutate(p)

			g, err := p.Validate()
			require.Error(t, err)
			assert.Nil(t, g)
			assert.True(t, domain.IsKind(err, tt.kind), "expected %v, got %v", tt.kind, err)
			if tt.contain != "" {
				assert.Contains(t, err.Error(), tt.contain)
			}
		})
	}
}

func TestRuntimeSpec_ImageEnv(t *testing.T) {
	p := validPipeline()
	rt, ok := p.StageOfKind(domain.StageRuntime)
	require.True(t, ok)

	assert.Equal(t, []string{
		"PRIMARY_MIGRATIONS_PATH=/app/migrations",
		"RUST_LOG=info",
		"SECONDARY_MIGRATIONS_PATH=/app/ledger-migrations",
	}, rt.Runtime.ImageEnv())

	sets := rt.Runtime.DataSets()
	require.Len(t, sets, 2)
	assert.Equal(t, "migrations", sets[0].Name)
	assert.Equal(t, "/app/ledger-migrations", sets[1].Dest)
	assert.Equal(t, "/app/server", rt.Runtime.EntrypointPath())
}

func TestCacheArea_Key(t *testing.T) {
	assert.Equal(t, "registry", domain.CacheArea{Name: "registry", Scope: domain.CacheScopeShared}.Key("server"))
	assert.Equal(t, "server/target", domain.CacheArea{Name: "target", Scope: domain.CacheScopePipeline}.Key("server"))
}

func TestBuildSpec_ArtifactPath(t *testing.T) {
	b := domain.BuildSpec{WorkDir: "/usr/src/app", Artifact: "target/release/server"}
	assert.Equal(t, "/usr/src/app/target/release/server", b.ArtifactPath())

	b.Artifact = "/opt/out/server"
	assert.Equal(t, "/opt/out/server", b.ArtifactPath())
}
