package runner

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/cache"  //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/cas"    //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/fs"     //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/logger" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/oci"    //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/pkg"    //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/adapters/shell"  //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/ports"
	"go.trai.ch/kiln/internal/engine/verifier"
)

// NodeID is the unique identifier for the runner engine Graft node.
const NodeID graft.ID = "engine.runner"

func init() {
	graft.Register(graft.Node[*Engine]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{
			shell.NodeID,
			fs.FileSystemNodeID,
			fs.HasherNodeID,
			cache.NodeID,
			pkg.NodeID,
			oci.NodeID,
			cas.NodeID,
			verifier.NodeID,
			logger.NodeID,
		},
		Run: func(ctx context.Context) (*Engine, error) {
			executor, err := graft.Dep[ports.Executor](ctx)
			if err != nil {
				return nil, err
			}
			fileSystem, err := graft.Dep[ports.FileSystem](ctx)
			if err != nil {
				return nil, err
			}
			hasher, err := graft.Dep[ports.Hasher](ctx)
			if err != nil {
				return nil, err
			}
			caches, err := graft.Dep[ports.CacheStoreFactory](ctx)
			if err != nil {
				return nil, err
			}
			installer, err := graft.Dep[ports.PackageInstaller](ctx)
			if err != nil {
				return nil, err
			}
			images, err := graft.Dep[ports.ImageStore](ctx)
			if err != nil {
				return nil, err
			}
			store, err := graft.Dep[ports.BuildInfoStore](ctx)
			if err != nil {
				return nil, err
			}
			v, err := graft.Dep[*verifier.Verifier](ctx)
			if err != nil {
				return nil, err
			}
			log, err := graft.Dep[ports.Logger](ctx)
			if err != nil {
				return nil, err
			}
			return NewEngine(executor, fileSystem, hasher, caches, installer, images, store, v, log), nil
		},
	})
}
