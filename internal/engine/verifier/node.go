package verifier

import (
	"context"

	"github.com/grindlemire/graft"
	"go.trai.ch/kiln/internal/adapters/oci" //nolint:depguard // Wired in engine wiring
	"go.trai.ch/kiln/internal/core/ports"
)

// NodeID is the unique identifier for the verifier Graft node.
const NodeID graft.ID = "engine.verifier"

func init() {
	graft.Register(graft.Node[*Verifier]{
		ID:        NodeID,
		Cacheable: true,
		DependsOn: []graft.ID{oci.NodeID},
		Run: func(ctx context.Context) (*Verifier, error) {
			images, err := graft.Dep[ports.ImageStore](ctx)
			if err != nil {
				return nil, err
			}
			return New(images), nil
		},
	})
}
