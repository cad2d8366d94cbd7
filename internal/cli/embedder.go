//go:build !onnx

package cli

import (
	"github.com/openmem/mnemo/config"
	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/provider/embed/mock"
)

// Builds without the onnx tag embed with the deterministic hash embedder.
// Vectors are stable per text but carry no semantics; use an onnx build for
// real retrieval quality.
func newEmbedder(cfg *config.Config) (provider.Embedder, error) {
	return mock.New(cfg.Store.Dimensions), nil
}
