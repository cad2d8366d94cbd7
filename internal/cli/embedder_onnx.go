//go:build onnx

package cli

import (
	"github.com/openmem/mnemo/config"
	"github.com/openmem/mnemo/provider"
	"github.com/openmem/mnemo/provider/embed/onnx"
)

func newEmbedder(cfg *config.Config) (provider.Embedder, error) {
	return onnx.New(onnx.Config{
		ModelPath:     cfg.Provider.OnnxModelPath,
		TokenizerPath: cfg.Provider.OnnxTokenizerPath,
		LibraryPath:   cfg.Provider.OnnxLibraryPath,
		Dimensions:    cfg.Store.Dimensions,
	})
}
