package vectorstore

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/exambuddy/internal/config"
)

// NewStore creates the Store selected by cfg.VectorStore.Provider:
//   - "qdrant" (default): QdrantStore, requires a running Qdrant server
//   - "chromem": embedded ChromemStore, single process only
//
// dimension is the embedder's output size, used for collection info.
func NewStore(cfg *config.Config, embedder Embedder, dimension int, logger *zap.Logger) (Store, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant", "":
		store, err := NewQdrantStore(QdrantConfig{
			Host:   cfg.Qdrant.Host,
			Port:   cfg.Qdrant.Port,
			APIKey: cfg.Qdrant.APIKey.Value(),
			UseTLS: cfg.Qdrant.UseTLS,
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("creating qdrant store: %w", err)
		}
		return store, nil

	case "chromem":
		store, err := NewChromemStore(ChromemConfig{
			Path:       cfg.VectorStore.ChromemPath,
			Compress:   cfg.VectorStore.ChromemCompress,
			VectorSize: dimension,
		}, embedder, logger)
		if err != nil {
			return nil, fmt.Errorf("creating chromem store: %w", err)
		}
		return store, nil

	default:
		return nil, fmt.Errorf("%w: unsupported vectorstore provider: %s (supported: qdrant, chromem)",
			ErrInvalidConfig, cfg.VectorStore.Provider)
	}
}
