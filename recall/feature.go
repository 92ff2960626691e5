package recall

import "context"

// FeatureClient resolves a user to the embedding used as search query.
//
// Lookup reports ok=false when the user has no embedding; err is reserved
// for failures of the feature store itself. Implementations should honor ctx,
// but the service bounds every call by its own timeout regardless.
type FeatureClient interface {
	Lookup(ctx context.Context, userID int64) (vec []float32, ok bool, err error)
}

// FeatureClientFunc adapts a function to FeatureClient.
type FeatureClientFunc func(ctx context.Context, userID int64) ([]float32, bool, error)

// Lookup calls f.
func (f FeatureClientFunc) Lookup(ctx context.Context, userID int64) ([]float32, bool, error) {
	return f(ctx, userID)
}
