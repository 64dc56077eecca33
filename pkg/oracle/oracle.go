// Package oracle defines the ownership-oracle port: the authoritative
// external source of true asset ownership (in production, a chain indexing
// service queried by stake key). Every reconciliation decision either has
// positive confirmation from this oracle or is deferred; a timeout is
// always "cannot confirm", never "confirmed".
package oracle

import (
	"context"
	"errors"
)

var (
	// ErrAssetNotFound means the oracle knows the asset does not exist (or
	// is burned); distinct from not being able to answer.
	ErrAssetNotFound = errors.New("oracle: asset not found")

	// ErrUnavailable covers transport failures and timeouts. Callers must
	// fail closed on it.
	ErrUnavailable = errors.New("oracle: unavailable")
)

// Holding is one asset attributed to an account by the oracle.
type Holding struct {
	AssetID     string  `json:"asset_id"`
	RatePerHour float64 `json:"rate_per_hour"`
	DisplayName string  `json:"display_name"`
}

// Oracle answers authoritative ownership questions.
type Oracle interface {
	// Owner returns the account key that currently owns assetID.
	Owner(ctx context.Context, assetID string) (string, error)

	// Holdings returns every asset currently attributed to accountKey.
	// Used by the verification gate to cross-check claimed state.
	Holdings(ctx context.Context, accountKey string) ([]Holding, error)
}
