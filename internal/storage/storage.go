package storage

import "context"

// ObjectStore persists generated artifacts durably. Put may be invoked
// twice for the same key by racing completion paths; implementations must
// tolerate the duplicate write (overwrite or upsert), never corrupt.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) (url string, err error)
}
