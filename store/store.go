package store

import "context"

// Store is the durable prefix/key blob store every piece of scheduling
// state lives in.
type Store interface {
	Get(ctx context.Context, prefix, key string) ([]byte, error)
	Set(ctx context.Context, prefix, key string, value []byte) error
	/**
	 * Remove a prefix and key
	 * remove an unexists prefix + key would NOT return error
	 */
	Remove(ctx context.Context, prefix, key string) error

	// List calls iterator with every key under prefix until it returns false.
	List(ctx context.Context, prefix string, iterator func(key string) bool) error
}
