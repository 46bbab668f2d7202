package kvstore

import "errors"

// NoOp can be returned from an Update callback to leave the stored value untouched.
var NoOp = errors.New("no-op")

// KVStore is a simple key-value store interface
type KVStore interface {
	// Get retrieves a value for a given key. Returns nil if not found.
	Get(key []byte) ([]byte, error)

	// Set stores a value for a given key
	Set(key []byte, value []byte) error

	// Delete removes a key and its value. Deleting a missing key is not an error.
	Delete(key []byte) error

	// Update atomically reads the current value (nil if missing), passes it to f and stores what f
	// returns. A nil result deletes the key, NoOp keeps it as it is, any other error aborts.
	Update(key []byte, f func([]byte) ([]byte, error)) error

	// Close releases any resources held by the store
	Close() error
}
