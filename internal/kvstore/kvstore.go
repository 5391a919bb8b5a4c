// Package kvstore is the keyed record substrate the monitor persists into.
//
// Every backend runs a closure inside a transaction: either all writes
// staged by the closure become visible, or none do. Values are encoded
// as JSON.
package kvstore

import (
	"context"
	"errors"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned by Tx.Get when the key does not exist.
var ErrNotFound = errors.New("kvstore: key not found")

// Tx is the view of the store available inside Update or View.
type Tx interface {
	// Get decodes the value stored at key into out.
	Get(key string, out any) error
	// Put encodes v and stages it at key.
	Put(key string, v any) error
	// Delete stages the removal of key. Deleting a missing key is a no-op.
	Delete(key string) error
	// Scan calls fn for every key starting with prefix, in ascending key
	// order. Returning an error from fn stops the scan.
	Scan(prefix string, fn func(key string, raw []byte) error) error
}

// Store runs transactional closures against a backend.
type Store interface {
	// Update runs fn in a read-write transaction. A non-nil error from fn
	// discards every write fn staged.
	Update(ctx context.Context, fn func(Tx) error) error
	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

// Decode unmarshals a raw value handed to a Scan callback.
func Decode(raw []byte, out any) error {
	return json.Unmarshal(raw, out)
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

var errReadOnly = errors.New("kvstore: write in read-only transaction")
