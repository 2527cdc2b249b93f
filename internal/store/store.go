// Package store defines the document store contract the engine coordinates
// against. The engine only ever needs ID-ordered pagination and single
// document mutations, so the contract stays deliberately narrow and any
// document database can sit behind it.
package store

import (
	"context"
	"errors"

	"github.com/ferrydb/ferry/internal/models"
)

var (
	// ErrNotFound is returned when no document matches the given ID.
	ErrNotFound = errors.New("store: document not found")

	// ErrDuplicateID is returned by InsertOne when the ID already exists.
	ErrDuplicateID = errors.New("store: duplicate document id")
)

// Filter matches documents by top-level field equality. Values must be
// comparable scalars. A nil or empty filter matches everything.
type Filter map[string]interface{}

// DocumentStore is the persistence contract
type DocumentStore interface {
	// Find returns up to limit documents from collection matching filter,
	// ordered by document ID, starting strictly after afterID. Pass
	// afterID "" to start from the beginning and limit <= 0 for no limit.
	Find(ctx context.Context, collection string, filter Filter, afterID string, limit int) ([]models.Document, error)

	// InsertOne inserts a document. The document must carry an _id.
	InsertOne(ctx context.Context, collection string, doc models.Document) error

	// UpdateOne merges set into the document with the given ID, field by
	// field. Returns ErrNotFound when the document does not exist.
	UpdateOne(ctx context.Context, collection, id string, set models.Document) error

	// DeleteOne removes the document with the given ID. Returns
	// ErrNotFound when the document does not exist.
	DeleteOne(ctx context.Context, collection, id string) error

	// Count returns the number of documents matching filter.
	Count(ctx context.Context, collection string, filter Filter) (int64, error)

	// ListCollections returns the known collection names, sorted.
	ListCollections(ctx context.Context) ([]string, error)

	Close() error
}

// Matches reports whether doc satisfies the filter.
func (f Filter) Matches(doc models.Document) bool {
	for k, want := range f {
		got, ok := doc[k]
		if !ok || got != want {
			return false
		}
	}
	return true
}
