package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ErrNotFound is returned by Load when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one snapshot entry to be written.
type Document struct {
	// ID is the document id inside the index.
	ID string
	// Label names what the document describes (e.g. the security server);
	// it is only used in publish reports.
	Label  string
	Source map[string]any
}

// Hit is a document read back from the store.
type Hit struct {
	ID     string
	Source map[string]any
}

// DocumentStore abstracts the search store snapshots are published to.
// Implementations must be safe for concurrent use by multiple goroutines.
type DocumentStore interface {
	// CreateIndex creates an empty index.
	CreateIndex(ctx context.Context, name string) error
	// Save writes doc into collection (an index, or an alias with a single
	// index) under id and returns the stored id. An empty id lets the store
	// pick one. A missing index is created.
	Save(ctx context.Context, collection, id string, doc any) (string, error)
	// Load returns the source of a document or ErrNotFound.
	Load(ctx context.Context, collection, id string) (map[string]any, error)
	IndexExists(ctx context.Context, name string) (bool, error)
	AliasExists(ctx context.Context, name string) (bool, error)
	// AliasIndexes lists the indexes the alias points at.
	AliasIndexes(ctx context.Context, alias string) ([]string, error)
	AddIndexToAlias(ctx context.Context, index, alias string) error
	RemoveAllIndexesFromAlias(ctx context.Context, alias string) error
	// SwapAlias points alias at index and detaches it from every other
	// index in one atomic operation. It returns the detached indexes.
	SwapAlias(ctx context.Context, alias, index string) ([]string, error)
	RemoveIndex(ctx context.Context, name string) error
	// Flush makes every written document visible to FindAll. With no
	// indexes given all indexes are flushed.
	Flush(ctx context.Context, indexes ...string) error
	// FindAll returns every document reachable through collection.
	FindAll(ctx context.Context, collection string) ([]Hit, error)
	Close() error
}

// DocumentID derives a stable document id from identity fields.
func DocumentID(parts ...string) string {
	h := xxhash.New()
	for i, p := range parts {
		if i > 0 {
			_, _ = h.Write([]byte{0})
		}
		_, _ = h.WriteString(p)
	}
	var buf [8]byte
	return hex.EncodeToString(h.Sum(buf[:0]))
}

// NewIndexName returns a fresh, unique, lowercase index name for prefix.
func NewIndexName(prefix string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return strings.ToLower(fmt.Sprintf("%s-%s-%s", prefix, now.UTC().Format("20060102150405"), suffix))
}
