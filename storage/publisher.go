package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// StoreWriteError reports a document that could not be written to the new
// index. The publish continues without it.
type StoreWriteError struct {
	DocumentID string
	Label      string
	Err        error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("write document %s (%s): %v", e.DocumentID, e.Label, e.Err)
}

func (e *StoreWriteError) Unwrap() error { return e.Err }

// StoreAliasError reports that the alias could not be repointed to the new
// index. The alias still serves the previous snapshot.
type StoreAliasError struct {
	Alias string
	Index string
	Err   error
}

func (e *StoreAliasError) Error() string {
	return fmt.Sprintf("point alias %s at %s: %v", e.Alias, e.Index, e.Err)
}

func (e *StoreAliasError) Unwrap() error { return e.Err }

// PublishResult describes one completed publish.
type PublishResult struct {
	Index    string
	Alias    string
	Written  int
	Failed   []*StoreWriteError
	Previous []string
	// CleanupErr collects failures to remove previous indexes. They do not
	// affect what the alias serves.
	CleanupErr error
}

// Err merges the per-document and cleanup failures, or returns nil.
func (r *PublishResult) Err() error {
	var merr *multierror.Error
	for _, f := range r.Failed {
		merr = multierror.Append(merr, f)
	}
	if r.CleanupErr != nil {
		merr = multierror.Append(merr, r.CleanupErr)
	}
	return merr.ErrorOrNil()
}

// Publisher writes snapshots into fresh indexes and exposes them by
// atomically repointing an alias.
type Publisher struct {
	Store DocumentStore
	Log   *zap.Logger
	// Now is used to name indexes; time.Now when nil.
	Now func() time.Time
}

// NewPublisher returns a publisher writing to store.
func NewPublisher(store DocumentStore, log *zap.Logger) *Publisher {
	return &Publisher{Store: store, Log: log}
}

// Publish writes docs into a new index named after collection and points
// alias at it. Readers of the alias see either the previous snapshot or the
// whole new one.
//
// Documents that fail to write are reported in the result. If the alias
// cannot be moved a *StoreAliasError is returned, the new index is dropped
// and the previous snapshot stays in place.
func (p *Publisher) Publish(ctx context.Context, docs []Document, collection, alias string) (*PublishResult, error) {
	now := time.Now
	if p.Now != nil {
		now = p.Now
	}
	index := NewIndexName(collection, now())
	log := p.Log.With(zap.String("index", index), zap.String("alias", alias))

	if err := p.Store.CreateIndex(ctx, index); err != nil {
		return nil, fmt.Errorf("create index %s: %w", index, err)
	}

	res := &PublishResult{Index: index, Alias: alias}
	for _, d := range docs {
		if err := ctx.Err(); err != nil {
			p.abandon(index, log)
			return nil, err
		}
		if _, err := p.Store.Save(ctx, index, d.ID, d.Source); err != nil {
			log.Warn("document not written", zap.String("id", d.ID), zap.String("label", d.Label), zap.Error(err))
			res.Failed = append(res.Failed, &StoreWriteError{DocumentID: d.ID, Label: d.Label, Err: err})
			continue
		}
		res.Written++
	}

	if len(docs) > 0 && res.Written == 0 {
		p.abandon(index, log)
		return res, fmt.Errorf("no document of %d written to %s, keeping previous snapshot: %w",
			len(docs), index, res.Err())
	}

	if err := p.Store.Flush(ctx, index); err != nil {
		p.abandon(index, log)
		return res, fmt.Errorf("flush %s: %w", index, err)
	}

	previous, err := p.Store.SwapAlias(ctx, alias, index)
	if err != nil {
		p.abandon(index, log)
		return res, &StoreAliasError{Alias: alias, Index: index, Err: err}
	}
	res.Previous = previous

	var cleanup *multierror.Error
	for _, old := range previous {
		if err := p.Store.RemoveIndex(ctx, old); err != nil {
			log.Warn("previous index not removed", zap.String("previous", old), zap.Error(err))
			cleanup = multierror.Append(cleanup, fmt.Errorf("remove index %s: %w", old, err))
		}
	}
	res.CleanupErr = cleanup.ErrorOrNil()

	log.Info("snapshot published",
		zap.Int("written", res.Written), zap.Int("failed", len(res.Failed)), zap.Strings("previous", previous))
	return res, nil
}

// abandon drops a new index that never became visible through the alias.
func (p *Publisher) abandon(index string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.Store.RemoveIndex(ctx, index); err != nil {
		log.Warn("abandoned index not removed", zap.Error(err))
	}
}
