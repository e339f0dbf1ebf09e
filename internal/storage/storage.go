// Package storage keeps the latest submission record per market for the
// status and feed views.
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/pkg/errors"
)

// DefaultFeedLimit is used when a caller asks for a non-positive number of records.
const DefaultFeedLimit = 20

// Status is the terminal state of a submission.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Record is the latest known submission for a market.
type Record struct {
	MarketID   string             `json:"marketId"`
	Kind       resolution.Kind    `json:"kind"`
	Status     Status             `json:"status"`
	TxHash     string             `json:"txHash,omitempty"`
	Error      string             `json:"error,omitempty"`
	Code       string             `json:"code,omitempty"`
	Outcome    resolution.Outcome `json:"outcome,omitempty"`
	Confidence uint8              `json:"confidence,omitempty"`
	ProofHash  string             `json:"proofHash,omitempty"`
	UpdatedAt  time.Time          `json:"updatedAt"`
}

// Store persists records. Save replaces any earlier record for the market.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, marketID string) (Record, error)
	Latest(ctx context.Context, limit int) ([]Record, error)
}

func notFound(marketID string) error {
	return errors.WrapWithField(
		errors.NewStorageError(errors.StorageErrNotFound, "no submission recorded for market", nil),
		"market_id", marketID)
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.records[rec.MarketID] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, marketID string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[marketID]
	if !ok {
		return Record{}, notFound(marketID)
	}
	return rec, nil
}

func (s *MemoryStore) Latest(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = DefaultFeedLimit
	}
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
