package purchase

import (
	"context"
	"errors"
	"sync"
	"time"

	"licensegate/internal/license"
)

// ErrSaleInFlight means another worker holds the reservation for a sale
// and has not finished issuing yet. Callers may retry.
var ErrSaleInFlight = errors.New("sale is being processed")

// Sale is the remembered result of a processed purchase.
type Sale struct {
	SaleID      string          `json:"saleId"`
	Identity    string          `json:"identity"`
	Token       license.Token   `json:"token"`
	Payload     license.Payload `json:"payload"`
	ProcessedAt time.Time       `json:"processedAt"`
}

// SaleStore is the dedup set keyed by sale id. Reserve is an atomic
// check-and-insert: exactly one caller per sale id gets reserved=true
// until the reservation is released or completed with Put.
type SaleStore interface {
	// Reserve returns the stored sale if saleID was already processed,
	// reserved=true if the caller now owns it, or ErrSaleInFlight.
	Reserve(ctx context.Context, saleID string) (sale *Sale, reserved bool, err error)
	// Put completes a reservation.
	Put(ctx context.Context, sale Sale) error
	// Release drops an uncompleted reservation.
	Release(ctx context.Context, saleID string) error
}

type memoryEntry struct {
	sale    *Sale
	expires time.Time
}

// MemoryStore keeps processed sales in process memory. It is lost on
// restart and not shared between replicas.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	retention time.Duration
	now       func() time.Time
}

// NewMemoryStore creates an in-memory store. A zero retention keeps sales
// forever.
func NewMemoryStore(retention time.Duration) *MemoryStore {
	return &MemoryStore{
		entries:   make(map[string]memoryEntry),
		retention: retention,
		now:       time.Now,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, saleID string) (*Sale, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[saleID]
	if ok && !entry.expires.IsZero() && !s.now().Before(entry.expires) {
		delete(s.entries, saleID)
		ok = false
	}
	if ok {
		if entry.sale == nil {
			return nil, false, ErrSaleInFlight
		}
		sale := *entry.sale
		return &sale, false, nil
	}

	s.entries[saleID] = memoryEntry{}
	return nil, true, nil
}

func (s *MemoryStore) Put(_ context.Context, sale Sale) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{sale: &sale}
	if s.retention > 0 {
		entry.expires = s.now().Add(s.retention)
	}
	s.entries[sale.SaleID] = entry
	return nil
}

func (s *MemoryStore) Release(_ context.Context, saleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.entries[saleID]; ok && entry.sale == nil {
		delete(s.entries, saleID)
	}
	return nil
}

// Len reports how many sale ids are remembered, reservations included.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
