// Package worklist holds the ordered set of items a race tries to claim.
//
// A Worklist is safe for concurrent use. Every mutation is applied in memory
// first and then handed to the Persister; a persistence failure is reported
// to the caller but never rolls back the in-memory state.
package worklist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joescharf/enroll/internal/enrollerr"
	"github.com/joescharf/enroll/internal/models"
	"github.com/joescharf/enroll/internal/store"
)

// ErrDuplicate is returned by Add when an item with the same handle exists.
var ErrDuplicate = errors.New("item with this handle already in worklist")

// ErrUnknownItem is returned when a handle is not in the worklist.
var ErrUnknownItem = errors.New("item not in worklist")

// Persister stores worklist mutations. store.SQLiteStore satisfies it.
type Persister interface {
	ListItems(ctx context.Context) ([]*models.Item, error)
	CreateItem(ctx context.Context, item *models.Item) error
	UpdateItem(ctx context.Context, item *models.Item) error
	DeleteItem(ctx context.Context, id string) error
}

// Worklist is a mutex-guarded, ordered collection of items keyed by handle.
type Worklist struct {
	mu       sync.Mutex
	items    []*models.Item
	byHandle map[string]*models.Item
	persist  Persister
	now      func() time.Time
}

// New returns an empty worklist backed by p. A nil Persister keeps the
// worklist in memory only.
func New(p Persister) *Worklist {
	return &Worklist{
		byHandle: make(map[string]*models.Item),
		persist:  p,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load replaces the in-memory contents with what the Persister holds.
func (w *Worklist) Load(ctx context.Context) error {
	if w.persist == nil {
		return nil
	}
	items, err := w.persist.ListItems(ctx)
	if err != nil {
		return enrollerr.Wrap(enrollerr.KindPersistence, "load worklist", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.items = w.items[:0]
	w.byHandle = make(map[string]*models.Item, len(items))
	for _, it := range items {
		if _, dup := w.byHandle[it.Handle]; dup {
			continue
		}
		w.items = append(w.items, it)
		w.byHandle[it.Handle] = it
	}
	return nil
}

// Add appends a resolved item. Items whose handle is already present are
// rejected with ErrDuplicate.
func (w *Worklist) Add(ctx context.Context, item *models.Item) error {
	if item.Handle == "" {
		return fmt.Errorf("add %s: empty handle", item.PublicCode)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, dup := w.byHandle[item.Handle]; dup {
		return fmt.Errorf("add %s: %w", item.PublicCode, ErrDuplicate)
	}

	if w.persist != nil {
		if err := w.persist.CreateItem(ctx, item); err != nil {
			if errors.Is(err, store.ErrDuplicateHandle) {
				return fmt.Errorf("add %s: %w", item.PublicCode, ErrDuplicate)
			}
			return enrollerr.Wrap(enrollerr.KindPersistence, "add item", err).WithCode(item.PublicCode)
		}
	}
	w.items = append(w.items, item)
	w.byHandle[item.Handle] = item
	return nil
}

// Remove deletes the item with the given handle.
func (w *Worklist) Remove(ctx context.Context, handle string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	item, ok := w.byHandle[handle]
	if !ok {
		return fmt.Errorf("remove %s: %w", handle, ErrUnknownItem)
	}
	delete(w.byHandle, handle)
	for i, it := range w.items {
		if it == item {
			w.items = append(w.items[:i], w.items[i+1:]...)
			break
		}
	}

	if w.persist != nil && item.ID != "" {
		if err := w.persist.DeleteItem(ctx, item.ID); err != nil {
			return enrollerr.Wrap(enrollerr.KindPersistence, "remove item", err).WithCode(item.PublicCode)
		}
	}
	return nil
}

// Reset clears the claimed flag. With no handles every item is reset.
// It returns how many items changed.
func (w *Worklist) Reset(ctx context.Context, handles ...string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var targets []*models.Item
	if len(handles) == 0 {
		targets = w.items
	} else {
		for _, h := range handles {
			it, ok := w.byHandle[h]
			if !ok {
				return 0, fmt.Errorf("reset %s: %w", h, ErrUnknownItem)
			}
			targets = append(targets, it)
		}
	}

	var changed int
	var errs []error
	for _, it := range targets {
		if !it.Claimed {
			continue
		}
		it.Claimed = false
		it.ClaimedAt = nil
		changed++
		if err := w.save(ctx, it); err != nil {
			errs = append(errs, err)
		}
	}
	return changed, errors.Join(errs...)
}

// MarkClaimed flips the item's claimed flag to true. Only the first caller
// for a handle changes state and persists it; it reports first=true. Later
// callers are no-ops. A non-nil error means the transition happened in
// memory but could not be saved.
func (w *Worklist) MarkClaimed(ctx context.Context, handle string) (first bool, err error) {
	w.mu.Lock()
	it, ok := w.byHandle[handle]
	if !ok {
		w.mu.Unlock()
		return false, fmt.Errorf("mark %s: %w", handle, ErrUnknownItem)
	}
	if it.Claimed {
		w.mu.Unlock()
		return false, nil
	}
	now := w.now()
	it.Claimed = true
	it.ClaimedAt = &now
	it.UpdatedAt = now
	saved := *it
	w.mu.Unlock()

	// The transition is decided; the write runs without the lock.
	return true, w.save(ctx, &saved)
}

// IsClaimed reports whether the item with the given handle has been claimed.
// Unknown handles report true so callers stop working on them.
func (w *Worklist) IsClaimed(handle string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	it, ok := w.byHandle[handle]
	return !ok || it.Claimed
}

// Pending returns copies of unclaimed items in insertion order.
func (w *Worklist) Pending() []models.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []models.Item
	for _, it := range w.items {
		if !it.Claimed {
			out = append(out, *it)
		}
	}
	return out
}

// Snapshot returns copies of all items in insertion order.
func (w *Worklist) Snapshot() []models.Item {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Item, 0, len(w.items))
	for _, it := range w.items {
		out = append(out, *it)
	}
	return out
}

// Len returns the number of items.
func (w *Worklist) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.items)
}

// FindByCode returns a copy of the first item with the given public code.
func (w *Worklist) FindByCode(code string) (models.Item, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, it := range w.items {
		if it.PublicCode == code {
			return *it, true
		}
	}
	return models.Item{}, false
}

// save must be called with mu held.
func (w *Worklist) save(ctx context.Context, it *models.Item) error {
	if w.persist == nil {
		return nil
	}
	if err := w.persist.UpdateItem(ctx, it); err != nil {
		return enrollerr.Wrap(enrollerr.KindPersistence, "save item", err).WithCode(it.PublicCode)
	}
	return nil
}
