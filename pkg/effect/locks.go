package effect

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

// ConflictError reports an admission refused because another holder has
// the resource in an incompatible mode.
type ConflictError struct {
	Resource string
	Holder   string
	Wanted   Isolation
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("effect: resource %q held by %s (wanted %s)", e.Resource, e.Holder, e.Wanted)
}

// ErrorIR classifies the conflict as retriable.
func (e *ConflictError) ErrorIR() *errorir.Error {
	return errorir.New(errorir.KindIsolationConflict, "resource %q is in use", e.Resource).
		WithField(e.Resource).
		WithHint("held by " + e.Holder).
		WithRequires(e.Resource).
		WithCause(e)
}

type resourceState struct {
	writer  string
	readers map[string]int
}

// LockTable admits operations according to their bound effect model.
// SharedRead takes a shared hold per resource, Exclusive a sole hold.
// Independent operations and models with no resources are admitted
// without touching the table.
type LockTable struct {
	mu        sync.Mutex
	resources map[string]*resourceState
	changed   chan struct{}
}

// NewLockTable creates an empty table.
func NewLockTable() *LockTable {
	return &LockTable{
		resources: make(map[string]*resourceState),
		changed:   make(chan struct{}),
	}
}

// TryAcquire admits holder under m or returns a *ConflictError without
// waiting. The returned release func is idempotent.
func (t *LockTable) TryAcquire(holder string, m Model) (func(), error) {
	release, _, err := t.tryAcquire(holder, m)
	return release, err
}

func (t *LockTable) tryAcquire(holder string, m Model) (func(), <-chan struct{}, error) {
	if !m.touches() {
		return func() {}, nil, nil
	}
	resources := append([]string(nil), m.Resources...)
	sort.Strings(resources)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, r := range resources {
		st := t.resources[r]
		if st == nil {
			continue
		}
		if st.writer != "" {
			return nil, t.changed, &ConflictError{Resource: r, Holder: st.writer, Wanted: m.Isolation}
		}
		if m.Isolation == Exclusive && len(st.readers) > 0 {
			return nil, t.changed, &ConflictError{Resource: r, Holder: firstHolder(st.readers), Wanted: m.Isolation}
		}
	}

	for _, r := range resources {
		st := t.resources[r]
		if st == nil {
			st = &resourceState{readers: make(map[string]int)}
			t.resources[r] = st
		}
		if m.Isolation == Exclusive {
			st.writer = holder
		} else {
			st.readers[holder]++
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { t.release(holder, m.Isolation, resources) })
	}, nil, nil
}

func (t *LockTable) release(holder string, iso Isolation, resources []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, r := range resources {
		st := t.resources[r]
		if st == nil {
			continue
		}
		if iso == Exclusive {
			if st.writer == holder {
				st.writer = ""
			}
		} else if st.readers[holder] > 1 {
			st.readers[holder]--
		} else {
			delete(st.readers, holder)
		}
		if st.writer == "" && len(st.readers) == 0 {
			delete(t.resources, r)
		}
	}
	close(t.changed)
	t.changed = make(chan struct{})
}

// Acquire blocks until holder is admitted under m or ctx is done.
func (t *LockTable) Acquire(ctx context.Context, holder string, m Model) (func(), error) {
	for {
		release, wait, err := t.tryAcquire(holder, m)
		if err == nil {
			return release, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("effect: waiting for %s: %w", err.(*ConflictError).Resource, ctx.Err())
		case <-wait:
		}
	}
}

// Held returns the number of resources currently held.
func (t *LockTable) Held() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.resources)
}

func firstHolder(m map[string]int) string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids[0]
}
