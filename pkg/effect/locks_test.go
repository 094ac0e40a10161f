package effect

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

func TestLockTable_SharedReaders(t *testing.T) {
	lt := NewLockTable()
	read := Model{ReadOnly: true, Isolation: SharedRead, Resources: []string{"f"}}

	r1, err := lt.TryAcquire("a", read)
	require.NoError(t, err)
	r2, err := lt.TryAcquire("b", read)
	require.NoError(t, err)

	_, err = lt.TryAcquire("c", Model{Isolation: Exclusive, Resources: []string{"f"}})
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "f", conflict.Resource)
	assert.Equal(t, "a", conflict.Holder)

	r1()
	r1()
	r2()
	assert.Equal(t, 0, lt.Held())
}

func TestLockTable_ExclusiveAndDisjoint(t *testing.T) {
	lt := NewLockTable()
	rel, err := lt.TryAcquire("w1", Model{Isolation: Exclusive, Resources: []string{"x"}})
	require.NoError(t, err)

	_, err = lt.TryAcquire("w2", Model{Isolation: Exclusive, Resources: []string{"y"}})
	require.NoError(t, err, "disjoint exclusive resources run concurrently")

	_, err = lt.TryAcquire("r", Model{ReadOnly: true, Isolation: SharedRead, Resources: []string{"x"}})
	require.Error(t, err)
	assert.True(t, errorir.IsKind(err, errorir.KindIsolationConflict))
	assert.Equal(t, errorir.ClassRetriable, errorir.From(err).Class)

	_, err = lt.TryAcquire("i", Model{Isolation: Independent, Resources: []string{"x"}})
	require.NoError(t, err, "independent operations bypass the table")

	rel()
	_, err = lt.TryAcquire("r", Model{ReadOnly: true, Isolation: SharedRead, Resources: []string{"x"}})
	require.NoError(t, err)
}

func TestLockTable_AcquireWaits(t *testing.T) {
	lt := NewLockTable()
	m := Model{Isolation: Exclusive, Resources: []string{"x"}}
	rel, err := lt.TryAcquire("first", m)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		r, err := lt.Acquire(context.Background(), "second", m)
		if err == nil {
			r()
			close(acquired)
		}
	}()

	select {
	case <-acquired:
		t.Fatal("second holder admitted while first holds the resource")
	case <-time.After(20 * time.Millisecond):
	}

	rel()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second holder never admitted")
	}
}

func TestLockTable_AcquireContext(t *testing.T) {
	lt := NewLockTable()
	m := Model{Isolation: Exclusive, Resources: []string{"x"}}
	_, err := lt.TryAcquire("first", m)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = lt.Acquire(ctx, "second", m)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}
