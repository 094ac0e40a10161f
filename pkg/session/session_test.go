package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/warrant/pkg/errorir"
)

func fixedClock() func() time.Time {
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	n := 0
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return t0.Add(time.Duration(n) * time.Millisecond)
	}
}

func started(t *testing.T) *Session {
	t.Helper()
	s := New("file:read", WithClock(fixedClock()), WithID("s-1"))
	require.NoError(t, s.Start())
	return s
}

func TestFrameOrdering(t *testing.T) {
	s := started(t)

	f1, err := s.Yield("stdout", "a")
	require.NoError(t, err)
	f2, err := s.Yield("stderr", "b")
	require.NoError(t, err)
	f3, err := s.Yield("stdout", "c")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), f1.Seq)
	assert.Equal(t, uint64(0), f2.Seq)
	assert.Equal(t, uint64(1), f3.Seq)
	assert.Equal(t, "s-1", f3.SessionID)
	assert.Equal(t, Running, s.State())

	view := s.Snapshot()
	assert.Equal(t, map[string]uint64{"stdout": 2, "stderr": 1}, view.Counters)
	assert.Equal(t, 3, view.FrameCount)
	assert.True(t, f1.Timestamp.Before(f3.Timestamp))
}

func TestLifecycle(t *testing.T) {
	s := started(t)
	_, err := s.Yield("log", "x")
	require.NoError(t, err)
	require.NoError(t, s.Complete())

	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed on completion")
	}

	assert.ErrorIs(t, s.Complete(), ErrClosed)
	assert.ErrorIs(t, s.Fail(errors.New("late")), ErrClosed, "terminal states are final")
	_, err = s.Yield("log", "y")
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, Completed, s.State())
	assert.Nil(t, s.Err())

	hist := s.History()
	require.Len(t, hist, 2)
	assert.Equal(t, Transition{From: Created, To: Running, At: hist[0].At}, hist[0])
	assert.Equal(t, Completed, hist[1].To)

	v := s.Snapshot()
	assert.Positive(t, v.Duration())
}

func TestIllegalTransitions(t *testing.T) {
	s := New("file:read")
	assert.ErrorIs(t, s.Complete(), ErrIllegalTransition, "cannot complete before running")
	_, err := s.Yield("stdout", 1)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	_, err = started(t).Yield("", 1)
	assert.ErrorIs(t, err, ErrNoStream)

	assert.False(t, CanTransition(Completed, Running))
	assert.True(t, CanTransition(Yielding, Running))
	assert.False(t, CanTransition(Created, Yielding))
}

func TestFail_Classified(t *testing.T) {
	s := started(t)
	require.NoError(t, s.Fail(errorir.Retriable(errors.New("upstream busy"))))
	assert.Equal(t, Failed, s.State())
	e := s.Err()
	require.NotNil(t, e)
	assert.Equal(t, errorir.KindExecution, e.Kind)
	assert.Equal(t, errorir.ClassRetriable, e.Class)
	assert.Equal(t, "file:read", e.CapabilityID)

	pre := New("file:read")
	require.NoError(t, pre.Fail(errorir.New(errorir.KindPreconditionFailed, "guard")), "guard failures fail a created session")
	assert.Equal(t, Failed, pre.State())
}

func TestCooperativeCancel(t *testing.T) {
	s := started(t)
	_, err := s.Yield("stdout", 1)
	require.NoError(t, err)

	s.RequestCancel()
	assert.Equal(t, Running, s.State(), "cancellation waits for the next yield")

	_, err = s.Yield("stdout", 2)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, Cancelled, s.State())
	assert.Equal(t, errorir.KindCancelled, s.Err().Kind)
	assert.Len(t, s.Frames(), 1, "no frame is emitted once cancelled")
}

func TestCancelBeforeStart(t *testing.T) {
	s := New("file:read")
	s.RequestCancel()
	assert.ErrorIs(t, s.Start(), ErrCancelled)
	assert.Equal(t, Cancelled, s.State())
}

func TestConcurrentReaders(t *testing.T) {
	s := started(t)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					v := s.Snapshot()
					assert.LessOrEqual(t, v.Counters["stdout"], uint64(100))
				}
			}
		}()
	}
	for i := 0; i < 100; i++ {
		_, err := s.Yield("stdout", i)
		require.NoError(t, err)
	}
	close(stop)
	wg.Wait()
	assert.Equal(t, uint64(100), s.Snapshot().Counters["stdout"])
}

func TestSubscribe(t *testing.T) {
	s := started(t)
	sub := s.Subscribe(2)

	for i := 0; i < 3; i++ {
		_, err := s.Yield("stdout", i)
		require.NoError(t, err)
	}
	require.NoError(t, s.Complete())

	var got []uint64
	for f := range sub.C {
		got = append(got, f.Seq)
	}
	assert.Equal(t, []uint64{0, 1}, got)
	assert.Equal(t, uint64(1), sub.Dropped())

	late := s.Subscribe(1)
	_, open := <-late.C
	assert.False(t, open)
}

func TestSubscriptionClose(t *testing.T) {
	s := started(t)
	sub := s.Subscribe(4)
	sub.Close()
	_, err := s.Yield("stdout", 1)
	require.NoError(t, err)
	_, open := <-sub.C
	assert.False(t, open)
}

func TestForcedCancel(t *testing.T) {
	s := started(t)
	require.NoError(t, s.Cancel("caller went away"))
	assert.Equal(t, Cancelled, s.State())
	assert.True(t, s.CancelRequested())
	require.NotNil(t, s.Err())
	assert.Equal(t, errorir.KindCancelled, s.Err().Kind)
	<-s.Done()

	assert.ErrorIs(t, s.Cancel("again"), ErrClosed)
	assert.ErrorIs(t, s.Fail(errors.New("late")), ErrClosed)
}
