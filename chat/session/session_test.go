package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClose_Idempotent(t *testing.T) {
	s := testSession(1, "alice")

	s.Close()
	assert.NotPanics(t, s.Close, "second close must be a no-op")
	assert.True(t, s.IsClosed())

	select {
	case <-s.Done:
	default:
		t.Fatal("Done channel not closed")
	}
}

func TestClose_Concurrent(t *testing.T) {
	s := testSession(1, "alice")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
	assert.True(t, s.IsClosed())
}

// A kicked session is already Closed when the read pump tears down, but
// the manager must still drop its registration.
func TestClose_ThenUnbind(t *testing.T) {
	m := NewManager(testLogger())
	s := testSession(1, "alice")
	m.Bind(s)

	s.Close()
	assert.True(t, m.Unbind(s), "closed session still unbinds")
	assert.False(t, m.IsOnline(1))
}
