package netmon

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetOnlineDedupes(t *testing.T) {
	m := New(func() bool { return true })
	require.True(t, m.IsOnline())

	ch := m.Changes()
	m.SetOnline(true) // no transition
	select {
	case <-ch:
		t.Fatal("duplicate state delivered a change event")
	default:
	}

	m.SetOnline(false)
	select {
	case online := <-ch:
		require.False(t, online)
	default:
		t.Fatal("transition not delivered")
	}
	require.False(t, m.IsOnline())
}

func TestRunRederivesFromProbe(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	m := New(online.Load, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// The platform event never fires; the poll catches the drop anyway.
	online.Store(false)
	require.Eventually(t, func() bool { return !m.IsOnline() }, 2*time.Second, 5*time.Millisecond)

	online.Store(true)
	require.Eventually(t, m.IsOnline, 2*time.Second, 5*time.Millisecond)
}

func TestChangesFanOut(t *testing.T) {
	m := New(func() bool { return false })
	a := m.Changes()
	b := m.Changes()

	m.SetOnline(true)
	for _, ch := range []<-chan bool{a, b} {
		select {
		case online := <-ch:
			require.True(t, online)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed transition")
		}
	}
}
