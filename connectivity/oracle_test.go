package connectivity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Transition
}

func (r *recorder) add(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, tr)
}

func (r *recorder) snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transition(nil), r.events...)
}

func TestOracleEdgeTriggered(t *testing.T) {
	o := New(true)
	rec := &recorder{}
	o.Subscribe(rec.add)

	o.Set(true) // no edge
	o.Set(false)
	o.Set(false) // no edge
	o.Set(true)
	o.Set(true) // no edge

	require.Equal(t, []Transition{BecameOffline, BecameOnline}, rec.snapshot())
	require.True(t, o.Online())
}

func TestOracleUnsubscribe(t *testing.T) {
	o := New(false)
	rec := &recorder{}
	cancel := o.Subscribe(rec.add)

	o.Set(true)
	cancel()
	cancel()
	o.Set(false)

	require.Equal(t, []Transition{BecameOnline}, rec.snapshot())
}

func TestOracleRun(t *testing.T) {
	o := New(false)
	rec := &recorder{}
	o.Subscribe(rec.add)

	updates := make(chan bool)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		o.Run(ctx, updates)
		close(done)
	}()

	updates <- true
	updates <- true
	updates <- false
	close(updates)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after updates closed")
	}
	require.Equal(t, []Transition{BecameOnline, BecameOffline}, rec.snapshot())
	require.False(t, o.Online())
}

func TestTransitionString(t *testing.T) {
	require.Equal(t, "became-online", BecameOnline.String())
	require.Equal(t, "became-offline", BecameOffline.String())
}
