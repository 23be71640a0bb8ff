package liveserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (nopLogger) Info(msg string, kv ...interface{}) {}
func (nopLogger) Warn(msg string, kv ...interface{}) {}

func TestHubBroadcastReachesClients(t *testing.T) {
	hub := NewHub(nopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	a := NewClient("a")
	b := NewClient("b")
	hub.Register(a)
	hub.Register(b)

	require.Eventually(t, func() bool { return hub.ClientCount() == 2 },
		time.Second, 10*time.Millisecond)

	hub.Broadcast(Message{Type: TypeStatistics, Data: map[string]interface{}{"balance": 10000.0}})

	for _, c := range []*Client{a, b} {
		select {
		case msg := <-c.GetSendChan():
			assert.Equal(t, TypeStatistics, msg.Type)
		case <-time.After(time.Second):
			t.Fatal("broadcast did not reach client")
		}
	}
}

func TestHubUnregisterStopsDelivery(t *testing.T) {
	hub := NewHub(nopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	c := NewClient("solo")
	hub.Register(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	hub.Unregister(c)
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 },
		time.Second, 10*time.Millisecond)

	// The client channel is closed on unregister.
	select {
	case _, ok := <-c.GetSendChan():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("client channel not closed after unregister")
	}
}

func TestSlowClientDoesNotBlockBroadcast(t *testing.T) {
	hub := NewHub(nopLogger{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	slow := NewClient("slow")
	hub.Register(slow)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	// Never drain the client; the hub must keep accepting broadcasts.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			hub.Broadcast(Message{Type: TypePosition})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("broadcast blocked on slow client")
	}
}

func TestCheckOriginWhitelist(t *testing.T) {
	srv := NewServer(NewHub(nopLogger{}), nopLogger{}, []string{"http://localhost:3000"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	assert.True(t, srv.checkOrigin(req))

	req.Header.Set("Origin", "http://evil.example.com")
	assert.False(t, srv.checkOrigin(req))

	req.Header.Del("Origin")
	assert.False(t, srv.checkOrigin(req))
}

func TestCheckOriginWildcard(t *testing.T) {
	srv := NewServer(NewHub(nopLogger{}), nopLogger{}, []string{"*"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Origin", "http://anywhere.example.com")
	assert.True(t, srv.checkOrigin(req))
}
