package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_runtime/pkg/logging"
)

type recordingSink struct {
	mu    sync.Mutex
	ticks map[string]decimal.Decimal
}

func (s *recordingSink) UpdatePrice(symbol string, price decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks[symbol] = price
}

func (s *recordingSink) get(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.ticks[symbol]
	return p, ok
}

// fakeStream accepts one connection, waits for the subscribe frame, then
// pushes the given payloads.
func fakeStream(t *testing.T, payloads []string) *httptest.Server {
	t.Helper()
	upgrader := gws.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		for _, p := range payloads {
			if err := conn.WriteMessage(gws.TextMessage, []byte(p)); err != nil {
				return
			}
		}
		// hold the connection open until the client hangs up
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func TestFeedAppliesTicks(t *testing.T) {
	srv := fakeStream(t, []string{
		`{"symbol":"EURUSD","price":1.1025}`,
		`{"symbol":"GBPUSD","price":1.2750}`,
		`not json`,
		`{"symbol":"","price":1.0}`,
		`{"symbol":"USDJPY","price":-1}`,
	})
	defer srv.Close()

	logger, err := logging.NewZapLogger("ERROR")
	require.NoError(t, err)

	sink := &recordingSink{ticks: make(map[string]decimal.Decimal)}
	f := New(Config{
		URL:     "ws" + strings.TrimPrefix(srv.URL, "http"),
		Symbols: []string{"EURUSD", "GBPUSD"},
	}, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := sink.get("GBPUSD")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	eur, ok := sink.get("EURUSD")
	require.True(t, ok)
	assert.True(t, eur.Equal(decimal.NewFromFloat(1.1025)))

	// malformed, empty-symbol and non-positive ticks never reach the sink
	_, ok = sink.get("USDJPY")
	assert.False(t, ok)
}
