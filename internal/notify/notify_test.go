package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vn-autotrader/internal/models"
)

type recordingChannel struct {
	mu   sync.Mutex
	name string
	got  []Notification
	err  error
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	return r.err
}

func (r *recordingChannel) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

var at = time.Date(2025, 3, 5, 9, 30, 0, 0, time.UTC)

func exitEvent(pnl float64) models.PositionExited {
	return models.PositionExited{
		Symbol:      "FPT",
		Reason:      models.ExitStopLoss,
		Quantity:    1000,
		EntryPrice:  decimal.NewFromInt(120000),
		ExitPrice:   decimal.NewFromInt(114000),
		PnLPct:      pnl,
		HoldingDays: 3,
		OrderID:     "ord-1",
		At:          at,
	}
}

func TestFromEvent(t *testing.T) {
	n, ok := FromEvent(exitEvent(-0.05))
	require.True(t, ok)
	assert.Equal(t, models.EventPositionExited, n.Kind)
	assert.Equal(t, LevelAlert, n.Level)
	assert.Equal(t, "FPT", n.Symbol)
	assert.Contains(t, n.Message, "114.000 ₫")
	assert.Contains(t, n.Message, "-5.00%")

	n, ok = FromEvent(exitEvent(0.08))
	require.True(t, ok)
	assert.Equal(t, LevelSuccess, n.Level)

	n, ok = FromEvent(models.OrderExecuted{Order: models.Order{
		ID: "ord-2", Symbol: "HPG", Side: models.OrderSideBuy,
		FilledQty: 2000, FilledPrice: decimal.NewFromInt(26000),
	}, At: at})
	require.True(t, ok)
	assert.Equal(t, "BUY filled", n.Title)
	assert.Contains(t, n.Message, "x2.000")

	n, ok = FromEvent(models.VerdictReached{Verdict: models.Verdict{Symbol: "VNM", Action: models.ActionBuy, Vetoed: true}})
	require.True(t, ok)
	assert.Equal(t, LevelWarning, n.Level)
}

func TestDispatcherFiltersKinds(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	d := NewDispatcher(DispatcherConfig{
		Kinds:  []models.EventKind{models.EventPositionExited},
		Logger: zerolog.Nop(),
	}, ch)

	d.Handle(models.OrderExecuted{Order: models.Order{Symbol: "HPG"}, At: at})
	d.Handle(exitEvent(0.1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool { return ch.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, models.EventPositionExited, ch.got[0].Kind)
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	ch := &recordingChannel{name: "rec"}
	d := NewDispatcher(DispatcherConfig{BufferSize: 2, Logger: zerolog.Nop()}, ch)

	for i := 0; i < 5; i++ {
		d.Handle(exitEvent(0.01))
	}

	// Cancelled before Run starts: queued notifications are still flushed.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, d.Run(ctx))
	assert.Equal(t, 2, ch.count())
}

func TestDispatcherSendAggregatesErrors(t *testing.T) {
	bad1 := &recordingChannel{name: "one", err: errors.New("down")}
	good := &recordingChannel{name: "good"}
	bad2 := &recordingChannel{name: "two", err: errors.New("refused")}
	d := NewDispatcher(DispatcherConfig{Logger: zerolog.Nop()}, bad1, nil, good, bad2)

	err := d.Send(context.Background(), Notification{Title: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "one: down")
	assert.Contains(t, err.Error(), "two: refused")
	assert.Equal(t, 1, good.count())
	assert.False(t, good.got[0].Timestamp.IsZero())
}

func TestTerminalChannel(t *testing.T) {
	var buf bytes.Buffer
	term := NewTerminalChannel(&buf, false, false)
	n, _ := FromEvent(exitEvent(-0.05))

	require.NoError(t, term.Send(context.Background(), n))
	line := strings.TrimSpace(buf.String())
	assert.True(t, strings.HasPrefix(line, "[09:30:00] ✖ STOP_LOSS | FPT | sold FPT"), line)

	buf.Reset()
	term = NewTerminalChannel(&buf, true, true)
	require.NoError(t, term.Send(context.Background(), n))
	var decoded Notification
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "FPT", decoded.Symbol)
}

func TestWebhookChannel(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	hook := NewWebhookChannel(srv.URL, time.Second)
	n, _ := FromEvent(exitEvent(0.08))
	require.NoError(t, hook.Send(context.Background(), n))
	assert.Equal(t, "position_exited", got["kind"])
	assert.Equal(t, "FPT", got["symbol"])
	assert.Equal(t, "2025-03-05T09:30:00Z", got["timestamp"])
}

func TestWebhookChannelRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL, time.Second).Send(context.Background(), Notification{Timestamp: at})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNewWebhookChannelEmptyURL(t *testing.T) {
	assert.Nil(t, NewWebhookChannel("", time.Second))
}
