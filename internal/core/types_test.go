package core

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	v, _ := decimal.NewFromString(s)
	return v
}

func TestPosition_GrossPnL_Buy(t *testing.T) {
	p := &Position{
		Side:       SideBuy,
		EntryPrice: d("1.1000"),
		Quantity:   d("0.1"),
		Status:     PositionOpen,
	}

	lot := decimal.NewFromInt(DefaultLotSize)
	gross := p.GrossPnL(d("1.1050"), lot)

	// (1.1050-1.1000)*0.1*100000 = 50
	if !gross.Equal(d("50")) {
		t.Errorf("expected gross 50, got %s", gross)
	}
}

func TestPosition_GrossPnL_SellFlipsSign(t *testing.T) {
	p := &Position{
		Side:       SideSell,
		EntryPrice: d("1.1000"),
		Quantity:   d("0.1"),
		Status:     PositionOpen,
	}

	lot := decimal.NewFromInt(DefaultLotSize)
	gross := p.GrossPnL(d("1.1050"), lot)

	if !gross.Equal(d("-50")) {
		t.Errorf("expected gross -50, got %s", gross)
	}
}

func TestPosition_UnrealizedPnL_OnlyWhileOpen(t *testing.T) {
	lot := decimal.NewFromInt(DefaultLotSize)
	for _, status := range []PositionStatus{PositionPending, PositionClosed, PositionError} {
		p := &Position{
			Side:         SideBuy,
			EntryPrice:   d("1.1000"),
			CurrentPrice: d("1.2000"),
			Quantity:     d("1"),
			Status:       status,
		}
		if !p.UnrealizedPnL(lot).IsZero() {
			t.Errorf("unrealized PnL must be zero for %s", status)
		}
	}
}

func TestPositionStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to PositionStatus
		ok       bool
	}{
		{PositionPending, PositionOpen, true},
		{PositionPending, PositionError, true},
		{PositionPending, PositionClosed, false},
		{PositionOpen, PositionClosed, true},
		{PositionOpen, PositionError, true},
		{PositionOpen, PositionPending, false},
		{PositionClosed, PositionOpen, false},
		{PositionClosed, PositionError, false},
		{PositionError, PositionOpen, false},
	}
	for _, c := range cases {
		if got := c.from.CanTransition(c.to); got != c.ok {
			t.Errorf("%s -> %s: expected %v, got %v", c.from, c.to, c.ok, got)
		}
	}
}

func TestPosition_StopCrossed(t *testing.T) {
	buy := &Position{Side: SideBuy, StopLoss: d("1.0950")}
	if buy.StopCrossed(d("1.0960")) {
		t.Error("buy stop should not cross above the stop")
	}
	if !buy.StopCrossed(d("1.0950")) {
		t.Error("buy stop should cross at the stop")
	}

	sell := &Position{Side: SideSell, StopLoss: d("1.1050")}
	if sell.StopCrossed(d("1.1040")) {
		t.Error("sell stop should not cross below the stop")
	}
	if !sell.StopCrossed(d("1.1060")) {
		t.Error("sell stop should cross above the stop")
	}

	none := &Position{Side: SideBuy}
	if none.StopCrossed(d("0.0001")) {
		t.Error("position without a stop never crosses")
	}
}

func TestTransportMessage_Envelope(t *testing.T) {
	msg := NewHeartbeat()
	if msg.MessageID == "" {
		t.Fatal("message id must be set")
	}
	if msg.Data["status"] != "alive" {
		t.Errorf("heartbeat payload wrong: %v", msg.Data)
	}

	raw, err := msg.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded TransportMessage
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if decoded.Type != MsgHeartbeat || decoded.MessageID != msg.MessageID {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}
}

func TestTransportMessage_AckID(t *testing.T) {
	ack := NewConfirmation("abc-123")
	id, ok := ack.AckID()
	if !ok || id != "abc-123" {
		t.Errorf("expected ack id abc-123, got %q ok=%v", id, ok)
	}

	hb := NewHeartbeat()
	if _, ok := hb.AckID(); ok {
		t.Error("heartbeat must not carry an ack id")
	}
}

func TestKnownMessageType(t *testing.T) {
	if !KnownMessageType(MsgSignal) {
		t.Error("SIGNAL is a known type")
	}
	if KnownMessageType(MessageType("GOSSIP")) {
		t.Error("unknown types must not validate")
	}
}
