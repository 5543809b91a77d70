package fault

import (
	"encoding/json"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/recorder"
)

func frame(id string) recorder.Record {
	return recorder.Record{RawFrame: id}
}

func TestApply_DropRemovesFrame(t *testing.T) {
	records := []recorder.Record{frame("a"), frame("b"), frame("c")}
	plan := NewPlan([]Mutation{{FrameIndex: 1, Kind: KindDrop}})

	out, err := Apply(records, plan, instrument.NewRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 2 || out[0].RawFrame != "a" || out[1].RawFrame != "c" {
		t.Fatalf("out = %+v, want [a c]", out)
	}
}

func TestApply_SwapAdjacentReordersDelivery(t *testing.T) {
	records := []recorder.Record{frame("a"), frame("b"), frame("c")}
	plan := NewPlan([]Mutation{{FrameIndex: 0, Kind: KindSwapAdjacent, SwapDistance: 1}})

	out, err := Apply(records, plan, instrument.NewRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if len(out) != 3 || out[0].RawFrame != "b" || out[1].RawFrame != "a" || out[2].RawFrame != "c" {
		t.Fatalf("out = %+v, want [b a c]", out)
	}
}

func TestApply_SwapOutOfRangeIsNoOp(t *testing.T) {
	records := []recorder.Record{frame("a"), frame("b")}
	plan := NewPlan([]Mutation{{FrameIndex: 1, Kind: KindSwapAdjacent, SwapDistance: 5}})

	out, err := Apply(records, plan, instrument.NewRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].RawFrame != "a" || out[1].RawFrame != "b" {
		t.Fatalf("out = %+v, want unchanged [a b]", out)
	}
}

func bookUpdateFrame(symbol, bidQty string) recorder.Record {
	raw := map[string]interface{}{
		"channel": "book",
		"type":    "update",
		"symbol":  symbol,
		"bids":    [][2]string{{"100.00", bidQty}},
		"asks":    [][2]string{},
	}
	b, _ := json.Marshal(raw)
	return recorder.Record{RawFrame: string(b)}
}

func registryWith(symbol string, qtyIncrement string) *instrument.Registry {
	reg := instrument.NewRegistry()
	reg.Set(instrument.Descriptor{
		Symbol:         symbol,
		PricePrecision: 2,
		QtyPrecision:   4,
		PriceIncrement: decimal.RequireFromString("0.01"),
		QtyIncrement:   decimal.RequireFromString(qtyIncrement),
		Status:         instrument.StatusTrading,
	})
	return reg
}

func TestApply_PerturbQtyAdjustsFirstBidLevel(t *testing.T) {
	records := []recorder.Record{bookUpdateFrame("BTCUSD", "1.0000")}
	reg := registryWith("BTCUSD", "0.0001")
	plan := NewPlan([]Mutation{{FrameIndex: 0, Kind: KindPerturbQty, PerturbDelta: 5}})

	out, err := Apply(records, plan, reg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	var ff frameFields
	if err := json.Unmarshal([]byte(out[0].RawFrame), &ff); err != nil {
		t.Fatalf("unmarshal mutated frame: %v", err)
	}
	var pair [2]string
	if err := json.Unmarshal(ff.Bids[0], &pair); err != nil {
		t.Fatalf("unmarshal bid pair: %v", err)
	}
	want := decimal.RequireFromString("1.0000").Add(decimal.RequireFromString("0.0001").Mul(decimal.NewFromInt(5)))
	got, err := decimal.NewFromString(pair[1])
	if err != nil {
		t.Fatalf("parse mutated qty: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("mutated qty = %s, want %s", got, want)
	}
}

func TestApply_PerturbQtyClampsAtZero(t *testing.T) {
	records := []recorder.Record{bookUpdateFrame("BTCUSD", "0.0002")}
	reg := registryWith("BTCUSD", "0.0001")
	plan := NewPlan([]Mutation{{FrameIndex: 0, Kind: KindPerturbQty, PerturbDelta: -100}})

	out, err := Apply(records, plan, reg)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	var ff frameFields
	json.Unmarshal([]byte(out[0].RawFrame), &ff)
	var pair [2]string
	json.Unmarshal(ff.Bids[0], &pair)
	got, _ := decimal.NewFromString(pair[1])
	if !got.Equal(decimal.Zero) {
		t.Errorf("mutated qty = %s, want clamped to 0", got)
	}
}

func TestApply_PerturbQtyUnknownSymbolIsNoOp(t *testing.T) {
	records := []recorder.Record{bookUpdateFrame("ETHUSD", "1.0000")}
	plan := NewPlan([]Mutation{{FrameIndex: 0, Kind: KindPerturbQty, PerturbDelta: 5}})

	out, err := Apply(records, plan, instrument.NewRegistry())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if out[0].RawFrame != records[0].RawFrame {
		t.Error("unknown-symbol frame should pass through unmutated")
	}
}
