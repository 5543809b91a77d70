package digest

import (
	"hash/crc32"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/fd1az/obmonitor/internal/depthbook"
	"github.com/fd1az/obmonitor/internal/instrument"
)

func lvl(price, qty string) depthbook.Level {
	return depthbook.Level{Price: decimal.RequireFromString(price), Qty: decimal.RequireFromString(qty)}
}

// S1 — reference digest vector.
func TestReconstruct_ReferenceVector(t *testing.T) {
	book := depthbook.New("BTCUSD", 10)
	book.ApplySnapshot(
		[]depthbook.Level{lvl("34.55", "0.3"), lvl("34.54", "0.4")},
		[]depthbook.Level{lvl("34.56", "0.1"), lvl("34.57", "0.2")},
	)

	desc := instrument.Descriptor{Symbol: "BTCUSD", PricePrecision: 2, QtyPrecision: 8}

	preimage, err := Reconstruct(book, desc)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}

	want := "3456" + "10000000" + "3457" + "20000000" + "3455" + "30000000" + "3454" + "40000000"
	if preimage != want {
		t.Fatalf("preimage = %q, want %q", preimage, want)
	}

	checksum, _, err := Compute(book, desc)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if checksum != crc32ieee(want) {
		t.Errorf("checksum = %d, want %d", checksum, crc32ieee(want))
	}
}

func TestVerify_MatchesAndMismatches(t *testing.T) {
	book := depthbook.New("BTCUSD", 10)
	book.ApplySnapshot(
		[]depthbook.Level{lvl("34.55", "0.3")},
		[]depthbook.Level{lvl("34.56", "0.1")},
	)
	desc := instrument.Descriptor{Symbol: "BTCUSD", PricePrecision: 2, QtyPrecision: 8}

	checksum, preimage, err := Compute(book, desc)
	if err != nil {
		t.Fatalf("Compute: %v", err)
	}

	ok, err := Verify(book, desc, checksum)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !ok.OK || ok.Computed != checksum {
		t.Errorf("Verify() with correct digest = %+v, want OK", ok)
	}
	if ok.PreimagePrefix != preimage {
		t.Errorf("PreimagePrefix = %q, want %q (preimage shorter than prefix limit)", ok.PreimagePrefix, preimage)
	}

	mismatch, err := Verify(book, desc, checksum+1)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if mismatch.OK {
		t.Errorf("Verify() with wrong digest reported OK")
	}
}

// Open question pin: thin books (fewer than Depth levels per side)
// contribute only the levels they have, never padded entries.
func TestReconstruct_ThinBookUsesAvailableLevelsOnly(t *testing.T) {
	book := depthbook.New("BTCUSD", 10)
	book.ApplySnapshot(
		[]depthbook.Level{lvl("10", "1")},
		[]depthbook.Level{lvl("11", "1")},
	)
	desc := instrument.Descriptor{Symbol: "BTCUSD", PricePrecision: 0, QtyPrecision: 0}

	preimage, err := Reconstruct(book, desc)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	want := "11" + "1" + "10" + "1"
	if preimage != want {
		t.Fatalf("preimage = %q, want %q (exactly one ask + one bid, no padding)", preimage, want)
	}
}

func TestPreimagePrefix_TruncatesTo128Chars(t *testing.T) {
	book := depthbook.New("BTCUSD", 10)
	bids := make([]depthbook.Level, 0, 10)
	asks := make([]depthbook.Level, 0, 10)
	for i := 0; i < 10; i++ {
		bids = append(bids, lvl(decimalStr(90-i), "1.23456789"))
		asks = append(asks, lvl(decimalStr(100+i), "1.23456789"))
	}
	book.ApplySnapshot(bids, asks)
	desc := instrument.Descriptor{Symbol: "BTCUSD", PricePrecision: 2, QtyPrecision: 8}

	result, err := Verify(book, desc, 0)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(result.PreimagePrefix) != PreimagePrefixLen {
		t.Errorf("len(PreimagePrefix) = %d, want %d", len(result.PreimagePrefix), PreimagePrefixLen)
	}
}

func decimalStr(n int) string {
	return decimal.NewFromInt(int64(n)).String()
}

func crc32ieee(s string) uint32 {
	return crc32.ChecksumIEEE([]byte(s))
}
