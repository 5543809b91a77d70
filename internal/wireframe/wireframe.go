// Package wireframe decodes the exchange's text JSON wire frames into a
// typed envelope and reports malformed input as typed errors rather than
// panicking the pipeline.
//
// Grounded on business/pricing/infra/binance/messages.go and client.go's
// routeStreamEvent (teacher): a thin wrapper struct unmarshalled first,
// dispatch by field presence/suffix into per-kind typed structs, levels
// parsed as (price_str, qty_str) pairs through the shared decimal parser.
package wireframe

import (
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/fd1az/obmonitor/internal/apperror"
	"github.com/fd1az/obmonitor/internal/decimalfmt"
	"github.com/fd1az/obmonitor/internal/instrument"
)

// Kind tags which variant of the envelope union is populated.
type Kind string

const (
	KindAck                Kind = "ack"
	KindStatus             Kind = "status"
	KindHeartbeat          Kind = "heartbeat"
	KindPingPong           Kind = "ping_pong"
	KindInstrumentSnapshot Kind = "instrument_snapshot"
	KindBookSnapshot       Kind = "book_snapshot"
	KindBookUpdate         Kind = "book_update"
	KindRateLimitExceeded  Kind = "rate_limit_exceeded"
	KindUnknownFrame       Kind = "unknown_frame"
)

// Level is a parsed price/quantity pair, already through decimalfmt.Parse.
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// Envelope is the decoded frame: a struct-of-optional-fields tagged union
// rather than an interface hierarchy, matching the teacher's preference for
// concrete, directly-unmarshalled event structs over polymorphic dispatch.
// Only the fields relevant to Kind are populated.
type Envelope struct {
	Kind Kind

	StatusText string // KindStatus

	Instruments map[string]instrument.Descriptor // KindInstrumentSnapshot

	Symbol    string  // KindBookSnapshot / KindBookUpdate
	Bids      []Level // KindBookSnapshot / KindBookUpdate
	Asks      []Level // KindBookSnapshot / KindBookUpdate
	Digest    uint32  // KindBookSnapshot / KindBookUpdate
	HasDigest bool
	Seq       int64 // KindBookUpdate, optional
	HasSeq    bool

	// Raw is always populated, independent of decode outcome, so the
	// recorder can capture the frame before classification completes.
	Raw []byte
}

// wireEnvelope is the catch-all shape used to dispatch by field presence,
// mirroring the teacher's StreamEvent wrapper + per-branch json.Unmarshal.
type wireEnvelope struct {
	Method  string          `json:"method"`
	ID      *int64          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Error   string          `json:"error"`

	Symbol      string                    `json:"symbol"`
	Instruments map[string]wireInstrument `json:"instruments"`
	Bids        []WireLevel               `json:"bids"`
	Asks        []WireLevel               `json:"asks"`
	Digest      *int64                    `json:"digest"`
	Seq         *int64                    `json:"seq"`
	Status      string                    `json:"status"`
}

// WireLevel is a raw (price_str, qty_str) pair as carried on the wire.
type WireLevel [2]string

type wireInstrument struct {
	PricePrecision int32  `json:"price_precision"`
	QtyPrecision   int32  `json:"qty_precision"`
	PriceIncrement string `json:"price_increment"`
	QtyIncrement   string `json:"qty_increment"`
	Status         string `json:"status"`
}

// Decode parses a single text frame into an Envelope. It never panics:
// malformed JSON, a missing required field, or a numeric parse failure are
// all returned as typed *apperror.AppError values classified per spec
// taxonomy (MalformedFrame / FieldMissing / MalformedNumber). The caller is
// expected to still record Raw and count the event even on error — Decode
// returns a best-effort Envelope{Kind: KindUnknownFrame, Raw: raw} alongside
// the error so callers don't need a second code path for "failed to decode".
func Decode(raw []byte) (Envelope, error) {
	env := Envelope{Kind: KindUnknownFrame, Raw: raw}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return env, apperror.New(apperror.CodeMalformedFrame, apperror.WithCause(err))
	}

	switch {
	case w.Method == "ping" || w.Method == "pong":
		env.Kind = KindPingPong
		return env, nil

	case w.ID != nil || w.Result != nil:
		env.Kind = KindAck
		return env, nil

	case w.Channel == "rate_limit" || w.Error == "rate_limit_exceeded":
		env.Kind = KindRateLimitExceeded
		return env, nil

	case w.Channel == "heartbeat":
		env.Kind = KindHeartbeat
		return env, nil

	case w.Channel == "status":
		env.Kind = KindStatus
		env.StatusText = w.Status
		return env, nil

	case w.Channel == "instrument":
		return decodeInstrumentSnapshot(w, env)

	case w.Channel == "book":
		return decodeBookFrame(w, env)

	default:
		return env, nil
	}
}

func decodeInstrumentSnapshot(w wireEnvelope, env Envelope) (Envelope, error) {
	if w.Instruments == nil {
		return env, apperror.New(apperror.CodeFieldMissing, apperror.WithContext("instruments"))
	}
	out := make(map[string]instrument.Descriptor, len(w.Instruments))
	for symbol, wi := range w.Instruments {
		priceInc, err := decimalfmt.Parse(wi.PriceIncrement)
		if err != nil {
			return env, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("price_increment"), apperror.WithCause(err))
		}
		qtyInc, err := decimalfmt.Parse(wi.QtyIncrement)
		if err != nil {
			return env, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("qty_increment"), apperror.WithCause(err))
		}
		out[symbol] = instrument.Descriptor{
			Symbol:         symbol,
			PricePrecision: wi.PricePrecision,
			QtyPrecision:   wi.QtyPrecision,
			PriceIncrement: priceInc,
			QtyIncrement:   qtyInc,
			Status:         tradingStatus(wi.Status),
		}
	}
	env.Kind = KindInstrumentSnapshot
	env.Instruments = out
	return env, nil
}

func tradingStatus(s string) instrument.TradingStatus {
	switch s {
	case string(instrument.StatusTrading):
		return instrument.StatusTrading
	case string(instrument.StatusHalted):
		return instrument.StatusHalted
	default:
		return instrument.StatusUnknown
	}
}

func decodeBookFrame(w wireEnvelope, env Envelope) (Envelope, error) {
	if w.Symbol == "" {
		return env, apperror.New(apperror.CodeFieldMissing, apperror.WithContext("symbol"))
	}
	bids, err := parseLevels(w.Bids)
	if err != nil {
		return env, err
	}
	asks, err := parseLevels(w.Asks)
	if err != nil {
		return env, err
	}

	env.Symbol = w.Symbol
	env.Bids = bids
	env.Asks = asks
	if w.Digest != nil {
		env.HasDigest = true
		env.Digest = uint32(*w.Digest)
	}
	if w.Seq != nil {
		env.HasSeq = true
		env.Seq = *w.Seq
	}

	switch w.Type {
	case "snapshot":
		env.Kind = KindBookSnapshot
	case "update":
		env.Kind = KindBookUpdate
	default:
		return env, apperror.New(apperror.CodeFieldMissing, apperror.WithContext("type"))
	}
	return env, nil
}

func parseLevels(raw []WireLevel) ([]Level, error) {
	if raw == nil {
		return nil, nil
	}
	out := make([]Level, 0, len(raw))
	for _, pair := range raw {
		price, err := decimalfmt.Parse(pair[0])
		if err != nil {
			return nil, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("price"), apperror.WithCause(err))
		}
		qty, err := decimalfmt.Parse(pair[1])
		if err != nil {
			return nil, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("qty"), apperror.WithCause(err))
		}
		out = append(out, Level{Price: price, Qty: qty})
	}
	return out, nil
}
