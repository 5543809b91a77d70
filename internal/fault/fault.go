// Package fault applies a reproducible fault plan to a replayed frame
// sequence so the incident pipeline can be tested against guaranteed
// divergences (spec.md §4.9, replay only). Mutations are applied to the
// recorded frames before they reach the decoder, so downstream code
// observes the altered stream exactly as if the exchange had sent it.
//
// No example repo in the retrieved pack does deterministic fault
// injection; this package is authored directly against spec.md §4.9,
// reusing internal/recorder.Record as the unit of mutation and
// internal/instrument for the PerturbQty arithmetic.
package fault

import (
	"encoding/json"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/fd1az/obmonitor/internal/apperror"
	"github.com/fd1az/obmonitor/internal/instrument"
	"github.com/fd1az/obmonitor/internal/recorder"
)

// Kind identifies which mutation a Mutation applies.
type Kind string

const (
	KindDrop         Kind = "drop"
	KindSwapAdjacent Kind = "swap_adjacent"
	KindPerturbQty   Kind = "perturb_qty"
)

// Mutation is one (frame_index, mutation) entry in a fault plan.
// For KindSwapAdjacent, FrameIndex refers to the frame's position in the
// original recorded sequence; swaps are applied first, and FrameIndex of
// KindDrop and KindPerturbQty entries refers to the position in the
// sequence after those swaps. SwapDistance is k for KindSwapAdjacent (frame
// FrameIndex+k is delivered before FrameIndex). PerturbDelta is the
// signed multiplier of the symbol's qty_increment for KindPerturbQty.
type Mutation struct {
	FrameIndex   int
	Kind         Kind
	SwapDistance int
	PerturbDelta int64
}

// Plan is an ordered, reproducible set of mutations over a recorded
// frame sequence.
type Plan struct {
	mutations []Mutation
}

// NewPlan builds a Plan from a list of mutations.
func NewPlan(mutations []Mutation) *Plan {
	cp := make([]Mutation, len(mutations))
	copy(cp, mutations)
	return &Plan{mutations: cp}
}

// Apply returns a new frame sequence with the plan's mutations applied:
// swaps reorder by original index, drops remove frames, and PerturbQty
// mutates the first level of the first non-empty side (bids preferred
// over asks) by ± qty_increment × delta before the frame is decoded.
// registry supplies qty_increment per symbol for PerturbQty; a symbol
// not yet known to registry is a no-op mutation (the gap is caught
// downstream as UnknownDescriptor, per spec.md §7).
func Apply(records []recorder.Record, plan *Plan, registry *instrument.Registry) ([]recorder.Record, error) {
	working := make([]recorder.Record, len(records))
	copy(working, records)

	ordered := make([]Mutation, len(plan.mutations))
	copy(ordered, plan.mutations)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].FrameIndex < ordered[j].FrameIndex })

	for _, m := range ordered {
		if m.Kind != KindSwapAdjacent {
			continue
		}
		i := m.FrameIndex
		j := i + m.SwapDistance
		if i < 0 || j < 0 || i >= len(working) || j >= len(working) {
			continue
		}
		working[i], working[j] = working[j], working[i]
	}

	drop := make(map[int]bool)
	perturb := make(map[int]int64)
	for _, m := range ordered {
		switch m.Kind {
		case KindDrop:
			drop[m.FrameIndex] = true
		case KindPerturbQty:
			perturb[m.FrameIndex] = m.PerturbDelta
		}
	}

	out := make([]recorder.Record, 0, len(working))
	for idx, rec := range working {
		if drop[idx] {
			continue
		}
		if delta, ok := perturb[idx]; ok {
			mutated, err := perturbQty(rec, delta, registry)
			if err != nil {
				return nil, err
			}
			rec = mutated
		}
		out = append(out, rec)
	}
	return out, nil
}

type frameFields struct {
	Symbol string            `json:"symbol"`
	Bids   []json.RawMessage `json:"bids"`
	Asks   []json.RawMessage `json:"asks"`
}

func perturbQty(rec recorder.Record, delta int64, registry *instrument.Registry) (recorder.Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(rec.RawFrame), &fields); err != nil {
		return rec, apperror.New(apperror.CodeMalformedFrame, apperror.WithContext("fault: parse frame for PerturbQty"), apperror.WithCause(err))
	}

	var ff frameFields
	if err := json.Unmarshal([]byte(rec.RawFrame), &ff); err != nil {
		return rec, apperror.New(apperror.CodeMalformedFrame, apperror.WithContext("fault: parse levels for PerturbQty"), apperror.WithCause(err))
	}

	desc, ok := registry.Get(ff.Symbol)
	if !ok {
		return rec, nil
	}

	sideKey, side := pickSide(ff)
	if side == nil || len(side) == 0 {
		return rec, nil
	}

	var pair [2]string
	if err := json.Unmarshal(side[0], &pair); err != nil {
		return rec, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("fault: parse level pair"), apperror.WithCause(err))
	}
	qty, err := decimal.NewFromString(pair[1])
	if err != nil {
		return rec, apperror.New(apperror.CodeMalformedNumber, apperror.WithContext("fault: parse qty"), apperror.WithCause(err))
	}

	adjusted := qty.Add(desc.QtyIncrement.Mul(decimal.NewFromInt(delta)))
	if adjusted.Sign() < 0 {
		adjusted = decimal.Zero
	}
	pair[1] = adjusted.String()

	mutatedPair, err := json.Marshal(pair)
	if err != nil {
		return rec, apperror.New(apperror.CodeMalformedFrame, apperror.WithContext("fault: re-encode level"), apperror.WithCause(err))
	}
	side[0] = mutatedPair
	fields[sideKey], err = json.Marshal(side)
	if err != nil {
		return rec, apperror.New(apperror.CodeMalformedFrame, apperror.WithContext("fault: re-encode side"), apperror.WithCause(err))
	}

	mutatedRaw, err := json.Marshal(fields)
	if err != nil {
		return rec, apperror.New(apperror.CodeMalformedFrame, apperror.WithContext("fault: re-encode frame"), apperror.WithCause(err))
	}
	rec.RawFrame = string(mutatedRaw)
	return rec, nil
}

func pickSide(ff frameFields) (string, []json.RawMessage) {
	if len(ff.Bids) > 0 {
		return "bids", ff.Bids
	}
	if len(ff.Asks) > 0 {
		return "asks", ff.Asks
	}
	return "", nil
}
