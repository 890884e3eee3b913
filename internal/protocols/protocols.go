// Package protocols implements the driver functions the registry
// dispatches to for each supported QueryType (spec.md §4.G, §8's
// end-to-end scenarios). Each driver is a sequential piece of Go code
// operating on an execctx.Context: every send/recv/Multiply call is a
// potential suspension point, and arithmetic between them runs to
// completion without yielding, exactly the cooperative-task shape
// spec.md §5 and its Design Notes describe.
package protocols

import (
	"context"
	"fmt"

	"github.com/dedis/ipa-helper/internal/execctx"
	"github.com/dedis/ipa-helper/internal/model"
	"github.com/dedis/ipa-helper/internal/registry"
	"github.com/dedis/ipa-helper/internal/share"
)

func init() {
	registry.Register(model.QueryTypeTestBooleanAND, booleanAND)
	registry.Register(model.QueryTypeTestFpSum, fpSum)
	registry.Register(model.QueryTypeIPA, tinyIPA)
}

// booleanAND implements spec.md §8 scenario 1: a one-gate AND circuit
// over exactly two input shares, a and b, returning their product.
func booleanAND(ctx context.Context, root execctx.Context, cfg model.QueryConfig, inputs []share.Replicated) ([]share.Replicated, error) {
	if len(inputs) != 2 {
		return nil, fmt.Errorf("protocols: boolean-and wants exactly 2 inputs, got %d", len(inputs))
	}
	if cfg.N == 0 {
		return nil, nil
	}
	gate := root.Narrow("and")
	out, err := gate.Multiply(ctx, 0, inputs[0], inputs[1])
	if err != nil {
		return nil, err
	}
	return []share.Replicated{out}, nil
}

// fpSum implements spec.md §8 scenario 2: summing a vector of Fp31
// shares. Addition is a local, non-interactive operation (spec.md
// §4.F), so this driver never suspends.
func fpSum(_ context.Context, root execctx.Context, cfg model.QueryConfig, inputs []share.Replicated) ([]share.Replicated, error) {
	if cfg.N == 0 || len(inputs) == 0 {
		return nil, nil
	}
	sum := share.Zero(root.Field())
	for _, in := range inputs {
		sum = sum.Add(in)
	}
	return []share.Replicated{sum}, nil
}

// tinyIPA implements the reduced attribution circuit spec.md §8
// scenario 3 exercises: per-conversion attribution to a breakdown key
// is assumed already resolved upstream (spec.md's Non-goals exclude the
// full match-key-join circuit; a tiny end-to-end test only needs
// secure aggregation once attribution is known), so each conversion
// record supplies a one-hot indicator share per breakdown bucket plus
// its trigger-value share. The circuit's only interactive step is one
// Multiply per (conversion, bucket) pair, summed locally into the
// per-bucket histogram.
//
// Input layout: cfg.VectorWidth is the number of breakdown buckets W;
// inputs is a flat list of (W indicator shares, 1 trigger-value share)
// repeated once per conversion record, in bucket-then-value order.
func tinyIPA(ctx context.Context, root execctx.Context, cfg model.QueryConfig, inputs []share.Replicated) ([]share.Replicated, error) {
	w := int(cfg.VectorWidth)
	if w == 0 {
		return nil, fmt.Errorf("protocols: ipa requires a nonzero breakdown width")
	}
	perRecord := w + 1
	if len(inputs)%perRecord != 0 {
		return nil, fmt.Errorf("protocols: ipa input length %d is not a multiple of %d (width+1)", len(inputs), perRecord)
	}
	numConversions := len(inputs) / perRecord
	if numConversions == 0 {
		return nil, nil
	}

	f := root.Field()
	totals := make([]share.Replicated, w)
	for b := range totals {
		totals[b] = share.Zero(f)
	}

	for j := 0; j < numConversions; j++ {
		base := j * perRecord
		triggerValue := inputs[base+w]
		for b := 0; b < w; b++ {
			indicator := inputs[base+b]
			bucketStep := root.Narrow(fmt.Sprintf("attribution/conv%d/bucket%d", j, b))
			contribution, err := bucketStep.Multiply(ctx, 0, indicator, triggerValue)
			if err != nil {
				return nil, err
			}
			totals[b] = totals[b].Add(contribution)
		}
	}
	return totals, nil
}
