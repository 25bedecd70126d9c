// Package traceindex builds the deterministic per-trace view over the
// Artifact Store: accepted (optionally plus
// rejected-attempt) artifacts bucketed by trace_id and ordered by kind
// class, then time key, then envelope hash.
package traceindex

import (
	"context"
	"sort"

	"ledger/pkg/record"
	"ledger/pkg/store"
)

// Entry is one artifact in a resolved trace chain.
type Entry struct {
	Hash       string
	Kind       record.Kind
	Canonical  []byte
	TimeKeyMs  int64
	Rejected   bool
}

func kindClass(k record.Kind) int {
	switch k {
	case record.KindAuthContext:
		return 0
	case record.KindPolicyDecision:
		return 1
	case record.KindModelCall, record.KindToolCall:
		return 2
	default:
		return 3
	}
}

// Index is a built, queryable trace index.
type Index struct {
	chains map[string][]Entry
}

// Options controls what Build scans.
type Options struct {
	IncludeRejectedAttempts bool
}

// Build scans the store and buckets every artifact by trace_id.
func Build(ctx context.Context, s store.ArtifactStore, opts Options) (*Index, error) {
	idx := &Index{chains: map[string][]Entry{}}

	accepted, err := s.ScanAccepted(ctx)
	if err != nil {
		return nil, err
	}
	for _, a := range accepted {
		idx.chains[a.TraceID] = append(idx.chains[a.TraceID], Entry{
			Hash: a.Hash, Kind: a.Kind, Canonical: a.Canonical, TimeKeyMs: a.TimeKeyMs,
		})
	}

	if opts.IncludeRejectedAttempts {
		rejected, err := s.ScanRejected(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range rejected {
			idx.chains[r.TraceID] = append(idx.chains[r.TraceID], Entry{
				Hash: r.Hash, Kind: r.Kind, Canonical: r.Canonical, TimeKeyMs: r.TimeKeyMs, Rejected: true,
			})
		}
	}

	for traceID := range idx.chains {
		sortChain(idx.chains[traceID])
	}
	return idx, nil
}

func sortChain(chain []Entry) {
	sort.SliceStable(chain, func(i, j int) bool {
		ci, cj := kindClass(chain[i].Kind), kindClass(chain[j].Kind)
		if ci != cj {
			return ci < cj
		}
		if chain[i].TimeKeyMs != chain[j].TimeKeyMs {
			return chain[i].TimeKeyMs < chain[j].TimeKeyMs
		}
		return chain[i].Hash < chain[j].Hash
	})
}

// Resolve returns the ordered chain for trace_id, or nil if the trace is
// unknown to the index.
func (idx *Index) Resolve(traceID string) []Entry {
	chain, ok := idx.chains[traceID]
	if !ok {
		return nil
	}
	out := make([]Entry, len(chain))
	copy(out, chain)
	return out
}
