package replay

import (
	"context"

	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"
)

// Invariant runs the invariant replay engine: it
// re-verifies integrity and governance invariants for trace_id without
// executing anything, short-circuiting on the first failure.
func Invariant(ctx context.Context, s store.ArtifactStore, idx *traceindex.Index, traceID string) record.ReplayResult {
	entries := idx.Resolve(traceID)
	if len(entries) == 0 {
		return record.ReplayResult{
			ReplayType: record.ReplayInvariant, TargetTraceID: traceID,
			Result: record.ReplayFail, FailureClass: string(taxonomy.ReplayChainNotFound),
		}
	}

	chain, err := decodeChain(entries)
	if err != nil {
		return record.ReplayResult{
			ReplayType: record.ReplayInvariant, TargetTraceID: traceID,
			Result: record.ReplayFail, FailureClass: string(taxonomy.SchemaReject),
			Details: mustMarshal(Diagnostic{"error": err.Error()}),
		}
	}

	hashes := inputHashes(chain)
	failHash, class, errKind := invariantCheck(ctx, s, traceID, chain)
	if failHash != "" {
		return record.ReplayResult{
			ReplayType: record.ReplayInvariant, TargetTraceID: traceID,
			InputEnvelopeHashes: hashes, Result: record.ReplayFail,
			FailureClass: string(class), FailureKind: errKind,
			Details: mustMarshal(Diagnostic{"failing_hash": failHash}),
		}
	}

	return record.ReplayResult{
		ReplayType: record.ReplayInvariant, TargetTraceID: traceID,
		InputEnvelopeHashes: hashes, Result: record.ReplayPass,
	}
}

func inputHashes(chain []chainArtifact) []string {
	out := make([]string, 0, len(chain))
	for _, a := range chain {
		out = append(out, a.hash)
	}
	return out
}
