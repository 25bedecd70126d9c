package replay

import (
	"context"

	"ledger/pkg/gate"
	"ledger/pkg/record"
	"ledger/pkg/store"
	"ledger/pkg/taxonomy"
	"ledger/pkg/traceindex"
)

// Forensic runs the forensic replay engine using the
// re-ingest strategy: beyond everything Invariant checks, a fresh
// in-memory store and a fresh gate.Gate replay the trace's records in
// resolver order, asserting each acceptance reproduces the exact
// canonical bytes and hash recorded in the original store. This
// additionally exercises the gate as a correctness oracle, catching a
// gate regression that computes and accepts consistently-wrong bytes —
// something a local-recompute-only strategy cannot catch.
func Forensic(ctx context.Context, s store.ArtifactStore, idx *traceindex.Index, traceID string) record.ReplayResult {
	entries := idx.Resolve(traceID)
	if len(entries) == 0 {
		return record.ReplayResult{
			ReplayType: record.ReplayForensic, TargetTraceID: traceID,
			Result: record.ReplayFail, FailureClass: string(taxonomy.ReplayChainNotFound),
		}
	}

	chain, err := decodeChain(entries)
	if err != nil {
		return record.ReplayResult{
			ReplayType: record.ReplayForensic, TargetTraceID: traceID,
			Result: record.ReplayFail, FailureClass: string(taxonomy.SchemaReject),
			Details: mustMarshal(Diagnostic{"error": err.Error()}),
		}
	}
	hashes := inputHashes(chain)

	if failHash, class, errKind := invariantCheck(ctx, s, traceID, chain); failHash != "" {
		return record.ReplayResult{
			ReplayType: record.ReplayForensic, TargetTraceID: traceID,
			InputEnvelopeHashes: hashes, Result: record.ReplayFail,
			FailureClass: string(class), FailureKind: errKind,
			Details: mustMarshal(Diagnostic{"failing_hash": failHash}),
		}
	}

	freshStore := store.NewMemoryStore()
	freshGate := gate.New(freshStore)
	for _, a := range chain {
		outcome := freshGate.Commit(ctx, a.kind, a.hash, a.canonical)
		if !outcome.Accepted {
			return record.ReplayResult{
				ReplayType: record.ReplayForensic, TargetTraceID: traceID,
				InputEnvelopeHashes: hashes, Result: record.ReplayFail,
				FailureClass: string(outcome.Classification), FailureKind: outcome.ErrorKind,
				Details: mustMarshal(Diagnostic{"failing_hash": a.hash, "stage": "re_ingest"}),
			}
		}
		if outcome.ComputedEnvelopeHash != a.hash {
			return record.ReplayResult{
				ReplayType: record.ReplayForensic, TargetTraceID: traceID,
				InputEnvelopeHashes: hashes, Result: record.ReplayFail,
				FailureClass: string(taxonomy.HashMismatch), FailureKind: taxonomy.ErrKindHashMismatchCanonicalJSON,
				Details: mustMarshal(Diagnostic{"failing_hash": a.hash, "recomputed_hash": outcome.ComputedEnvelopeHash}),
			}
		}
	}

	return record.ReplayResult{
		ReplayType: record.ReplayForensic, TargetTraceID: traceID,
		InputEnvelopeHashes: hashes, Result: record.ReplayPass,
	}
}
