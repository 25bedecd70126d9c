package replay

import (
	"context"
	"encoding/json"

	"ledger/pkg/codec"
	"ledger/pkg/record"
	"ledger/pkg/store"
)

// Emit canonicalizes a replay result, hashes it, and persists it into the
// replay-result namespace. It stamps GeneratedAtMs before
// canonicalizing, since that field is part of the result's identity.
func Emit(ctx context.Context, s store.ArtifactStore, result record.ReplayResult, generatedAtMs int64) (string, error) {
	result.GeneratedAtMs = generatedAtMs
	raw, err := json.Marshal(result)
	if err != nil {
		return "", err
	}
	canonical, hash, err := codec.CanonicalizeAndHash(raw)
	if err != nil {
		return "", err
	}
	if err := s.PutReplayResult(ctx, store.ReplayArtifact{Hash: hash, Canonical: canonical, Result: result}); err != nil {
		return "", err
	}
	return hash, nil
}
