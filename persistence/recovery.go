package persistence

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// ================================================================================
//                          Recovery
// ================================================================================

// RecoveryManager checks the stored history before a replica rejoins.
type RecoveryManager struct {
	store  Store
	logger *zap.Logger
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager(store Store, logger *zap.Logger) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{
		store:  store,
		logger: logger.Named("recovery"),
	}
}

// RecoveryResult summarises what was found on disk.
type RecoveryResult struct {
	Checkpoint  *types.Checkpoint
	Checkpoints []*types.Checkpoint
	Results     []*types.ConsensusResult

	// every sequence up to Contiguous has a result
	Contiguous uint64
	// highest sequence with a result
	LatestSequence uint64
	LatestView     uint64
}

// Recover loads the history and verifies every checkpoint digest against the
// decisions it covers.
func (rm *RecoveryManager) Recover() (*RecoveryResult, error) {
	startTime := time.Now()
	result := &RecoveryResult{}

	results, err := rm.store.LoadResults()
	if err != nil {
		return nil, fmt.Errorf("failed to load decisions: %w", err)
	}
	result.Results = results

	bySeq := make(map[uint64]*types.ConsensusResult, len(results))
	for _, r := range results {
		bySeq[r.Sequence] = r
		if r.Sequence > result.LatestSequence {
			result.LatestSequence = r.Sequence
		}
		if r.View > result.LatestView {
			result.LatestView = r.View
		}
	}
	for bySeq[result.Contiguous+1] != nil {
		result.Contiguous++
	}

	checkpoints, err := rm.store.LoadCheckpoints()
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoints: %w", err)
	}
	result.Checkpoints = checkpoints

	var digest []byte
	var seq uint64
	for _, cp := range checkpoints {
		if cp.Sequence > result.Contiguous {
			return nil, fmt.Errorf("checkpoint %d is beyond the stored decisions (contiguous up to %d)",
				cp.Sequence, result.Contiguous)
		}
		for ; seq < cp.Sequence; seq++ {
			digest = types.ChainDigest(digest, bySeq[seq+1].Digest)
		}
		if !bytes.Equal(digest, cp.Digest) {
			return nil, fmt.Errorf("checkpoint %d digest mismatch", cp.Sequence)
		}
		result.Checkpoint = cp
		if cp.View > result.LatestView {
			result.LatestView = cp.View
		}
	}

	fields := []zap.Field{
		zap.Int("decisions", len(results)),
		zap.Int("checkpoints", len(checkpoints)),
		zap.Uint64("contiguous", result.Contiguous),
		zap.Uint64("latest_sequence", result.LatestSequence),
		zap.Duration("elapsed", time.Since(startTime)),
	}
	if result.Checkpoint != nil {
		fields = append(fields, zap.Uint64("stable_checkpoint", result.Checkpoint.Sequence))
	}
	rm.logger.Info("recovery complete", fields...)
	return result, nil
}
