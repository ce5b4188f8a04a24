// Package persistence stores the decision history and stable checkpoints of
// a replica so that it survives restarts.
package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ahwlsqja/pbft-remediation/types"
)

// Store is what the engine persists to. FileStore and MemoryStore implement it.
type Store interface {
	// decisions
	SaveResult(result *types.ConsensusResult) error
	LoadResult(seq uint64) (*types.ConsensusResult, error)
	LoadResults() ([]*types.ConsensusResult, error)

	// checkpoints
	SaveCheckpoint(cp *types.Checkpoint) error
	LoadCheckpoint() (*types.Checkpoint, error)
	LoadCheckpoints() ([]*types.Checkpoint, error)

	Close() error
}

// ================================================================================
//                          File-based Store
// ================================================================================

// FileStore keeps one CBOR file per decision and per checkpoint.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
}

// NewFileStore creates a new file-based store.
func NewFileStore(baseDir string) (*FileStore, error) {
	dirs := []string{
		baseDir,
		filepath.Join(baseDir, "decisions"),
		filepath.Join(baseDir, "checkpoints"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return &FileStore{
		baseDir: baseDir,
	}, nil
}

func (fs *FileStore) decisionPath(seq uint64) string {
	return filepath.Join(fs.baseDir, "decisions", fmt.Sprintf("decision_%020d.cbor", seq))
}

func (fs *FileStore) checkpointPath(seq uint64) string {
	return filepath.Join(fs.baseDir, "checkpoints", fmt.Sprintf("checkpoint_%020d.cbor", seq))
}

// writeFile replaces path atomically.
func writeFile(path string, v any) error {
	data, err := types.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to rename %s: %w", tmp, err)
	}
	return nil
}

// readFile decodes path into v. A missing file reports false.
func readFile(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := types.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return true, nil
}

// listSequences returns the sequences of the files in dir matching pattern.
func listSequences(dir, pattern string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	var seqs []uint64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		var seq uint64
		if _, err := fmt.Sscanf(entry.Name(), pattern, &seq); err == nil && filepath.Ext(entry.Name()) == ".cbor" {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

// ================================================================================
//                          Decisions
// ================================================================================

// SaveResult writes a terminal result. Results without a sequence are not
// part of the history and are ignored.
func (fs *FileStore) SaveResult(result *types.ConsensusResult) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	if result.Sequence == 0 {
		return nil
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeFile(fs.decisionPath(result.Sequence), result)
}

// LoadResult returns the result of seq, or nil when none was stored.
func (fs *FileStore) LoadResult(seq uint64) (*types.ConsensusResult, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.loadResult(seq)
}

func (fs *FileStore) loadResult(seq uint64) (*types.ConsensusResult, error) {
	var r types.ConsensusResult
	ok, err := readFile(fs.decisionPath(seq), &r)
	if err != nil || !ok {
		return nil, err
	}
	return &r, nil
}

// LoadResults returns the decision history in sequence order.
func (fs *FileStore) LoadResults() ([]*types.ConsensusResult, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	seqs, err := listSequences(filepath.Join(fs.baseDir, "decisions"), "decision_%d.cbor")
	if err != nil {
		return nil, err
	}
	results := make([]*types.ConsensusResult, 0, len(seqs))
	for _, seq := range seqs {
		r, err := fs.loadResult(seq)
		if err != nil {
			return nil, err
		}
		if r != nil {
			results = append(results, r)
		}
	}
	return results, nil
}

// ================================================================================
//                          Checkpoints
// ================================================================================

// SaveCheckpoint saves a checkpoint.
func (fs *FileStore) SaveCheckpoint(cp *types.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return writeFile(fs.checkpointPath(cp.Sequence), cp)
}

// LoadCheckpoint returns the latest checkpoint, or nil when there is none.
func (fs *FileStore) LoadCheckpoint() (*types.Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	seqs, err := listSequences(filepath.Join(fs.baseDir, "checkpoints"), "checkpoint_%d.cbor")
	if err != nil || len(seqs) == 0 {
		return nil, err
	}
	return fs.loadCheckpoint(seqs[len(seqs)-1])
}

func (fs *FileStore) loadCheckpoint(seq uint64) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	ok, err := readFile(fs.checkpointPath(seq), &cp)
	if err != nil || !ok {
		return nil, err
	}
	return &cp, nil
}

// LoadCheckpoints loads all checkpoints in sequence order.
func (fs *FileStore) LoadCheckpoints() ([]*types.Checkpoint, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	seqs, err := listSequences(filepath.Join(fs.baseDir, "checkpoints"), "checkpoint_%d.cbor")
	if err != nil {
		return nil, err
	}
	var checkpoints []*types.Checkpoint
	for _, seq := range seqs {
		cp, err := fs.loadCheckpoint(seq)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			checkpoints = append(checkpoints, cp)
		}
	}
	return checkpoints, nil
}

// Close closes the store.
func (fs *FileStore) Close() error {
	return nil
}

// ================================================================================
//                          Memory Store (for tests)
// ================================================================================

// MemoryStore keeps everything in maps.
type MemoryStore struct {
	mu          sync.RWMutex
	results     map[uint64]*types.ConsensusResult
	checkpoints map[uint64]*types.Checkpoint
}

// NewMemoryStore creates a new memory-based store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results:     make(map[uint64]*types.ConsensusResult),
		checkpoints: make(map[uint64]*types.Checkpoint),
	}
}

// SaveResult stores a terminal result.
func (ms *MemoryStore) SaveResult(result *types.ConsensusResult) error {
	if result == nil {
		return fmt.Errorf("result is nil")
	}
	if result.Sequence == 0 {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.results[result.Sequence] = result
	return nil
}

// LoadResult returns the result of seq.
func (ms *MemoryStore) LoadResult(seq uint64) (*types.ConsensusResult, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.results[seq], nil
}

// LoadResults returns the decision history in sequence order.
func (ms *MemoryStore) LoadResults() ([]*types.ConsensusResult, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	results := make([]*types.ConsensusResult, 0, len(ms.results))
	for _, r := range ms.results {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Sequence < results[j].Sequence })
	return results, nil
}

// SaveCheckpoint saves a checkpoint.
func (ms *MemoryStore) SaveCheckpoint(cp *types.Checkpoint) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.checkpoints[cp.Sequence] = cp
	return nil
}

// LoadCheckpoint returns the latest checkpoint.
func (ms *MemoryStore) LoadCheckpoint() (*types.Checkpoint, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	var latest *types.Checkpoint
	for _, cp := range ms.checkpoints {
		if latest == nil || cp.Sequence > latest.Sequence {
			latest = cp
		}
	}
	return latest, nil
}

// LoadCheckpoints loads all checkpoints in sequence order.
func (ms *MemoryStore) LoadCheckpoints() ([]*types.Checkpoint, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	checkpoints := make([]*types.Checkpoint, 0, len(ms.checkpoints))
	for _, cp := range ms.checkpoints {
		checkpoints = append(checkpoints, cp)
	}
	sort.Slice(checkpoints, func(i, j int) bool { return checkpoints[i].Sequence < checkpoints[j].Sequence })
	return checkpoints, nil
}

// Close closes the store.
func (ms *MemoryStore) Close() error {
	return nil
}
