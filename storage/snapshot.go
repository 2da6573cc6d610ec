package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"evote-backend/logging"
	"evote-backend/models"

	"golang.org/x/xerrors"
)

const snapshotLayout = "20060102150405"

// SnapshotStore keeps timestamped copies of the ledger chain and prunes the
// oldest ones.
type SnapshotStore struct {
	dataDir string
	prefix  string
	keep    int
	mutex   sync.RWMutex
}

type chainFile struct {
	path      string
	timestamp int64
}

// NewSnapshotStore returns a store writing <prefix>_snapshot_<time>.json files
// into dataDir and keeping the keep most recent ones.
func NewSnapshotStore(dataDir, prefix string, keep int) (*SnapshotStore, error) {
	absPath, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, xerrors.Errorf("failed to get absolute path: %v", err)
	}

	if err := os.MkdirAll(absPath, 0755); err != nil {
		return nil, xerrors.Errorf("failed to create data directory: %v", err)
	}

	if keep < 1 {
		keep = 1
	}

	return &SnapshotStore{
		dataDir: absPath,
		prefix:  prefix,
		keep:    keep,
	}, nil
}

// Save writes a new snapshot and returns its path.
func (s *SnapshotStore) Save(blocks []*models.Block, now time.Time) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(blocks) == 0 {
		return "", xerrors.New("cannot save empty chain")
	}

	filename := filepath.Join(s.dataDir,
		fmt.Sprintf("%s_snapshot_%s.json", s.prefix, now.UTC().Format(snapshotLayout)))

	data, err := json.MarshalIndent(Chain{Blocks: blocks}, "", "    ")
	if err != nil {
		return "", xerrors.Errorf("failed to encode chain: %v", err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return "", xerrors.Errorf("failed to create file: %v", err)
	}

	if err := s.cleanupOldFiles(); err != nil {
		logging.Logger.Warn().Err(err).Msg("failed to cleanup old snapshots")
	}

	logging.Logger.Info().Int("blocks", len(blocks)).Str("file", filename).Msg("saved chain snapshot")
	return filename, nil
}

// LoadLatest returns the blocks of the most recent snapshot, or nil when there
// is none.
func (s *SnapshotStore) LoadLatest() ([]*models.Block, error) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	files, err := s.list()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, nil
	}

	latest := files[len(files)-1].path
	data, err := os.ReadFile(latest)
	if err != nil {
		return nil, xerrors.Errorf("failed to open file %s: %v", latest, err)
	}

	var chain Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, xerrors.Errorf("failed to decode chain from %s: %v", latest, err)
	}

	return chain.Blocks, nil
}

// list returns the snapshot files sorted from oldest to newest.
func (s *SnapshotStore) list() ([]chainFile, error) {
	files, err := filepath.Glob(filepath.Join(s.dataDir, s.prefix+"_snapshot_*.json"))
	if err != nil {
		return nil, xerrors.Errorf("failed to list files: %v", err)
	}

	var chainFiles []chainFile
	for _, file := range files {
		base := filepath.Base(file)
		timestampStr := strings.TrimSuffix(strings.TrimPrefix(base, s.prefix+"_snapshot_"), ".json")
		timestamp, err := time.Parse(snapshotLayout, timestampStr)
		if err != nil {
			logging.Logger.Warn().Str("file", base).Msg("invalid timestamp in snapshot filename")
			continue
		}
		chainFiles = append(chainFiles, chainFile{
			path:      file,
			timestamp: timestamp.Unix(),
		})
	}

	sort.Slice(chainFiles, func(i, j int) bool {
		return chainFiles[i].timestamp < chainFiles[j].timestamp
	})

	return chainFiles, nil
}

func (s *SnapshotStore) cleanupOldFiles() error {
	chainFiles, err := s.list()
	if err != nil {
		return err
	}

	if len(chainFiles) <= s.keep {
		return nil
	}

	for i := 0; i < len(chainFiles)-s.keep; i++ {
		if err := os.Remove(chainFiles[i].path); err != nil {
			logging.Logger.Warn().Err(err).Str("file", chainFiles[i].path).Msg("failed to remove old snapshot")
		}
	}

	return nil
}
