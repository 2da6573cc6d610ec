package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"evote-backend/models"

	"golang.org/x/xerrors"
)

// Chain is the on-disk form of the ledger.
type Chain struct {
	Blocks []*models.Block `json:"blocks"`
}

// ChainStore persists the ledger chain in a single JSON file. Every save
// rewrites the file through a temporary file and an atomic rename.
type ChainStore struct {
	path string
	mu   sync.Mutex
}

// NewChainStore creates the directory if needed and returns a store writing
// to <basePath>/<name>_chain.json.
func NewChainStore(basePath, name string) (*ChainStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, xerrors.Errorf("failed to create directory: %v", err)
	}

	return &ChainStore{
		path: filepath.Join(basePath, name+"_chain.json"),
	}, nil
}

// Load returns the stored blocks, or an empty chain when the file does not
// exist yet.
func (s *ChainStore) Load() ([]*models.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return make([]*models.Block, 0), nil
		}
		return nil, xerrors.Errorf("failed to read chain: %v", err)
	}

	var chain Chain
	if err := json.Unmarshal(data, &chain); err != nil {
		return nil, xerrors.Errorf("failed to unmarshal chain: %v", err)
	}

	return chain.Blocks, nil
}

// Save replaces the stored chain with blocks.
func (s *ChainStore) Save(blocks []*models.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(Chain{Blocks: blocks}, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to marshal chain: %v", err)
	}

	tempPath := s.path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return xerrors.Errorf("failed to write chain file: %v", err)
	}

	if err := os.Rename(tempPath, s.path); err != nil {
		os.Remove(tempPath)
		return xerrors.Errorf("failed to save chain file: %v", err)
	}

	return nil
}

// Path returns the location of the chain file.
func (s *ChainStore) Path() string {
	return s.path
}
