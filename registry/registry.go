// Package registry reads the directory of elections. The directory is
// maintained outside of the ballot server; the server only reads it.
package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"evote-backend/apperr"
	"evote-backend/logging"

	"golang.org/x/xerrors"
)

// Candidate is a choice of an election.
type Candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Election is an entry of the directory.
type Election struct {
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	Candidates []Candidate `json:"candidates"`
	OpensAt    time.Time   `json:"opens_at"`
	ClosesAt   time.Time   `json:"closes_at"`
}

// IsOpen reports whether the election accepts votes at the given time.
func (e Election) IsOpen(now time.Time) bool {
	return !now.Before(e.OpensAt) && now.Before(e.ClosesAt)
}

// HasCandidate reports whether the candidate belongs to the election.
func (e Election) HasCandidate(candidateID string) bool {
	for _, c := range e.Candidates {
		if c.ID == candidateID {
			return true
		}
	}
	return false
}

type electionsFile struct {
	Elections []Election `json:"elections"`
}

// Directory is the set of elections loaded from a JSON file.
type Directory struct {
	mu        sync.RWMutex
	path      string
	elections map[string]Election
}

// NewDirectory loads the directory from the file, creating a default one when
// it does not exist.
func NewDirectory(path string) (*Directory, error) {
	d := &Directory{
		path:      path,
		elections: make(map[string]Election),
	}

	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, xerrors.Errorf("failed to create directory: %v", err)
	}

	err = d.Reload()
	if err != nil {
		return nil, err
	}

	return d, nil
}

// Reload reads the file again.
func (d *Directory) Reload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	data, err := os.ReadFile(d.path)
	if err != nil {
		if os.IsNotExist(err) {
			return d.createDefaultFile()
		}
		return xerrors.Errorf("failed to read elections file: %v", err)
	}

	var file electionsFile
	err = json.Unmarshal(data, &file)
	if err != nil {
		return xerrors.Errorf("failed to unmarshal elections: %v", err)
	}

	elections := make(map[string]Election, len(file.Elections))
	for _, e := range file.Elections {
		err = validateElection(e)
		if err != nil {
			return xerrors.Errorf("invalid election '%s': %v", e.ID, err)
		}
		if _, found := elections[e.ID]; found {
			return xerrors.Errorf("election '%s' is declared twice", e.ID)
		}
		elections[e.ID] = e
	}

	d.elections = elections

	logging.Logger.Info().Int("elections", len(elections)).Str("file", d.path).Msg("loaded elections")

	return nil
}

// Election returns the election of the given id.
func (d *Directory) Election(id string) (Election, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	e, found := d.elections[id]
	if !found {
		return Election{}, xerrors.Errorf("election '%s': %w", id, apperr.ErrNotFound)
	}

	return e, nil
}

// Title implements receipt.Elections.
func (d *Directory) Title(id string) (string, bool) {
	e, err := d.Election(id)
	if err != nil {
		return "", false
	}
	return e.Title, true
}

// CheckOpen returns an error when the election does not exist or does not
// accept votes at the given time.
func (d *Directory) CheckOpen(id string, now time.Time) (Election, error) {
	e, err := d.Election(id)
	if err != nil {
		return e, err
	}

	if !e.IsOpen(now) {
		return e, xerrors.Errorf("election '%s': %w", id, apperr.ErrElectionClosed)
	}

	return e, nil
}

// List returns the elections sorted by id.
func (d *Directory) List() []Election {
	d.mu.RLock()
	defer d.mu.RUnlock()

	list := make([]Election, 0, len(d.elections))
	for _, e := range d.elections {
		list = append(list, e)
	}

	sort.Slice(list, func(i, j int) bool {
		return list[i].ID < list[j].ID
	})

	return list
}

func (d *Directory) createDefaultFile() error {
	now := time.Now().UTC().Truncate(time.Second)

	file := electionsFile{
		Elections: []Election{
			{
				ID:    "demo-2024",
				Title: "Demo election",
				Candidates: []Candidate{
					{ID: "candidate-a", Name: "Candidate A"},
					{ID: "candidate-b", Name: "Candidate B"},
				},
				OpensAt:  now,
				ClosesAt: now.Add(30 * 24 * time.Hour),
			},
		},
	}

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return xerrors.Errorf("failed to marshal default elections: %v", err)
	}

	err = os.WriteFile(d.path, data, 0644)
	if err != nil {
		return xerrors.Errorf("failed to write default elections: %v", err)
	}

	d.elections = map[string]Election{file.Elections[0].ID: file.Elections[0]}

	logging.Logger.Info().Str("file", d.path).Msg("created default elections file")

	return nil
}

func validateElection(e Election) error {
	if e.ID == "" {
		return xerrors.New("missing id")
	}
	if e.Title == "" {
		return xerrors.New("missing title")
	}
	if len(e.Candidates) == 0 {
		return xerrors.New("no candidates")
	}
	if !e.ClosesAt.After(e.OpensAt) {
		return xerrors.New("closes before it opens")
	}

	seen := make(map[string]struct{}, len(e.Candidates))
	for _, c := range e.Candidates {
		if c.ID == "" {
			return xerrors.New("candidate without id")
		}
		if _, found := seen[c.ID]; found {
			return xerrors.Errorf("candidate '%s' is declared twice", c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	return nil
}
