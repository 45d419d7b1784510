package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Store persists change requests and checkpoints on disk.
//
// Layout:
//
//	<baseDir>/<cr_id>/cr.json
//	<baseDir>/<cr_id>/checkpoints/<seq>-<stage>.json
//	<baseDir>/<cr_id>/checkpoints/latest.json
//
// Checkpoints are superseded, never deleted; latest.json keeps the most
// recent one resolvable in a single read.
type Store struct {
	baseDir string
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// DefaultStore returns a Store at ~/.crfactory/crs, creating the directory
// if needed.
func DefaultStore() (*Store, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("get home dir: %w", err)
	}
	dir := filepath.Join(home, ".crfactory", "crs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return &Store{baseDir: dir}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) crDir(crID string) string {
	return filepath.Join(s.baseDir, crID)
}

func (s *Store) crPath(crID string) string {
	return filepath.Join(s.crDir(crID), "cr.json")
}

func (s *Store) checkpointDir(crID string) string {
	return filepath.Join(s.crDir(crID), "checkpoints")
}

// CreateCR writes a new change request. The CR must have its ID and
// timestamps already set; creating an existing CR is an error.
func (s *Store) CreateCR(cr *ChangeRequest) error {
	dir := s.crDir(cr.ID)
	if _, err := os.Stat(dir); err == nil {
		return fmt.Errorf("change request %s already exists", cr.ID)
	}
	if err := os.MkdirAll(s.checkpointDir(cr.ID), 0o755); err != nil {
		return fmt.Errorf("mkdir checkpoints: %w", err)
	}
	return writeJSON(s.crPath(cr.ID), cr)
}

// GetCR reads a change request snapshot.
func (s *Store) GetCR(crID string) (*ChangeRequest, error) {
	var cr ChangeRequest
	if err := readJSON(s.crPath(crID), &cr); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("change request %s not found", crID)
		}
		return nil, err
	}
	return &cr, nil
}

// UpdateCR performs a read-modify-write of the change request record and
// refreshes updated_at.
func (s *Store) UpdateCR(crID string, fn func(*ChangeRequest)) error {
	cr, err := s.GetCR(crID)
	if err != nil {
		return err
	}
	fn(cr)
	cr.UpdatedAt = now()
	return writeJSON(s.crPath(crID), cr)
}

// ListCRs returns all change requests, optionally filtered by status.
// Pass "" to return everything. Results are ordered by creation time.
func (s *Store) ListCRs(statusFilter Status) ([]ChangeRequest, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var crs []ChangeRequest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cr, err := s.GetCR(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if statusFilter == "" || cr.Status == statusFilter {
			crs = append(crs, *cr)
		}
	}
	sort.Slice(crs, func(i, j int) bool {
		if crs[i].CreatedAt != crs[j].CreatedAt {
			return crs[i].CreatedAt < crs[j].CreatedAt
		}
		return crs[i].ID < crs[j].ID
	})
	return crs, nil
}

// SaveCheckpoint snapshots the state after a stage transition. The sequence
// number continues from the latest stored checkpoint; earlier checkpoints
// are retained.
func (s *Store) SaveCheckpoint(crID, stage string, status Status, state *PipelineState) (*Checkpoint, error) {
	if _, err := s.GetCR(crID); err != nil {
		return nil, err
	}

	seq := 1
	if latest, err := s.LatestCheckpoint(crID); err == nil && latest != nil {
		seq = latest.Seq + 1
	}

	cp := &Checkpoint{
		CR:      crID,
		Seq:     seq,
		Stage:   stage,
		Status:  status,
		State:   state.Clone(),
		TakenAt: now(),
	}

	dir := s.checkpointDir(crID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir checkpoints: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("%04d-%s.json", seq, stage))
	if err := writeJSON(path, cp); err != nil {
		return nil, err
	}
	// latest.json written last so a crash between the two writes leaves the
	// previous checkpoint resolvable.
	if err := writeJSON(filepath.Join(dir, "latest.json"), cp); err != nil {
		return nil, err
	}
	return cp, nil
}

// LatestCheckpoint returns the most recent checkpoint for a CR, or nil if
// none has been taken yet.
func (s *Store) LatestCheckpoint(crID string) (*Checkpoint, error) {
	var cp Checkpoint
	err := readJSON(filepath.Join(s.checkpointDir(crID), "latest.json"), &cp)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &cp, nil
}

// Checkpoints returns every retained checkpoint for a CR in sequence order.
func (s *Store) Checkpoints(crID string) ([]Checkpoint, error) {
	dir := s.checkpointDir(crID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var cps []Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || entry.Name() == "latest.json" {
			continue
		}
		var cp Checkpoint
		if err := readJSON(filepath.Join(dir, entry.Name()), &cp); err != nil {
			continue
		}
		cps = append(cps, cp)
	}
	sort.Slice(cps, func(i, j int) bool { return cps[i].Seq < cps[j].Seq })
	return cps, nil
}

// Delete removes all data for a change request.
func (s *Store) Delete(crID string) error {
	dir := s.crDir(crID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("change request %s not found", crID)
	}
	return os.RemoveAll(dir)
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// writeJSON writes v as pretty-printed JSON atomically: temp file in the
// same directory, then rename.
func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpName, path, err)
	}
	tmpName = ""
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", path, err)
	}
	return nil
}
