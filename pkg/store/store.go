// Package store persists the producer's opaque state snapshot so a
// restarted pod can resume generation where it left off.
//
// One blob, one JSON metadata sidecar. Blob writes go through a temp file
// and a rename so a partial write can never be loaded as current state.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/luxiasl/dreamwindow/pkg/types"
)

// ErrNoState is returned by Load and Info when nothing has been saved.
var ErrNoState = errors.New("no saved state")

// ErrClosed is returned for operations issued after Close.
var ErrClosed = errors.New("state store closed")

const (
	blobName = "last_state.bin"
	metaName = "state_meta.json"
)

// Store serializes all file operations through a single worker goroutine,
// so callers can invoke it from the hub's dispatcher without holding it up
// by wrapping calls in their own goroutine; there are never concurrent
// writers.
type Store struct {
	dir  string
	jobs chan func()
	done chan struct{}
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

func NewStore(dir string) *Store {
	s := &Store{
		dir:  dir,
		jobs: make(chan func(), 8),
		done: make(chan struct{}),
		now:  time.Now,
	}
	go s.worker()
	return s
}

func (s *Store) worker() {
	defer close(s.done)
	for job := range s.jobs {
		job()
	}
}

// Close drains the worker; later operations return ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.jobs)
	s.mu.Unlock()
	<-s.done
}

func (s *Store) run(job func()) error {
	reply := make(chan struct{})
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.jobs <- func() {
		defer close(reply)
		job()
	}
	s.mu.Unlock()
	<-reply
	return nil
}

// Save atomically writes the blob, then the metadata sidecar.
func (s *Store) Save(state []byte) error {
	var err error
	if runErr := s.run(func() { err = s.save(state) }); runErr != nil {
		return runErr
	}
	return err
}

func (s *Store) save(state []byte) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	blobPath := filepath.Join(s.dir, blobName)
	tmpPath := blobPath + ".tmp"
	if err := os.WriteFile(tmpPath, state, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmpPath, blobPath); err != nil {
		return fmt.Errorf("rename state: %w", err)
	}

	now := s.now()
	meta := types.StateInfo{
		SavedAt:    float64(now.UnixMilli()) / 1000.0,
		SavedAtISO: now.UTC().Format("2006-01-02T15:04:05Z"),
		SizeBytes:  int64(len(state)),
	}
	encoded, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, metaName), encoded, 0o644); err != nil {
		return fmt.Errorf("write state metadata: %w", err)
	}

	log.Debug().Str("size", humanize.Bytes(uint64(len(state)))).Msg("state saved")
	return nil
}

// Load returns the saved blob, or ErrNoState.
func (s *Store) Load() ([]byte, error) {
	var (
		state []byte
		err   error
	)
	if runErr := s.run(func() { state, err = s.load() }); runErr != nil {
		return nil, runErr
	}
	return state, err
}

func (s *Store) load() ([]byte, error) {
	state, err := os.ReadFile(filepath.Join(s.dir, blobName))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoState
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	log.Info().Str("size", humanize.Bytes(uint64(len(state)))).Msg("state loaded")
	return state, nil
}

// Info returns the metadata sidecar with the blob age filled in, or
// ErrNoState.
func (s *Store) Info() (types.StateInfo, error) {
	var (
		info types.StateInfo
		err  error
	)
	if runErr := s.run(func() { info, err = s.info() }); runErr != nil {
		return types.StateInfo{}, runErr
	}
	return info, err
}

func (s *Store) info() (types.StateInfo, error) {
	encoded, err := os.ReadFile(filepath.Join(s.dir, metaName))
	if errors.Is(err, os.ErrNotExist) {
		return types.StateInfo{}, ErrNoState
	}
	if err != nil {
		return types.StateInfo{}, fmt.Errorf("read state metadata: %w", err)
	}

	var info types.StateInfo
	if err := json.Unmarshal(encoded, &info); err != nil {
		return types.StateInfo{}, fmt.Errorf("decode state metadata: %w", err)
	}
	if info.SavedAt > 0 {
		info.AgeSeconds = float64(s.now().UnixMilli())/1000.0 - info.SavedAt
	}
	return info, nil
}

// Clear removes the blob and sidecar.
func (s *Store) Clear() error {
	var err error
	if runErr := s.run(func() { err = s.clear() }); runErr != nil {
		return runErr
	}
	return err
}

func (s *Store) clear() error {
	for _, name := range []string{blobName, metaName} {
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", name, err)
		}
	}
	log.Info().Msg("state cleared")
	return nil
}
