package state

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/lumenflow/lumenflow/internal/wu"
)

// Store is the append-only event log at <stateDir>/wu-events.jsonl. Appends
// are concurrency-safe because the file is only ever opened O_APPEND; reads
// tolerate malformed lines left by interrupted writers.
type Store struct {
	Path string
}

func NewStore(path string) *Store { return &Store{Path: path} }

// Append validates the event and appends it as one JSON line.
func (s *Store) Append(e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(append(b, '\n')); err != nil {
		return err
	}
	return nil
}

// ReadAll returns every well-formed event in append order. Malformed lines
// are skipped, not fatal.
func (s *Store) ReadAll() ([]Event, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	var events []Event
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if e.Type == "" || e.WUID == "" {
			continue
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

// DeriveStatus folds the log for one WU, last relevant event winning. found
// is false when the log carries no lifecycle event for the WU, in which case
// status falls back to the YAML spec.
func (s *Store) DeriveStatus(wuID string) (status wu.Status, found bool, err error) {
	events, err := s.ReadAll()
	if err != nil {
		return "", false, err
	}
	for _, e := range events {
		if e.WUID != wuID {
			continue
		}
		if st := statusAfter(e.Type); st != "" {
			status, found = st, true
		}
	}
	return status, found, nil
}

// LastEvent returns the most recent event for wuID, optionally restricted to
// one type ("" matches any). Nil when absent.
func (s *Store) LastEvent(wuID string, typ EventType) (*Event, error) {
	events, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if e.WUID == wuID && (typ == "" || e.Type == typ) {
			return &e, nil
		}
	}
	return nil, nil
}

// ActiveWUIDs returns every WU whose derived status is in_progress or
// blocked, sorted by id number.
func (s *Store) ActiveWUIDs() ([]string, error) {
	events, err := s.ReadAll()
	if err != nil {
		return nil, err
	}
	last := map[string]wu.Status{}
	for _, e := range events {
		if st := statusAfter(e.Type); st != "" {
			last[e.WUID] = st
		}
	}
	var ids []string
	for id, st := range last {
		if st.Active() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return wu.IDNumber(ids[i]) < wu.IDNumber(ids[j]) })
	return ids, nil
}

// HasEvents reports whether the log already carries at least one event.
func (s *Store) HasEvents() (bool, error) {
	events, err := s.ReadAll()
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

func (s *Store) String() string { return fmt.Sprintf("state.Store(%s)", s.Path) }
