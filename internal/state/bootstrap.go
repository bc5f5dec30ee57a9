package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/wu"
)

// BootstrapResult summarises what Bootstrap did (or refused to do).
type BootstrapResult struct {
	Appended int
	Skipped  []string
	Warning  string
}

// Bootstrap synthesises events for a repository that has WU YAML files but an
// empty event log: ready WUs get nothing, in_progress a claim, blocked a
// claim+block, done/cancelled a claim+complete. It refuses (warning, no
// writes) when the log is already populated. TEMPLATE.yaml and malformed
// files are skipped.
func (s *Store) Bootstrap(wuDir string, now time.Time) (BootstrapResult, error) {
	populated, err := s.HasEvents()
	if err != nil {
		return BootstrapResult{}, err
	}
	if populated {
		return BootstrapResult{Warning: "event log already populated; bootstrap refused"}, nil
	}

	entries, err := os.ReadDir(wuDir)
	if err != nil {
		return BootstrapResult{}, err
	}
	var names []string
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".yaml") {
			continue
		}
		if ent.Name() == "TEMPLATE.yaml" {
			continue
		}
		names = append(names, ent.Name())
	}
	sort.Strings(names)

	var res BootstrapResult
	for _, name := range names {
		doc, err := wu.LoadDoc(filepath.Join(wuDir, name))
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		id, err := wu.ParseID(doc.ID)
		if err != nil {
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		var synth []Event
		switch doc.Status {
		case wu.StatusReady, wu.StatusWaiting:
			// No runtime history to synthesise.
		case wu.StatusInProgress:
			claim := NewEvent(EventClaim, id, now)
			claim.Lane, claim.Title = doc.Lane, doc.Title
			synth = append(synth, claim)
		case wu.StatusBlocked:
			claim := NewEvent(EventClaim, id, now)
			claim.Lane, claim.Title = doc.Lane, doc.Title
			block := NewEvent(EventBlock, id, now)
			block.Reason = "bootstrap: blocked in YAML"
			synth = append(synth, claim, block)
		case wu.StatusDone, wu.StatusCancelled:
			claim := NewEvent(EventClaim, id, now)
			claim.Lane, claim.Title = doc.Lane, doc.Title
			synth = append(synth, claim, NewEvent(EventComplete, id, now))
		default:
			res.Skipped = append(res.Skipped, fmt.Sprintf("%s: unknown status %q", name, doc.Status))
			continue
		}
		for _, e := range synth {
			if err := s.Append(e); err != nil {
				return res, err
			}
			res.Appended++
		}
	}
	return res, nil
}
