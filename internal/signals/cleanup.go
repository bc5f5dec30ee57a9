package signals

import (
	"os"
	"sort"
	"time"
)

type CleanupOptions struct {
	TTL        time.Duration // read signals older than this are dropped; default 7d
	UnreadTTL  time.Duration // unread signals older than this are dropped; default 30d
	MaxEntries int           // newest-by-created_at cap; default 500
	// ActiveWUIDs protects signals attached to in-flight WUs from every
	// removal rule.
	ActiveWUIDs map[string]bool
	DryRun      bool
}

const (
	DefaultTTL        = 7 * 24 * time.Hour
	DefaultUnreadTTL  = 30 * 24 * time.Hour
	DefaultMaxEntries = 500
)

type CleanupBreakdown struct {
	TTLExpired        int `json:"ttlExpired"`
	UnreadTTLExpired  int `json:"unreadTtlExpired"`
	OverMaxEntries    int `json:"overMaxEntries"`
	ActiveWUProtected int `json:"activeWuProtected"`
}

type CleanupResult struct {
	RemovedIDs  []string
	RetainedIDs []string
	Breakdown   CleanupBreakdown
}

// Cleanup applies, in order: read-TTL, unread-TTL, then the max-entries cap
// (keep newest). Signals bound to an active WU are always retained. The
// signals file is rewritten only when not in dry-run mode; receipts are left
// untouched.
func (b *Bus) Cleanup(opts CleanupOptions) (CleanupResult, error) {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.UnreadTTL <= 0 {
		opts.UnreadTTL = DefaultUnreadTTL
	}
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}

	sigs, err := b.readSignals()
	if err != nil {
		return CleanupResult{}, err
	}
	receipts, err := b.readReceiptSet()
	if err != nil {
		return CleanupResult{}, err
	}
	now := b.now()

	var res CleanupResult
	protected := func(s Signal) bool {
		return s.WUID != "" && opts.ActiveWUIDs[s.WUID]
	}

	var kept []Signal
	for _, s := range sigs {
		read := s.Read || receipts[s.ID]
		age := now.Sub(s.Created())
		switch {
		case protected(s):
			res.Breakdown.ActiveWUProtected++
			kept = append(kept, s)
		case read && age > opts.TTL:
			res.Breakdown.TTLExpired++
			res.RemovedIDs = append(res.RemovedIDs, s.ID)
		case !read && age > opts.UnreadTTL:
			res.Breakdown.UnreadTTLExpired++
			res.RemovedIDs = append(res.RemovedIDs, s.ID)
		default:
			kept = append(kept, s)
		}
	}

	if len(kept) > opts.MaxEntries {
		// Keep newest by created_at; protected signals never drop.
		byAge := make([]Signal, len(kept))
		copy(byAge, kept)
		sort.SliceStable(byAge, func(i, j int) bool { return byAge[i].Created().After(byAge[j].Created()) })
		keepSet := map[string]bool{}
		n := 0
		for _, s := range byAge {
			if protected(s) || n < opts.MaxEntries {
				keepSet[s.ID] = true
			}
			if !protected(s) {
				n++
			}
		}
		var capped []Signal
		for _, s := range kept {
			if keepSet[s.ID] {
				capped = append(capped, s)
			} else {
				res.Breakdown.OverMaxEntries++
				res.RemovedIDs = append(res.RemovedIDs, s.ID)
			}
		}
		kept = capped
	}

	for _, s := range kept {
		res.RetainedIDs = append(res.RetainedIDs, s.ID)
	}

	if !opts.DryRun && len(res.RemovedIDs) > 0 {
		if err := b.rewriteSignals(kept); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (b *Bus) rewriteSignals(sigs []Signal) error {
	tmp := b.SignalsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	for _, s := range sigs {
		line, err := marshalLine(s)
		if err != nil {
			_ = f.Close()
			return err
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, b.SignalsPath)
}
