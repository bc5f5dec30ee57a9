// Package signals is the append-only inter-agent coordination bus. Signals
// live in signals.jsonl; read state is overlaid from a separate append-only
// receipts file so concurrent readers never rewrite each other's state.
package signals

import (
	"bufio"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

type Signal struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	CreatedAt   string `json:"created_at"`
	Read        bool   `json:"read"`
	WUID        string `json:"wu_id,omitempty"`
	Lane        string `json:"lane,omitempty"`
	Type        string `json:"type,omitempty"`
	Sender      string `json:"sender,omitempty"`
	TargetAgent string `json:"target_agent,omitempty"`
	Origin      string `json:"origin,omitempty"`
	RemoteID    string `json:"remote_id,omitempty"`
}

func (s Signal) Created() time.Time {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, strings.TrimSpace(s.CreatedAt)); err == nil {
			return ts
		}
	}
	return time.Time{}
}

type Receipt struct {
	SignalID string `json:"signal_id"`
	ReadAt   string `json:"read_at"`
}

// Bus reads and appends signals and receipts for one repository.
type Bus struct {
	SignalsPath  string
	ReceiptsPath string

	// now is injectable for tests.
	now func() time.Time
}

func NewBus(signalsPath, receiptsPath string) *Bus {
	return &Bus{SignalsPath: signalsPath, ReceiptsPath: receiptsPath, now: time.Now}
}

func newSignalID() string {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand failure is unrecoverable enough that a time-derived id
		// beats aborting a coordination message.
		return fmt.Sprintf("sig-%08x", time.Now().UnixNano()&0xffffffff)
	}
	return "sig-" + hex.EncodeToString(b[:])
}

// Create validates and appends a new signal, returning it with its assigned id.
func (b *Bus) Create(s Signal) (Signal, error) {
	if strings.TrimSpace(s.Message) == "" {
		return Signal{}, wuerr.New(wuerr.KindValidation, s.WUID, "signal message must be non-empty")
	}
	if s.WUID != "" {
		id, err := wu.ParseID(s.WUID)
		if err != nil {
			return Signal{}, wuerr.Wrap(wuerr.KindValidation, "", err, "signal wu_id")
		}
		s.WUID = id
	}
	s.ID = newSignalID()
	s.CreatedAt = b.now().UTC().Format(time.RFC3339)
	s.Read = false
	if err := appendJSONL(b.SignalsPath, s); err != nil {
		return Signal{}, err
	}
	return s, nil
}

// Filter restricts Load results.
type Filter struct {
	WUID       string
	Lane       string
	UnreadOnly bool
	Since      time.Time
}

// Load reads all signals, overlays receipt state (read = inline ∨ receipt)
// and applies the filter. Results are in chronological order.
func (b *Bus) Load(f Filter) ([]Signal, error) {
	sigs, err := b.readSignals()
	if err != nil {
		return nil, err
	}
	receipts, err := b.readReceiptSet()
	if err != nil {
		return nil, err
	}
	var out []Signal
	for _, s := range sigs {
		if receipts[s.ID] {
			s.Read = true
		}
		if f.WUID != "" && s.WUID != f.WUID {
			continue
		}
		if f.Lane != "" && s.Lane != f.Lane {
			continue
		}
		if f.UnreadOnly && s.Read {
			continue
		}
		if !f.Since.IsZero() && s.Created().Before(f.Since) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Created().Before(out[j].Created()) })
	return out, nil
}

// MarkRead appends one receipt per signal that is currently unread.
// Idempotent: ids already read (inline or by receipt) and duplicate ids in
// the argument produce no extra receipts.
func (b *Bus) MarkRead(ids []string) (marked []string, err error) {
	sigs, err := b.readSignals()
	if err != nil {
		return nil, err
	}
	inlineRead := map[string]bool{}
	exists := map[string]bool{}
	for _, s := range sigs {
		exists[s.ID] = true
		if s.Read {
			inlineRead[s.ID] = true
		}
	}
	receipts, err := b.readReceiptSet()
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	now := b.now().UTC().Format(time.RFC3339)
	for _, id := range ids {
		if seen[id] || !exists[id] || inlineRead[id] || receipts[id] {
			continue
		}
		seen[id] = true
		if err := appendJSONL(b.ReceiptsPath, Receipt{SignalID: id, ReadAt: now}); err != nil {
			return marked, err
		}
		marked = append(marked, id)
	}
	return marked, nil
}

func (b *Bus) readSignals() ([]Signal, error) {
	var out []Signal
	err := readJSONL(b.SignalsPath, func(line []byte) {
		var s Signal
		if json.Unmarshal(line, &s) == nil && s.ID != "" {
			out = append(out, s)
		}
	})
	return out, err
}

func (b *Bus) readReceiptSet() (map[string]bool, error) {
	set := map[string]bool{}
	err := readJSONL(b.ReceiptsPath, func(line []byte) {
		var r Receipt
		if json.Unmarshal(line, &r) == nil && r.SignalID != "" {
			set[r.SignalID] = true
		}
	})
	return set, err
}

func appendJSONL(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = f.Write(append(b, '\n'))
	return err
}

func marshalLine(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONL(path string, fn func(line []byte)) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		fn([]byte(line))
	}
	return sc.Err()
}
