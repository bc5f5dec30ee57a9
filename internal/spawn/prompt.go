// Package spawn builds and parses the spawn-prompt envelope handed to child
// agents. The envelope is tamper-evident: a blake3 checksum over the content
// plus a trailing sentinel, so truncated or edited prompts fail to parse.
package spawn

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"

	"github.com/lumenflow/lumenflow/internal/wu"
)

const (
	beginMarker = "SPAWN_BEGIN"
	endMarker   = "SPAWN_END"
)

type Prompt struct {
	SpawnID    string
	ParentWUID string
	Content    string
}

// Create builds a prompt for a child of parentWUID with a fresh spawn id.
func Create(parentWUID, content string) (Prompt, error) {
	id, err := wu.ParseID(parentWUID)
	if err != nil {
		return Prompt{}, err
	}
	return Prompt{SpawnID: ulid.Make().String(), ParentWUID: id, Content: content}, nil
}

func checksum(content string) string {
	h := blake3.New()
	_, _ = h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Serialize renders the wire form:
//
//	SPAWN_BEGIN <spawnId> <parentWuId> <checksum>
//	<content>
//	SPAWN_END
func Serialize(p Prompt) string {
	return fmt.Sprintf("%s %s %s %s\n%s\n%s\n",
		beginMarker, p.SpawnID, p.ParentWUID, checksum(p.Content), p.Content, endMarker)
}

// Parse recovers a Prompt, failing on a missing sentinel or checksum mismatch.
func Parse(s string) (Prompt, error) {
	lines := strings.Split(s, "\n")
	if len(lines) < 3 || !strings.HasPrefix(lines[0], beginMarker+" ") {
		return Prompt{}, fmt.Errorf("spawn prompt: missing %s header", beginMarker)
	}
	fields := strings.Fields(lines[0])
	if len(fields) != 4 {
		return Prompt{}, fmt.Errorf("spawn prompt: malformed header")
	}
	p := Prompt{SpawnID: fields[1], ParentWUID: fields[2]}
	wantSum := fields[3]
	if _, err := wu.ParseID(p.ParentWUID); err != nil {
		return Prompt{}, fmt.Errorf("spawn prompt: %w", err)
	}

	endIdx := -1
	for i := len(lines) - 1; i > 0; i-- {
		if strings.TrimSpace(lines[i]) == endMarker {
			endIdx = i
			break
		}
	}
	if endIdx == -1 {
		return Prompt{}, fmt.Errorf("spawn prompt: missing %s sentinel", endMarker)
	}
	p.Content = strings.Join(lines[1:endIdx], "\n")
	if checksum(p.Content) != wantSum {
		return Prompt{}, fmt.Errorf("spawn prompt: checksum mismatch (content altered)")
	}
	return p, nil
}
