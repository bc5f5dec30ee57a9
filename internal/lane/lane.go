// Package lane models lane definitions, the lane lifecycle
// (unconfigured → draft → locked) and claim-time occupancy checks.
package lane

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

type LifecycleStatus string

const (
	Unconfigured LifecycleStatus = "unconfigured"
	Draft        LifecycleStatus = "draft"
	Locked       LifecycleStatus = "locked"
)

type Definition struct {
	Name      string   `yaml:"name"`
	WIPLimit  int      `yaml:"wip_limit"`
	CodePaths []string `yaml:"code_paths,omitempty"`
}

type Lifecycle struct {
	Status          LifecycleStatus `yaml:"status"`
	UpdatedAt       string          `yaml:"updated_at,omitempty"`
	MigratedAt      string          `yaml:"migrated_at,omitempty"`
	MigrationReason string          `yaml:"migration_reason,omitempty"`
}

type Config struct {
	Lanes struct {
		Definitions []Definition `yaml:"definitions"`
		Lifecycle   Lifecycle    `yaml:"lifecycle"`
	} `yaml:"lanes"`
}

// Load strictly decodes lumenflow.yaml. A missing file is an unconfigured
// repository, not an error.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes the config back with stable indentation.
func Save(path string, cfg *Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Classify derives the lifecycle status deterministically from on-disk
// artifacts: no definitions means unconfigured; definitions without a valid
// inference file mean draft; both present and valid mean locked. An explicit
// draft in the config wins over inference.
func Classify(cfg *Config, inferencePresent bool) LifecycleStatus {
	if cfg == nil || len(cfg.Lanes.Definitions) == 0 {
		return Unconfigured
	}
	if cfg.Lanes.Lifecycle.Status == Draft {
		return Draft
	}
	for _, def := range cfg.Lanes.Definitions {
		if strings.TrimSpace(def.Name) == "" || def.WIPLimit < 1 {
			return Draft
		}
	}
	if !inferencePresent {
		return Draft
	}
	return Locked
}

// Persist records a classification result, stamping updated_at and, when the
// status was inferred rather than explicit, the migration metadata.
func Persist(path string, cfg *Config, status LifecycleStatus, reason string, now time.Time) error {
	inferred := cfg.Lanes.Lifecycle.Status != status
	cfg.Lanes.Lifecycle.Status = status
	cfg.Lanes.Lifecycle.UpdatedAt = now.UTC().Format(time.RFC3339)
	if inferred {
		cfg.Lanes.Lifecycle.MigratedAt = cfg.Lanes.Lifecycle.UpdatedAt
		cfg.Lanes.Lifecycle.MigrationReason = reason
	}
	return Save(path, cfg)
}

// RequireLockedForDelivery gates delivery-WU creation on a locked lane
// config. Initiative creation is allowed from any state.
func RequireLockedForDelivery(status LifecycleStatus) error {
	if status != Locked {
		return wuerr.New(wuerr.KindValidation, "",
			"delivery WU creation requires locked lanes (current: %s)", status).
			WithTryNext("lumenflow lanes lock")
	}
	return nil
}

// Find returns the definition for a lane name, or nil.
func (c *Config) Find(name string) *Definition {
	for i := range c.Lanes.Definitions {
		if c.Lanes.Definitions[i].Name == name {
			return &c.Lanes.Definitions[i]
		}
	}
	return nil
}

// OccupancyIssue describes a lane blocked by a lingering artifact.
type OccupancyIssue struct {
	WUID   string
	Reason string
}

// WorktreeChecker reports whether a worktree or branch still exists for a WU.
type WorktreeChecker func(id string) (bool, error)

// CheckOccupancy scans the WU dir for lane members that are done but still
// hold a worktree or branch; wu:claim refuses the lane until they are
// cleaned. claimID is excluded from the scan.
func CheckOccupancy(wuDir, laneName, claimID string, checker WorktreeChecker) ([]OccupancyIssue, error) {
	entries, err := os.ReadDir(wuDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var issues []OccupancyIssue
	for _, ent := range entries {
		if ent.IsDir() || !strings.HasSuffix(ent.Name(), ".yaml") || ent.Name() == "TEMPLATE.yaml" {
			continue
		}
		doc, err := wu.LoadDoc(filepath.Join(wuDir, ent.Name()))
		if err != nil {
			continue
		}
		if doc.Lane != laneName || doc.ID == claimID || doc.Status != wu.StatusDone {
			continue
		}
		lingering, err := checker(doc.ID)
		if err != nil {
			return nil, err
		}
		if lingering {
			issues = append(issues, OccupancyIssue{
				WUID:   doc.ID,
				Reason: fmt.Sprintf("%s is done but its worktree/branch still exists", doc.ID),
			})
		}
	}
	return issues, nil
}
