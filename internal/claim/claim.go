// Package claim implements wu:create and wu:claim. Creation publishes the
// WU spec on a spec/wu-N branch so main is never written directly; claiming
// resolves the spec source, enforces lane occupancy, pushes the claim
// metadata to main through a micro-worktree and sets up the lane worktree.
package claim

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/consistency"
	"github.com/lumenflow/lumenflow/internal/controlplane"
	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/lane"
	"github.com/lumenflow/lumenflow/internal/signals"
	"github.com/lumenflow/lumenflow/internal/specbranch"
	"github.com/lumenflow/lumenflow/internal/state"
	"github.com/lumenflow/lumenflow/internal/worktree"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

type Claimer struct {
	RepoRoot string
	Remote   string
	Mode     wu.ClaimedMode

	Bus  *signals.Bus
	Sink *controlplane.Sink
	Now  func() time.Time
	Out  io.Writer

	repo  *gitutil.Git
	paths wu.Paths
	spec  *specbranch.Protocol
}

func New(repoRoot string, cfg *config.File) *Claimer {
	paths := cfg.Paths(repoRoot)
	repo := gitutil.New(repoRoot)
	spec := specbranch.New(repo, paths)
	spec.Remote = cfg.Engine.Remote
	return &Claimer{
		RepoRoot: repoRoot,
		Remote:   cfg.Engine.Remote,
		Mode:     wu.ModeWorktree,
		Bus:      signals.NewBus(paths.SignalsFile(), paths.ReceiptsFile()),
		Sink:     controlplane.NewSink(cfg.Engine.ControlPlane.Endpoint, cfg.Engine.ControlPlane.TokenEnv),
		Now:      time.Now,
		Out:      os.Stderr,
		repo:     repo,
		paths:    paths,
		spec:     spec,
	}
}

// Result reports where a claim put the work.
type Result struct {
	WUID         string
	LaneBranch   string
	WorktreePath string
	Source       specbranch.Source
}

// Claim takes ownership of a ready WU: merge its spec branch if that is
// where the spec lives, refuse occupied lanes, record the claim on main and
// stand up the lane worktree.
func (c *Claimer) Claim(ctx context.Context, rawID string) (Result, error) {
	var res Result
	id, err := wu.ParseID(rawID)
	if err != nil {
		return res, err
	}
	res.WUID = id

	if err := c.repo.Fetch(c.Remote, "main"); err != nil {
		fmt.Fprintf(c.Out, "warning: fetch %s main failed: %v\n", c.Remote, err)
	}
	src, err := c.spec.WUSource(id)
	if err != nil {
		return res, err
	}
	res.Source = src
	switch src {
	case specbranch.SourceNotFound:
		return res, wuerr.New(wuerr.KindNotFound, id, "no spec on %s/main or spec branch", c.Remote)
	case specbranch.SourceSpecBranch, specbranch.SourceBoth:
		if err := c.spec.MergeToMain(id); err != nil {
			return res, err
		}
		if err := c.repo.Push(c.Remote, "main"); err != nil {
			return res, wuerr.Wrap(wuerr.KindGit, id, err, "publish merged spec to %s/main", c.Remote)
		}
		if err := c.spec.Delete(id); err != nil {
			fmt.Fprintf(c.Out, "warning: %v\n", err)
		}
	}

	doc, err := wu.LoadDoc(c.paths.WUYAML(id))
	if err != nil {
		return res, wuerr.Wrap(wuerr.KindValidation, id, err, "load WU spec")
	}
	if err := state.AssertTransition(doc.Status, wu.StatusInProgress, id); err != nil {
		return res, err
	}

	det := consistency.NewDetector(c.paths, c.repo)
	occupied, err := lane.CheckOccupancy(c.paths.WUDirAbs(), doc.Lane, id, func(otherID string) (bool, error) {
		branch, path := det.FindWorktree(otherID)
		return branch != "" || path != "", nil
	})
	if err != nil {
		return res, err
	}
	if len(occupied) > 0 {
		var reasons []string
		for _, o := range occupied {
			reasons = append(reasons, o.Reason)
		}
		return res, wuerr.New(wuerr.KindValidation, id,
			"lane %q is occupied: %s", doc.Lane, strings.Join(reasons, "; ")).
			WithTryNext("lumenflow wu repair " + occupied[0].WUID)
	}

	laneBranch := wu.LaneBranch(doc.Lane, id)
	wtPath := c.paths.WorktreePath(doc.Lane, id)
	now := c.Now()

	// Claim metadata lands on main through a push-only micro-worktree; the
	// user's checkout is only fast-forwarded afterwards.
	mgr := worktree.NewManager(c.repo)
	_, err = mgr.With(ctx, worktree.Options{
		Operation:     "claim",
		WUID:          id,
		PushOnly:      true,
		Remote:        c.Remote,
		CommitSubject: fmt.Sprintf("wu(%s): claim - %s", id, doc.Title),
	}, func(dir string) ([]string, error) {
		tmpPaths := c.paths.Rebase(dir)
		tmpDoc, err := wu.LoadDoc(tmpPaths.WUYAML(id))
		if err != nil {
			return nil, err
		}
		tmpDoc.Status = wu.StatusInProgress
		tmpDoc.Claimed = laneBranch
		tmpDoc.ClaimedMode = c.Mode
		tmpDoc.Worktree = wtPath
		b, err := tmpDoc.Encode()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(tmpPaths.WUYAML(id), b, 0o644); err != nil {
			return nil, err
		}
		ev := state.NewEvent(state.EventClaim, id, now)
		ev.Lane = tmpDoc.Lane
		ev.Title = tmpDoc.Title
		if err := state.NewStore(tmpPaths.EventLog()).Append(ev); err != nil {
			return nil, err
		}
		return []string{tmpPaths.WUYAMLRel(id), tmpPaths.EventLogRel()}, nil
	})
	if err != nil {
		return res, err
	}
	_ = c.repo.PullRebaseAutostash(c.Remote, "main")

	if err := c.repo.CreateBranchNoCheckout(laneBranch, c.Remote+"/main"); err != nil {
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "create lane branch %s", laneBranch)
	}
	if err := c.repo.WorktreeAddExisting(wtPath, laneBranch); err != nil {
		_ = c.repo.DeleteBranch(laneBranch, true)
		return res, wuerr.Wrap(wuerr.KindGit, id, err, "add worktree at %s", wtPath)
	}
	res.LaneBranch = laneBranch
	res.WorktreePath = wtPath

	if _, err := c.Bus.Create(signals.Signal{
		Message: fmt.Sprintf("%s claimed: %s", id, doc.Title),
		WUID:    id,
		Lane:    doc.Lane,
		Type:    "claim",
	}); err != nil {
		fmt.Fprintf(c.Out, "warning: claim signal not recorded: %v\n", err)
	}
	_ = c.Sink.Push([]controlplane.Event{
		controlplane.NewEvent(controlplane.TaskClaimed, id, doc.Lane, nil, now),
	})
	return res, nil
}

// Create validates a new WU spec and publishes it on spec/wu-N, leaving main
// untouched. Delivery WUs require locked lanes; the lane gate is skipped
// when no lane config exists at all (bootstrap repositories).
func (c *Claimer) Create(ctx context.Context, doc *wu.Doc) error {
	if _, err := wu.ValidateAndNormalize(doc); err != nil {
		return err
	}
	id := doc.ID

	laneCfg, err := lane.Load(c.paths.LaneConfig())
	if err != nil {
		return err
	}
	status := lane.Classify(laneCfg, laneInferencePresent(c.paths))
	if status != lane.Unconfigured {
		if err := lane.RequireLockedForDelivery(status); err != nil {
			return err
		}
		if laneCfg.Find(doc.Lane) == nil {
			return wuerr.New(wuerr.KindValidation, id, "lane %q is not defined in lumenflow.yaml", doc.Lane)
		}
	}

	if err := c.repo.Fetch(c.Remote, "main"); err != nil {
		fmt.Fprintf(c.Out, "warning: fetch %s main failed: %v\n", c.Remote, err)
	}
	if src, err := c.spec.WUSource(id); err == nil && src != specbranch.SourceNotFound {
		return wuerr.New(wuerr.KindValidation, id, "WU already exists (source: %s)", src)
	}

	now := c.Now()
	yamlBytes, err := doc.Encode()
	if err != nil {
		return err
	}

	mgr := worktree.NewManager(c.repo)
	_, err = mgr.With(ctx, worktree.Options{
		Operation:     "wu-create",
		WUID:          id,
		PushOnly:      true,
		PushRef:       wu.SpecBranch(id),
		Remote:        c.Remote,
		CommitSubject: fmt.Sprintf("wu(%s): create - %s", id, doc.Title),
	}, func(dir string) ([]string, error) {
		tmpPaths := c.paths.Rebase(dir)
		if _, statErr := os.Stat(tmpPaths.WUYAML(id)); statErr == nil {
			return nil, wuerr.New(wuerr.KindValidation, id, "spec file already exists on main")
		}
		if err := os.MkdirAll(tmpPaths.WUDirAbs(), 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(tmpPaths.WUYAML(id), yamlBytes, 0o644); err != nil {
			return nil, err
		}
		ev := state.NewEvent(state.EventCreate, id, now)
		ev.Lane = doc.Lane
		ev.Title = doc.Title
		if err := state.NewStore(tmpPaths.EventLog()).Append(ev); err != nil {
			return nil, err
		}
		return []string{tmpPaths.WUYAMLRel(id), tmpPaths.EventLogRel()}, nil
	})
	if err != nil {
		return err
	}

	if _, err := c.Bus.Create(signals.Signal{
		Message: fmt.Sprintf("%s created on %s: %s", id, wu.SpecBranch(id), doc.Title),
		WUID:    id,
		Lane:    doc.Lane,
		Type:    "create",
	}); err != nil {
		fmt.Fprintf(c.Out, "warning: create signal not recorded: %v\n", err)
	}
	_ = c.Sink.Push([]controlplane.Event{
		controlplane.NewEvent(controlplane.TaskCreated, id, doc.Lane, yamlBytes, now),
	})
	return nil
}

func laneInferencePresent(p wu.Paths) bool {
	entries, err := os.ReadDir(p.Root + "/" + p.ConfigDir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "lane-inference.") {
			return true
		}
	}
	return false
}
