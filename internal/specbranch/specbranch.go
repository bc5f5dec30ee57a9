// Package specbranch publishes WU specs on spec/wu-N branches so wu:create
// never writes to main. At claim time the branch is fast-forwarded into main
// and deleted best-effort.
package specbranch

import (
	"fmt"

	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

// Source classifies where a WU's YAML currently lives.
type Source string

const (
	SourceMain       Source = "main"
	SourceSpecBranch Source = "spec_branch"
	SourceBoth       Source = "both"
	SourceNotFound   Source = "not_found"
)

type Protocol struct {
	Git    *gitutil.Git
	Paths  wu.Paths
	Remote string
}

func New(g *gitutil.Git, paths wu.Paths) *Protocol {
	return &Protocol{Git: g, Paths: paths, Remote: "origin"}
}

// WUSource checks origin/main for the YAML and the remote for a spec branch.
func (p *Protocol) WUSource(id string) (Source, error) {
	onMain, err := p.Git.LsTree(p.Remote+"/main", p.Paths.WUYAMLRel(id))
	if err != nil {
		return SourceNotFound, wuerr.Wrap(wuerr.KindGit, id, err, "inspect origin/main for spec")
	}
	onSpec, err := p.Git.RemoteBranchExists(p.Remote, wu.SpecBranch(id))
	if err != nil {
		return SourceNotFound, wuerr.Wrap(wuerr.KindGit, id, err, "list remote spec branches")
	}
	switch {
	case onMain && onSpec:
		return SourceBoth, nil
	case onMain:
		return SourceMain, nil
	case onSpec:
		return SourceSpecBranch, nil
	default:
		return SourceNotFound, nil
	}
}

// MergeToMain fetches the spec branch and fast-forwards it into the current
// checkout's main-tracking branch. Used by wu:claim when the source is
// spec_branch; non-ff states are a hard error, never auto-resolved.
func (p *Protocol) MergeToMain(id string) error {
	branch := wu.SpecBranch(id)
	if err := p.Git.Fetch(p.Remote, branch); err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "fetch %s", branch)
	}
	if err := p.Git.Merge(fmt.Sprintf("%s/%s", p.Remote, branch), gitutil.MergeOptions{FFOnly: true}); err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "fast-forward %s into main", branch).
			WithTryNext("git pull origin main", "git merge origin/"+branch)
	}
	return nil
}

// Create makes the spec branch at baseRef without checking it out.
func (p *Protocol) Create(id, baseRef string) error {
	if baseRef == "" {
		baseRef = p.Remote + "/main"
	}
	if err := p.Git.CreateBranchNoCheckout(wu.SpecBranch(id), baseRef); err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "create spec branch")
	}
	return nil
}

// Push publishes the spec branch.
func (p *Protocol) Push(id string) error {
	if err := p.Git.Push(p.Remote, wu.SpecBranch(id)); err != nil {
		return wuerr.Wrap(wuerr.KindGit, id, err, "push spec branch")
	}
	return nil
}

// Delete removes the local and remote spec branch. Best-effort: failures are
// reported but the first successful deletion is not rolled back.
func (p *Protocol) Delete(id string) error {
	branch := wu.SpecBranch(id)
	var firstErr error
	if p.Git.BranchExists(branch) {
		if err := p.Git.DeleteBranch(branch, true); err != nil {
			firstErr = err
		}
	}
	if _, err := p.Git.Raw("push", p.Remote, "--delete", branch); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return wuerr.Wrap(wuerr.KindGit, id, firstErr, "delete spec branch (best-effort)")
	}
	return nil
}
