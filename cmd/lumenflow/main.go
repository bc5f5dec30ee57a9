package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lumenflow/lumenflow/internal/claim"
	"github.com/lumenflow/lumenflow/internal/config"
	"github.com/lumenflow/lumenflow/internal/consistency"
	"github.com/lumenflow/lumenflow/internal/done"
	"github.com/lumenflow/lumenflow/internal/gitutil"
	"github.com/lumenflow/lumenflow/internal/signals"
	"github.com/lumenflow/lumenflow/internal/spawn"
	"github.com/lumenflow/lumenflow/internal/state"
	"github.com/lumenflow/lumenflow/internal/wu"
	"github.com/lumenflow/lumenflow/internal/wuctx"
	"github.com/lumenflow/lumenflow/internal/wuerr"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "wu":
		wuCmd(os.Args[2:])
	case "mem":
		memCmd(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  lumenflow wu create --id <WU-N> --title <t> --lane <\"Cat: Name\"> [--type <t>] [--priority <P0..P3>] [--description <d>] [--acceptance <a>]... [--tests <t>]...")
	fmt.Fprintln(os.Stderr, "  lumenflow wu claim <WU-N> [--mode worktree|branch-only|branch-pr]")
	fmt.Fprintln(os.Stderr, "  lumenflow wu done <WU-N> [--no-auto-rebase]")
	fmt.Fprintln(os.Stderr, "  lumenflow wu status [<WU-N>]")
	fmt.Fprintln(os.Stderr, "  lumenflow wu check [<WU-N>]")
	fmt.Fprintln(os.Stderr, "  lumenflow wu repair [<WU-N>]")
	fmt.Fprintln(os.Stderr, "  lumenflow wu bootstrap-events")
	fmt.Fprintln(os.Stderr, "  lumenflow wu spawn <WU-N> [--content <c>]   (content read from stdin when omitted)")
	fmt.Fprintln(os.Stderr, "  lumenflow mem signal --message <m> [--wu <WU-N>] [--lane <lane>]")
	fmt.Fprintln(os.Stderr, "  lumenflow mem signals [--unread] [--wu <WU-N>] [--lane <lane>]")
	fmt.Fprintln(os.Stderr, "  lumenflow mem read <sig-id>...")
	fmt.Fprintln(os.Stderr, "  lumenflow mem cleanup [--dry-run]")
}

// env resolves the repository root, config and paths for the current
// invocation. The engine always anchors at the main checkout, even when
// invoked from a worktree.
type env struct {
	cwd      string
	repoRoot string
	cfg      *config.File
	paths    wu.Paths
}

func loadEnv() (*env, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	g := gitutil.New(cwd)
	top, err := g.Raw("rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return nil, fmt.Errorf("not inside a git repository: %w", err)
	}
	root := strings.TrimSuffix(strings.TrimSpace(top), "/.git")
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	return &env{cwd: cwd, repoRoot: root, cfg: cfg, paths: cfg.Paths(root)}, nil
}

func fatal(err error) {
	var we *wuerr.Error
	if errors.As(err, &we) {
		fmt.Fprintf(os.Stderr, "error: %v\n", we)
		for _, cmd := range we.TryNext {
			fmt.Fprintf(os.Stderr, "  try: %s\n", cmd)
		}
	} else {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(1)
}

// runMiddleware surfaces unread signals at command entry. Fail-open by
// construction; a broken signals file never blocks a command.
func runMiddleware(e *env, command string) {
	bus := signals.NewBus(e.paths.SignalsFile(), e.paths.ReceiptsFile())
	m := signals.NewMiddleware(bus, os.Stderr)
	_ = m.Run(context.Background(), command)
}

func wuCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	e, err := loadEnv()
	if err != nil {
		fatal(err)
	}
	ctx := context.Background()

	switch args[0] {
	case "create":
		runMiddleware(e, "wu:create")
		wuCreate(ctx, e, args[1:])
	case "claim":
		runMiddleware(e, "wu:claim")
		wuClaim(ctx, e, args[1:])
	case "done":
		runMiddleware(e, "wu:done")
		wuDone(ctx, e, args[1:])
	case "status":
		runMiddleware(e, "wu:status")
		wuStatus(ctx, e, args[1:])
	case "check":
		wuCheck(e, args[1:], false)
	case "repair":
		runMiddleware(e, "wu:recover")
		wuCheck(e, args[1:], true)
	case "bootstrap-events":
		wuBootstrap(e)
	case "spawn":
		wuSpawn(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func wuCreate(ctx context.Context, e *env, args []string) {
	doc := &wu.Doc{}
	for i := 0; i < len(args); i++ {
		flag := args[i]
		switch flag {
		case "--id", "--title", "--lane", "--type", "--priority",
			"--description", "--acceptance", "--tests", "--initiative":
			i++
			if i >= len(args) {
				fmt.Fprintf(os.Stderr, "%s requires a value\n", flag)
				os.Exit(1)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", flag)
			os.Exit(1)
		}
		v := args[i]
		switch flag {
		case "--id":
			doc.ID = v
		case "--title":
			doc.Title = v
		case "--lane":
			doc.Lane = v
		case "--type":
			doc.Type = wu.Type(v)
		case "--priority":
			doc.Priority = v
		case "--description":
			doc.Description = v
		case "--acceptance":
			doc.Acceptance = append(doc.Acceptance, v)
		case "--tests":
			doc.Tests = append(doc.Tests, v)
		case "--initiative":
			doc.Initiative = v
		}
	}
	doc.Created = time.Now().UTC().Format("2006-01-02")
	c := claim.New(e.repoRoot, e.cfg)
	if err := c.Create(ctx, doc); err != nil {
		fatal(err)
	}
	fmt.Printf("%s created on %s\n", doc.ID, wu.SpecBranch(doc.ID))
}

func wuClaim(ctx context.Context, e *env, args []string) {
	id := ""
	mode := wu.ModeWorktree
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--mode":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--mode requires a value")
				os.Exit(1)
			}
			m, err := wu.ParseClaimedMode(args[i])
			if err != nil {
				fatal(err)
			}
			mode = m
		default:
			id = args[i]
		}
	}
	if id == "" {
		usage()
		os.Exit(1)
	}
	c := claim.New(e.repoRoot, e.cfg)
	c.Mode = mode
	res, err := c.Claim(ctx, id)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("%s claimed on %s\n", res.WUID, res.LaneBranch)
	if res.WorktreePath != "" {
		fmt.Printf("worktree: %s\n", res.WorktreePath)
	}
}

func wuDone(ctx context.Context, e *env, args []string) {
	id := ""
	noAutoRebase := false
	for _, a := range args {
		if a == "--no-auto-rebase" {
			noAutoRebase = true
			continue
		}
		id = a
	}
	if id == "" {
		usage()
		os.Exit(1)
	}
	// The WU's changes live where the command runs: the claimed worktree in
	// worktree mode, the lane branch checkout otherwise.
	eng := done.NewEngine(e.repoRoot, e.cwd, e.cfg)
	eng.NoAutoRebase = noAutoRebase
	res, err := eng.Complete(ctx, id)
	if err != nil {
		fatal(err)
	}
	switch {
	case res.PRURL != "":
		fmt.Printf("%s done; pull request: %s\n", id, res.PRURL)
	case res.Merged:
		fmt.Printf("%s done; merged to main\n", id)
	default:
		fmt.Printf("%s done\n", id)
	}
}

func wuStatus(ctx context.Context, e *env, args []string) {
	id := ""
	if len(args) > 0 {
		id = args[0]
	}
	r := wuctx.NewResolver(e.repoRoot, e.cfg)
	c, err := r.Compute(ctx, wuctx.Request{CWD: e.cwd, WUID: id})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("location: %s\n", c.Location)
	if c.Git != nil && c.Git.Err == "" {
		fmt.Printf("branch: %s dirty=%v ahead=%d behind=%d\n", c.Git.Branch, c.Git.Dirty, c.Git.Ahead, c.Git.Behind)
	}
	if c.WU != nil && c.WU.Exists {
		fmt.Printf("wu: %s status=%s consistent=%v\n", c.WU.Doc.ID, c.WU.EffectiveStatus, c.WU.IsConsistent)
	}
	if c.Drift != wuctx.DriftNone {
		fmt.Printf("branch drift: %s\n", c.Drift)
	}
	if c.OverBudget {
		fmt.Fprintf(os.Stderr, "note: context computation took %s\n", c.Elapsed.Round(time.Millisecond))
	}
}

func wuCheck(e *env, args []string, repair bool) {
	det := consistency.NewDetector(e.paths, gitutil.New(e.repoRoot))
	var issues []consistency.Issue
	var err error
	if len(args) > 0 {
		issues, err = det.DetectWU(args[0])
	} else {
		issues, err = det.DetectAll()
	}
	if err != nil {
		fatal(err)
	}
	if len(issues) == 0 {
		fmt.Println("no inconsistencies detected")
		return
	}
	for _, is := range issues {
		fmt.Printf("%s %s: %s\n", is.WUID, is.Kind, is.Detail)
	}
	if !repair {
		os.Exit(1)
	}

	r := consistency.NewRepairer(e.paths, gitutil.New(e.repoRoot), e.cwd)
	byWU := map[string][]consistency.Issue{}
	var order []string
	for _, is := range issues {
		if _, seen := byWU[is.WUID]; !seen {
			order = append(order, is.WUID)
		}
		byWU[is.WUID] = append(byWU[is.WUID], is)
	}
	failed := false
	for _, id := range order {
		out, err := r.Repair(context.Background(), byWU[id])
		if err != nil {
			fmt.Fprintf(os.Stderr, "repair %s failed: %v\n", id, err)
			failed = true
			continue
		}
		for _, k := range out.Repaired {
			fmt.Printf("repaired %s %s\n", id, k)
		}
		for _, sk := range out.Skipped {
			fmt.Printf("skipped %s %s: %s\n", id, sk.Kind, sk.Reason)
		}
	}
	if failed {
		os.Exit(1)
	}
}

func wuBootstrap(e *env) {
	store := state.NewStore(e.paths.EventLog())
	res, err := store.Bootstrap(e.paths.WUDirAbs(), time.Now())
	if err != nil {
		fatal(err)
	}
	if res.Warning != "" {
		fmt.Fprintln(os.Stderr, res.Warning)
		return
	}
	for _, sk := range res.Skipped {
		fmt.Fprintf(os.Stderr, "skipped %s\n", sk)
	}
	fmt.Printf("bootstrapped %d event(s)\n", res.Appended)
}

func wuSpawn(args []string) {
	id := ""
	content := ""
	fromFlag := false
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--content":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--content requires a value")
				os.Exit(1)
			}
			content = args[i]
			fromFlag = true
		default:
			id = args[i]
		}
	}
	if id == "" {
		usage()
		os.Exit(1)
	}
	if !fromFlag {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			fatal(err)
		}
		content = string(b)
	}
	p, err := spawn.Create(id, content)
	if err != nil {
		fatal(err)
	}
	fmt.Print(spawn.Serialize(p))
}

func memCmd(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	e, err := loadEnv()
	if err != nil {
		fatal(err)
	}
	bus := signals.NewBus(e.paths.SignalsFile(), e.paths.ReceiptsFile())

	switch args[0] {
	case "signal":
		memSignal(bus, args[1:])
	case "signals":
		memSignals(bus, args[1:])
	case "read":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		marked, err := bus.MarkRead(args[1:])
		if err != nil {
			fatal(err)
		}
		fmt.Printf("marked %d signal(s) read\n", len(marked))
	case "cleanup":
		memCleanup(e, bus, args[1:])
	default:
		usage()
		os.Exit(1)
	}
}

func memSignal(bus *signals.Bus, args []string) {
	var s signals.Signal
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--message":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--message requires a value")
				os.Exit(1)
			}
			s.Message = args[i]
		case "--wu":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--wu requires a value")
				os.Exit(1)
			}
			s.WUID = args[i]
		case "--lane":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--lane requires a value")
				os.Exit(1)
			}
			s.Lane = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	created, err := bus.Create(s)
	if err != nil {
		fatal(err)
	}
	fmt.Println(created.ID)
}

func memSignals(bus *signals.Bus, args []string) {
	f := signals.Filter{}
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--unread":
			f.UnreadOnly = true
		case "--wu":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--wu requires a value")
				os.Exit(1)
			}
			f.WUID = args[i]
		case "--lane":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--lane requires a value")
				os.Exit(1)
			}
			f.Lane = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	sigs, err := bus.Load(f)
	if err != nil {
		fatal(err)
	}
	enc := json.NewEncoder(os.Stdout)
	for _, s := range sigs {
		if err := enc.Encode(s); err != nil {
			fatal(err)
		}
	}
}

func memCleanup(e *env, bus *signals.Bus, args []string) {
	dryRun := false
	for _, a := range args {
		if a == "--dry-run" {
			dryRun = true
		}
	}
	store := state.NewStore(e.paths.EventLog())
	ids, err := store.ActiveWUIDs()
	if err != nil {
		fatal(err)
	}
	active := make(map[string]bool, len(ids))
	for _, id := range ids {
		active[id] = true
	}
	res, err := bus.Cleanup(signals.CleanupOptions{
		TTL:         time.Duration(e.cfg.Engine.Signals.TTLDays) * 24 * time.Hour,
		UnreadTTL:   time.Duration(e.cfg.Engine.Signals.UnreadTTLDays) * 24 * time.Hour,
		MaxEntries:  e.cfg.Engine.Signals.MaxEntries,
		ActiveWUIDs: active,
		DryRun:      dryRun,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Printf("removed %d, retained %d (ttl=%d unread-ttl=%d over-max=%d active-protected=%d)\n",
		len(res.RemovedIDs), len(res.RetainedIDs),
		res.Breakdown.TTLExpired, res.Breakdown.UnreadTTLExpired,
		res.Breakdown.OverMaxEntries, res.Breakdown.ActiveWUProtected)
}
