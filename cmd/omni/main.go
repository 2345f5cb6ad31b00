package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/term"

	apiclient "github.com/chen-liangping/Omni/pkg/api/client"
	"github.com/chen-liangping/Omni/pkg/config"
	"github.com/chen-liangping/Omni/pkg/timefmt"
)

var buildVersion = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "version", "--version", "-v":
		fmt.Println(strings.TrimSpace(buildVersion))
		return
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return
	}

	run, ok := commands[cmd]
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage(os.Stderr)
		os.Exit(1)
	}
	c := &cli{cfg: config.LoadCLIConfig(), out: os.Stdout, tty: term.IsTerminal(int(os.Stdout.Fd()))}
	if err := run(c, args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

var commands = map[string]func(*cli, []string) error{
	"projects":  (*cli).projects,
	"env":       (*cli).env,
	"plan":      (*cli).plan,
	"complete":  (*cli).complete,
	"rollback":  (*cli).rollback,
	"merge":     (*cli).merge,
	"activate":  (*cli).activate,
	"commits":   (*cli).commits,
	"approve":   (*cli).approve,
	"reject":    (*cli).reject,
	"history":   (*cli).history,
	"branches":  (*cli).branches,
	"init-repo": (*cli).initRepo,
}

// cli carries per-invocation settings shared by every command.
type cli struct {
	cfg    config.CLIConfig
	out    io.Writer
	tty    bool
	asJSON bool
	client *apiclient.Client
}

// flags returns a flag set preloaded with the connection flags.
func (c *cli) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.StringVar(&c.cfg.Server, "server", c.cfg.Server, "API base URL")
	fs.StringVar(&c.cfg.User, "user", c.cfg.User, "acting user")
	fs.BoolVar(&c.asJSON, "json", false, "print JSON even on a terminal")
	return fs
}

func (c *cli) parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		return err
	}
	if c.client != nil {
		return nil
	}
	client, err := apiclient.New(c.cfg.Server, apiclient.WithUser(c.cfg.User), apiclient.WithTimeout(c.cfg.Timeout))
	if err != nil {
		return err
	}
	c.client = client
	return nil
}

func (c *cli) context() (context.Context, context.CancelFunc) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return context.WithTimeout(context.Background(), timeout)
}

// emit prints v as JSON unless a terminal table renderer applies.
func (c *cli) emit(v any, table func(w *tabwriter.Writer)) error {
	if c.asJSON || !c.tty || table == nil {
		enc := json.NewEncoder(c.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	table(tw)
	return tw.Flush()
}

func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return fmt.Errorf("--%s is required", pairs[i])
		}
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *cli) projects(args []string) error {
	fs := c.flags("projects")
	create := fs.Bool("create", false, "create a project instead of listing")
	id := fs.String("id", "", "project id (create)")
	name := fs.String("name", "", "project name (create)")
	repo := fs.String("repo", "", "repository URL (create)")
	envs := fs.String("envs", "", "comma separated environment tags (create)")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()

	if *create {
		if err := required("name", *name, "repo", *repo); err != nil {
			return err
		}
		p, err := c.client.CreateProject(ctx, apiclient.CreateProjectInput{ID: *id, Name: *name, RepoURL: *repo, Environments: splitList(*envs)})
		if err != nil {
			return err
		}
		return c.emit(p, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "project created: %s (%s)\n", p.ID, strings.Join(p.Environments, ","))
		})
	}

	projects, err := c.client.ListProjects(ctx)
	if err != nil {
		return err
	}
	return c.emit(projects, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tNAME\tENVIRONMENTS\tREPO")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, strings.Join(p.Environments, ","), p.RepoURL)
		}
	})
}

func (c *cli) env(args []string) error {
	fs := c.flags("env")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	rest := fs.Args()
	if len(rest) == 0 {
		return errors.New("usage: omni env <project> [environment]")
	}
	ctx, cancel := c.context()
	defer cancel()

	var overviews []apiclient.Overview
	if len(rest) > 1 {
		ov, err := c.client.GetEnvironment(ctx, rest[0], rest[1])
		if err != nil {
			return err
		}
		overviews = []apiclient.Overview{ov}
	} else {
		all, err := c.client.ListEnvironments(ctx, rest[0])
		if err != nil {
			return err
		}
		overviews = all
	}
	var payload any = overviews
	if len(rest) > 1 {
		payload = overviews[0]
	}
	return c.emit(payload, func(w *tabwriter.Writer) { renderOverviews(w, overviews) })
}

func renderOverviews(w io.Writer, overviews []apiclient.Overview) {
	fmt.Fprintln(w, "ENV\tBINDING\tBRANCH\tSTATUS\tSTART\tEND\tSTATE")
	for _, ov := range overviews {
		activeID := ""
		if ov.Active != nil {
			activeID = ov.Active.ID
		}
		upcoming := make(map[string]bool, len(ov.Upcoming))
		for _, b := range ov.Upcoming {
			upcoming[b.ID] = true
		}
		if len(ov.Bindings) == 0 {
			fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\n", ov.Environment)
		}
		for _, b := range ov.Bindings {
			state := ""
			switch {
			case b.ID == activeID:
				state = "active"
			case upcoming[b.ID]:
				state = "upcoming"
			case b.IsDefault:
				state = "default"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", ov.Environment, b.ID, b.Branch, b.Status,
				timefmt.DisplayPtr(b.ScheduledStart, time.Local), timefmt.DisplayPtr(b.ScheduledEnd, time.Local), state)
		}
	}
}

func (c *cli) plan(args []string) error {
	fs := c.flags("plan")
	project := fs.String("project", "", "project id")
	env := fs.String("env", "", "environment tag")
	branch := fs.String("branch", "", "branch name")
	repo := fs.String("repo", "", "repository URL (defaults to the project repository)")
	desc := fs.String("desc", "", "description")
	start := fs.String("start", "", `scheduled start ("2006-01-02 15:04" UTC or RFC3339)`)
	end := fs.String("end", "", "scheduled end")
	isDefault := fs.Bool("default", false, "mark as the environment default")
	robots := fs.String("robots", "", "comma separated robot ids to notify")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if err := required("project", *project, "env", *env, "branch", *branch); err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	b, err := c.client.Plan(ctx, *project, *env, apiclient.PlanInput{
		Repo:           *repo,
		Branch:         *branch,
		Description:    *desc,
		ScheduledStart: *start,
		ScheduledEnd:   *end,
		IsDefault:      *isDefault,
		RobotIDs:       splitList(*robots),
	})
	if err != nil {
		return err
	}
	return c.emit(b, bindingLine("planned", b))
}

func bindingLine(verb string, b apiclient.Binding) func(w *tabwriter.Writer) {
	return func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "%s %s\t%s\t%s\n", verb, b.ID, b.Branch, b.Status)
	}
}

// bindingFlags parses the flags shared by commands addressing one binding.
func (c *cli) bindingFlags(name string, args []string, extra func(fs *flag.FlagSet)) (project, env, binding string, err error) {
	fs := c.flags(name)
	p := fs.String("project", "", "project id")
	e := fs.String("env", "", "environment tag")
	b := fs.String("binding", "", "binding id")
	if extra != nil {
		extra(fs)
	}
	if err := c.parse(fs, args); err != nil {
		return "", "", "", err
	}
	if err := required("project", *p, "env", *e, "binding", *b); err != nil {
		return "", "", "", err
	}
	return *p, *e, *b, nil
}

func (c *cli) complete(args []string) error {
	project, env, id, err := c.bindingFlags("complete", args, nil)
	if err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	b, err := c.client.MarkTestComplete(ctx, project, env, id)
	if err != nil {
		return err
	}
	return c.emit(b, bindingLine("test complete:", b))
}

func (c *cli) rollback(args []string) error {
	project, env, id, err := c.bindingFlags("rollback", args, nil)
	if err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	b, err := c.client.RollbackTest(ctx, project, env, id)
	if err != nil {
		return err
	}
	return c.emit(b, bindingLine("rolled back:", b))
}

func (c *cli) merge(args []string) error {
	var desc *string
	project, env, id, err := c.bindingFlags("merge", args, func(fs *flag.FlagSet) {
		desc = fs.String("desc", "", "merge description")
	})
	if err != nil {
		return err
	}
	if err := required("desc", *desc); err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	res, err := c.client.Merge(ctx, project, env, id, *desc)
	if err != nil {
		return err
	}
	return c.emit(res, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "merged %s\tcommit %s\t%s\n", res.Binding.Branch, res.Commit.CommitID, res.Commit.PullRequestURL)
	})
}

func (c *cli) activate(args []string) error {
	project, env, id, err := c.bindingFlags("activate", args, nil)
	if err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	res, err := c.client.Activate(ctx, project, env, id)
	if err != nil {
		return err
	}
	return c.emit(res, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "activated %s\t%s\n", res.Binding.ID, res.Binding.Branch)
		for _, d := range res.Demoted {
			fmt.Fprintf(w, "demoted %s\n", d)
		}
	})
}

func (c *cli) commits(args []string) error {
	fs := c.flags("commits")
	status := fs.String("status", "", "pending|approved|rejected")
	project := fs.String("project", "", "project id")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	ctx, cancel := c.context()
	defer cancel()
	commits, err := c.client.ListCommits(ctx, *status, *project)
	if err != nil {
		return err
	}
	return c.emit(commits, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tPROJECT\tENV\tBRANCH\tCOMMIT\tSTATUS\tSUBMITTER\tCREATED")
		for _, cm := range commits {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n", cm.ID, cm.ProjectID, cm.Environment, cm.Branch,
				cm.CommitID, cm.Status, cm.Submitter, timefmt.Display(cm.CreatedAt, time.Local))
		}
	})
}

func (c *cli) review(name string, args []string, do func(ctx context.Context, id, reason string) (apiclient.Commit, error)) error {
	fs := c.flags(name)
	reason := fs.String("reason", "", "rejection reason")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("usage: omni %s <commit-id>", name)
	}
	ctx, cancel := c.context()
	defer cancel()
	cm, err := do(ctx, fs.Arg(0), *reason)
	if err != nil {
		return err
	}
	return c.emit(cm, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "%s %s\t%s\treviewer %s\n", cm.Status, cm.ID, cm.Branch, cm.Reviewer)
	})
}

func (c *cli) approve(args []string) error {
	return c.review("approve", args, func(ctx context.Context, id, _ string) (apiclient.Commit, error) {
		return c.client.ApproveCommit(ctx, id)
	})
}

func (c *cli) reject(args []string) error {
	return c.review("reject", args, func(ctx context.Context, id, reason string) (apiclient.Commit, error) {
		return c.client.RejectCommit(ctx, id, reason)
	})
}

func (c *cli) history(args []string) error {
	fs := c.flags("history")
	env := fs.String("env", "", "environment tag (all when empty)")
	limit := fs.Int("limit", 0, "maximum entries")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: omni history [--env <env>] [--limit n] <project>")
	}
	ctx, cancel := c.context()
	defer cancel()
	entries, err := c.client.ListHistory(ctx, fs.Arg(0), *env, *limit)
	if err != nil {
		return err
	}
	return c.emit(entries, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "TIME\tENV\tACTION\tBRANCH\tCOMMIT\tOPERATOR")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", timefmt.Display(e.At, time.Local), e.Environment, e.Action,
				dash(e.Branch), dash(e.Commit), e.Operator)
		}
	})
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func (c *cli) branches(args []string) error {
	fs := c.flags("branches")
	create := fs.String("create", "", "branch to create")
	desc := fs.String("desc", "", "branch description (create)")
	remove := fs.String("delete", "", "branch to delete")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: omni branches [--create <name> --desc <text> | --delete <name>] <project>")
	}
	project := fs.Arg(0)
	ctx, cancel := c.context()
	defer cancel()

	switch {
	case *create != "":
		if err := required("desc", *desc); err != nil {
			return err
		}
		b, err := c.client.CreateBranch(ctx, project, *create, *desc)
		if err != nil {
			return err
		}
		return c.emit(b, func(w *tabwriter.Writer) { fmt.Fprintf(w, "branch created: %s\n", b.Name) })
	case *remove != "":
		if err := c.client.DeleteBranch(ctx, project, *remove); err != nil {
			return err
		}
		return c.emit(map[string]string{"status": "deleted", "name": *remove}, func(w *tabwriter.Writer) {
			fmt.Fprintf(w, "branch deleted: %s\n", *remove)
		})
	}

	list, err := c.client.ListBranches(ctx, project)
	if err != nil {
		return err
	}
	return c.emit(list, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "NAME\tDEFAULT\tRULES\tCREATED\tDESCRIPTION")
		for _, b := range list {
			def := ""
			if b.IsDefault {
				def = "yes"
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", b.Name, def, len(b.Rules), timefmt.Display(b.CreatedAt, time.Local), b.Description)
		}
	})
}

func (c *cli) initRepo(args []string) error {
	fs := c.flags("init-repo")
	if err := c.parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("usage: omni init-repo <project>")
	}
	ctx, cancel := c.context()
	defer cancel()
	st, err := c.client.InitRepository(ctx, fs.Arg(0))
	if err != nil {
		return err
	}
	if err := c.emit(st, func(w *tabwriter.Writer) {
		for _, step := range st.Steps {
			fmt.Fprintf(w, "%s\t%s\t%s\n", step.Status, step.Name, step.Error)
		}
	}); err != nil {
		return err
	}
	if st.Status != "success" {
		return fmt.Errorf("initialization %s: %s", st.Status, st.Error)
	}
	return nil
}

func printUsage(w io.Writer) {
	fmt.Fprintf(w, "omni CLI %s\n\n", buildVersion)
	fmt.Fprint(w, `Usage:
	omni projects [--create --name <name> --repo <url> [--id <id>] [--envs stg,prod]]
	omni env <project> [environment]
	omni plan --project <id> --env <env> --branch <branch> [--start "2025-01-10 09:00"] [--end ...] [--default] [--robots a,b]
	omni complete --project <id> --env <env> --binding <binding-id>
	omni rollback --project <id> --env <env> --binding <binding-id>
	omni merge --project <id> --env <env> --binding <binding-id> --desc <text>
	omni activate --project <id> --env <env> --binding <binding-id>
	omni commits [--status pending] [--project <id>]
	omni approve <commit-id>
	omni reject [--reason <text>] <commit-id>
	omni history [--env <env>] [--limit n] <project>
	omni branches [--create <name> --desc <text> | --delete <name>] <project>
	omni init-repo <project>
	omni version

Every command accepts --server, --user and --json. Defaults come from OMNI_SERVER and OMNI_USER.
`)
}
