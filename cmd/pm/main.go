// Command pm is the property-maintenance client: it signs in against the
// Postgres-backed auth backend, keeps the session across restarts and lists
// the records of the current organization.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/propcare/internal/authprovider"
	"github.com/and161185/propcare/internal/billing"
	"github.com/and161185/propcare/internal/config"
	"github.com/and161185/propcare/internal/errs"
	"github.com/and161185/propcare/internal/migrate"
	"github.com/and161185/propcare/internal/model"
	"github.com/and161185/propcare/internal/provider"
	"github.com/and161185/propcare/internal/session"
	"github.com/and161185/propcare/internal/visibility"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const usageText = `pm CLI
Usage:
  pm [-dsn DSN] [-jwt-key KEY] [-dir DIR] [-debug] <cmd> [args]

Commands:
  version
  migrate                                       (apply schema migrations)
  signup       -email <e> -password <p> [-name <n>] [-org <organization>]
  login        -email <e> -password <p>
  logout
  whoami
  orgs
  switch-org   -id <uuid>
  properties
  contractors
  requests
  subscription
  trial                                         (start the trial of the current organization)
  quote        [-n <properties>]
  billing-event [-file <path>]                  (apply a processor event, JSON on stdin by default)
  watch                                         (SIGCONT/SIGUSR1 refresh, Ctrl-C to stop)
`

func usage() {
	fmt.Fprint(os.Stderr, usageText)
	os.Exit(2)
}

// main loads configuration and dispatches subcommands.
func main() {
	cfg, args, err := config.Load(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
	}
	if len(args) < 1 {
		usage()
	}
	cmd, rest := args[0], args[1:]

	log := newLogger(cfg.Debug)
	defer func() { _ = log.Sync() }()

	if cmd == "version" {
		fmt.Printf("pm %s (%s)\n", version, buildDate)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cmd == "migrate" {
		if err := migrate.Up(ctx, cfg.Database.DSN, log); err != nil {
			fail(log, err)
		}
		fmt.Println("ok")
		return
	}

	if cmd != "watch" {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		fail(log, err)
	}
	defer a.close()

	if err := run(ctx, a, cmd, rest, os.Stdout); err != nil {
		a.close()
		fail(log, err)
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		log *zap.Logger
		err error
	)
	if debug {
		log, err = zap.NewDevelopment()
	} else {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
		log, err = cfg.Build()
	}
	if err != nil {
		return zap.NewNop()
	}
	return log
}

var errUsage = errors.New("usage")

// run executes one subcommand against a wired app, writing results to out.
func run(ctx context.Context, a *app, cmd string, args []string, out io.Writer) error {
	switch cmd {

	case "signup":
		fs := flag.NewFlagSet("signup", flag.ExitOnError)
		email := fs.String("email", "", "email")
		password := fs.String("password", "", "password")
		name := fs.String("name", "", "display name")
		orgName := fs.String("org", "", "create an organization owned by the new user")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			return fmt.Errorf("%w: need -email and -password", errUsage)
		}
		id, err := a.auth.SignUp(ctx, authprovider.SignUpInput{
			Email: *email, Password: *password, Name: *name, Organization: *orgName,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id)

	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "email")
		password := fs.String("password", "", "password")
		_ = fs.Parse(args)
		if *email == "" || *password == "" {
			return fmt.Errorf("%w: need -email and -password", errUsage)
		}
		if err := a.store.Start(ctx); err != nil {
			return err
		}
		u, err := a.store.SignIn(ctx, *email, *password)
		if err != nil {
			return err
		}
		printJSON(out, identityView(a.store.Snapshot(), u))

	case "logout":
		if err := a.store.Start(ctx); err != nil {
			return err
		}
		if err := a.store.SignOut(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "whoami":
		u, err := a.requireSession(ctx)
		if err != nil {
			return err
		}
		printJSON(out, identityView(a.store.Snapshot(), u))

	case "orgs":
		if _, err := a.requireSession(ctx); err != nil {
			return err
		}
		printJSON(out, orgRows(a.store.Snapshot()))

	case "switch-org":
		fs := flag.NewFlagSet("switch-org", flag.ExitOnError)
		raw := fs.String("id", "", "organization id (uuid)")
		_ = fs.Parse(args)
		id, err := uuid.FromString(*raw)
		if err != nil {
			return fmt.Errorf("%w: need -id <uuid>", errUsage)
		}
		if _, err := a.requireSession(ctx); err != nil {
			return err
		}
		if err := a.store.SwitchOrganization(ctx, id); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")

	case "properties":
		items, err := list(ctx, a, a.properties)
		if err != nil {
			return err
		}
		printJSON(out, items)

	case "contractors":
		items, err := list(ctx, a, a.contractors)
		if err != nil {
			return err
		}
		printJSON(out, items)

	case "requests":
		items, err := list(ctx, a, a.requests)
		if err != nil {
			return err
		}
		printJSON(out, items)

	case "subscription":
		cur, err := currentOrg(ctx, a)
		if err != nil {
			return err
		}
		sub, err := a.billing.Subscription(ctx, cur.ID)
		if err != nil {
			return err
		}
		printJSON(out, map[string]any{
			"subscription": sub,
			"trial":        a.billing.TrialProgress(sub, time.Now()),
		})

	case "trial":
		cur, err := currentOrg(ctx, a)
		if err != nil {
			return err
		}
		props, err := list(ctx, a, a.properties)
		if err != nil {
			return err
		}
		sub, err := a.billing.StartTrial(ctx, cur.ID, len(props))
		if err != nil {
			return err
		}
		printJSON(out, sub)

	case "quote":
		fs := flag.NewFlagSet("quote", flag.ExitOnError)
		n := fs.Int("n", -1, "property count (default: properties of the current organization)")
		_ = fs.Parse(args)
		count := *n
		if count < 0 {
			props, err := list(ctx, a, a.properties)
			if err != nil {
				return err
			}
			count = len(props)
		}
		q, err := a.billing.Quote(count)
		if err != nil {
			return err
		}
		printJSON(out, q)

	case "billing-event":
		fs := flag.NewFlagSet("billing-event", flag.ExitOnError)
		path := fs.String("file", "-", "event JSON file, - for stdin")
		_ = fs.Parse(args)
		ev, err := readEvent(*path)
		if err != nil {
			return err
		}
		sub, err := a.billing.Apply(ctx, ev)
		if errors.Is(err, billing.ErrStaleEvent) {
			a.log.Warn("billing event older than the last applied one", zap.String("type", string(ev.Type)))
		} else if err != nil {
			return err
		}
		printJSON(out, sub)

	case "watch":
		return watch(ctx, a, out)

	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
	return nil
}

// readEvent decodes one billing event from path, or from stdin for "-".
func readEvent(path string) (billing.Event, error) {
	var (
		b   []byte
		err error
	)
	if path == "-" {
		b, err = io.ReadAll(os.Stdin)
	} else {
		b, err = os.ReadFile(path)
	}
	if err != nil {
		return billing.Event{}, fmt.Errorf("read event: %w", err)
	}
	var ev billing.Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return billing.Event{}, fmt.Errorf("%w: event: %v", errs.ErrValidation, err)
	}
	if ev.Type == "" || ev.OrganizationID == uuid.Nil || ev.OccurredAt.IsZero() {
		return billing.Event{}, fmt.Errorf("%w: event needs type, organization_id and occurred_at", errs.ErrValidation)
	}
	return ev, nil
}

// currentOrg returns the organization the signed-in user operates in.
func currentOrg(ctx context.Context, a *app) (*model.Organization, error) {
	if _, err := a.requireSession(ctx); err != nil {
		return nil, err
	}
	cur := a.store.Organization()
	if cur == nil {
		return nil, fmt.Errorf("no organization: %w", errs.ErrNotMember)
	}
	return cur, nil
}

// list returns the collection of the current organization, waiting for the
// background first fetch when one is already running.
func list[T any](ctx context.Context, a *app, p *provider.Provider[T]) ([]T, error) {
	if _, err := currentOrg(ctx, a); err != nil {
		return nil, err
	}
	ok, err := p.Refresh(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return p.Items(), nil
	}
	t := time.NewTicker(10 * time.Millisecond)
	defer t.Stop()
	for p.LastFetched().IsZero() {
		if err := p.Err(); err != nil {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return p.Items(), nil
}

// watch keeps the session alive and refreshes the collections whenever the
// process is resumed or signalled, until ctx ends.
func watch(ctx context.Context, a *app, out io.Writer) error {
	if _, err := a.requireSession(ctx); err != nil {
		return err
	}
	a.client.StartAutoRefresh(ctx)

	a.coord.OnTabRefreshChange(func(refreshing bool) {
		if refreshing {
			fmt.Fprintln(out, "refreshing...")
			return
		}
		fmt.Fprintf(out, "properties=%d contractors=%d requests=%d\n",
			len(a.properties.Items()), len(a.contractors.Items()), len(a.requests.Items()))
	})
	a.store.OnChange(func(st session.State) {
		if st.Session == nil && st.Initialized {
			fmt.Fprintln(out, errs.NoticeSignInAgain)
		}
	})

	a.coord.StartListening(visibility.SignalSource{})
	defer a.coord.StopListening()
	a.log.Info("watching", zap.Int("pid", os.Getpid()))

	<-ctx.Done()
	return nil
}

type identity struct {
	ID           uuid.UUID  `json:"id"`
	Email        string     `json:"email"`
	Name         string     `json:"name,omitempty"`
	Role         model.Role `json:"role"`
	Organization string     `json:"organization,omitempty"`
}

func identityView(st session.State, u *model.User) identity {
	v := identity{ID: u.ID, Email: u.Email, Name: u.Name, Role: u.Role}
	if st.Organization != nil {
		v.Organization = st.Organization.Name
		for _, m := range st.Memberships {
			if m.OrganizationID == st.Organization.ID {
				v.Role = m.Role
			}
		}
	}
	return v
}

type orgRow struct {
	ID      uuid.UUID  `json:"id"`
	Name    string     `json:"name"`
	Slug    string     `json:"slug"`
	Role    model.Role `json:"role,omitempty"`
	Current bool       `json:"current"`
}

func orgRows(st session.State) []orgRow {
	roles := make(map[uuid.UUID]model.Role, len(st.Memberships))
	for _, m := range st.Memberships {
		roles[m.OrganizationID] = m.Role
	}
	rows := make([]orgRow, 0, len(st.Organizations))
	for _, o := range st.Organizations {
		rows = append(rows, orgRow{
			ID:      o.ID,
			Name:    o.Name,
			Slug:    o.Slug,
			Role:    roles[o.ID],
			Current: st.Organization != nil && st.Organization.ID == o.ID,
		})
	}
	return rows
}

func printJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

// message is the line shown for err. Causes stay in the log.
func message(err error) string {
	switch {
	case errors.Is(err, errUsage), errors.Is(err, errs.ErrValidation):
		return err.Error()
	case errors.Is(err, errs.ErrRateLimited):
		return "too many attempts, try again later"
	case errors.Is(err, errs.ErrAlreadyExists):
		return "already exists"
	case errors.Is(err, errs.ErrNotMember):
		return "not a member of that organization"
	case errors.Is(err, errs.ErrNotFound):
		return "not found"
	default:
		return errs.Notice(err)
	}
}

func fail(log *zap.Logger, err error) {
	log.Error("command failed", zap.Error(err))
	_ = log.Sync()
	fmt.Fprintln(os.Stderr, message(err))
	if errors.Is(err, errUsage) {
		usage()
	}
	os.Exit(1)
}
