package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/crypto/bcrypt"

	"github.com/tternquist/beyond-ads-blocker/internal/artifact"
	"github.com/tternquist/beyond-ads-blocker/internal/blocklist"
	"github.com/tternquist/beyond-ads-blocker/internal/config"
	"github.com/tternquist/beyond-ads-blocker/internal/logging"
	"github.com/tternquist/beyond-ads-blocker/internal/rules"
)

// Exit codes are stable so scripts can branch on the failure kind.
const (
	exitOK            = 0
	exitError         = 1
	exitUsage         = 2
	exitFetch         = 10
	exitDecode        = 11
	exitImplausible   = 12
	exitValidation    = 13
	exitNotEntitled   = 14
	exitSerialization = 15
	exitWrite         = 16
)

var errUsage = errors.New("usage")

const usageText = `usage: beyond-ads-blocker <command> [flags] [arg]

commands:
  refresh [-if-stale]         download the hosts source and recompile
  compile [-entitled=bool]    recompile and write the artifact
  add-domain <domain>         block a custom domain
  remove-domain <domain>
  add-keyword <keyword>       block URLs containing keyword
  remove-keyword <keyword>
  add-whitelist <domain>      never block this custom domain
  remove-whitelist <domain>
  info                        print snapshot and list counts
  check <domain>              report whether a domain is blocked
  serve                       run the refresh scheduler and control API
  hash-token [token]          print a bcrypt hash for control.token_hash

common flags:
  -config path                override config file (default $CONFIG_PATH or config/config.yaml)
  -entitled=bool              override entitlement.entitled
`

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(stderr, usageText)
		if len(args) == 0 {
			return exitUsage
		}
		return exitOK
	}
	err := dispatch(args[0], args[1:], stdin, stdout, stderr)
	if err != nil {
		if errors.Is(err, errUsage) {
			fmt.Fprintf(stderr, "%v\n\n%s", err, usageText)
		} else {
			fmt.Fprintf(stderr, "beyond-ads-blocker %s: %v\n", args[0], err)
		}
	}
	return exitCode(err)
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage):
		return exitUsage
	case errors.Is(err, blocklist.ErrFetch):
		return exitFetch
	case errors.Is(err, blocklist.ErrDecode):
		return exitDecode
	case errors.Is(err, blocklist.ErrImplausibleResult):
		return exitImplausible
	case errors.Is(err, rules.ErrValidation):
		return exitValidation
	case errors.Is(err, blocklist.ErrNotEntitled):
		return exitNotEntitled
	case errors.Is(err, artifact.ErrSerialization):
		return exitSerialization
	case errors.Is(err, artifact.ErrWrite):
		return exitWrite
	default:
		return exitError
	}
}

// optionalBool is a bool flag that remembers whether it was set.
type optionalBool struct {
	set   bool
	value bool
}

func (b *optionalBool) String() string {
	if b == nil || !b.set {
		return ""
	}
	return strconv.FormatBool(b.value)
}

func (b *optionalBool) Set(s string) error {
	v, err := strconv.ParseBool(s)
	if err != nil {
		return err
	}
	b.set, b.value = true, v
	return nil
}

func (b *optionalBool) IsBoolFlag() bool { return true }

func (b *optionalBool) ptr() *bool {
	if !b.set {
		return nil
	}
	v := b.value
	return &v
}

type commandFlags struct {
	fs         *flag.FlagSet
	configPath *string
	entitled   optionalBool
}

func newCommandFlags(name string, stderr io.Writer) *commandFlags {
	defaultConfig := os.Getenv("CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "config/config.yaml"
	}
	cf := &commandFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	cf.fs.SetOutput(stderr)
	cf.configPath = cf.fs.String("config", defaultConfig, "Path to YAML config override")
	cf.fs.Var(&cf.entitled, "entitled", "Override entitlement.entitled")
	return cf
}

func (cf *commandFlags) parse(args []string, wantArgs int) error {
	if err := cf.fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if cf.fs.NArg() != wantArgs {
		return fmt.Errorf("%w: %s expects %d argument(s), got %d", errUsage, cf.fs.Name(), wantArgs, cf.fs.NArg())
	}
	return nil
}

func (cf *commandFlags) open(ctx context.Context, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(*cf.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewLogger(stderr, logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	return newApp(ctx, cfg, logger, cf.entitled.ptr())
}

func dispatch(cmd string, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	ctx := context.Background()
	switch cmd {
	case "refresh":
		return runRefresh(ctx, args, stdout, stderr)
	case "compile":
		return runCompile(ctx, args, stdout, stderr)
	case "add-domain":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).AddCustomDomain)
	case "remove-domain":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).RemoveCustomDomain)
	case "add-keyword":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).AddKeyword)
	case "remove-keyword":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).RemoveKeyword)
	case "add-whitelist":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).AddWhitelist)
	case "remove-whitelist":
		return runMutation(ctx, cmd, args, stdout, stderr, (*blocklist.Store).RemoveWhitelist)
	case "info":
		return runInfo(ctx, args, stdout, stderr)
	case "check":
		return runCheck(ctx, args, stdout, stderr)
	case "serve":
		return runServe(args, stderr)
	case "hash-token":
		return runHashToken(args, stdin, stdout)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func runRefresh(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cf := newCommandFlags("refresh", stderr)
	ifStale := cf.fs.Bool("if-stale", false, "Only refresh when the cached snapshot is stale")
	force := cf.fs.Bool("force", true, "Refresh regardless of snapshot age")
	if err := cf.parse(args, 0); err != nil {
		return err
	}
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if *ifStale || !*force {
		refreshed, err := a.store.RefreshIfStale(ctx)
		if err != nil {
			return err
		}
		if !refreshed {
			fmt.Fprintln(stdout, "snapshot is fresh, nothing to do")
			return nil
		}
		fmt.Fprintf(stdout, "refreshed %d domains\n", a.store.Info().Domains)
		return nil
	}
	snap, err := a.store.Refresh(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "refreshed %d domains\n", len(snap.Domains))
	return nil
}

func runCompile(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cf := newCommandFlags("compile", stderr)
	if err := cf.parse(args, 0); err != nil {
		return err
	}
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	compiled, err := a.store.Recompile(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "compiled %d rules to %s\n", len(compiled), strings.Join(a.writer.Targets(), ", "))
	return nil
}

type mutation func(*blocklist.Store, context.Context, string) error

func runMutation(ctx context.Context, name string, args []string, stdout, stderr io.Writer, op mutation) error {
	cf := newCommandFlags(name, stderr)
	if err := cf.parse(args, 1); err != nil {
		return err
	}
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := op(a.store, ctx, cf.fs.Arg(0)); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "%s: ok (%d rules)\n", name, len(a.store.Rules()))
	return nil
}

func runInfo(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cf := newCommandFlags("info", stderr)
	if err := cf.parse(args, 0); err != nil {
		return err
	}
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return writeIndented(stdout, a.store.Info())
}

func runCheck(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cf := newCommandFlags("check", stderr)
	if err := cf.parse(args, 1); err != nil {
		return err
	}
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return writeIndented(stdout, a.store.Lookup(cf.fs.Arg(0)))
}

func runServe(args []string, stderr io.Writer) error {
	cf := newCommandFlags("serve", stderr)
	if err := cf.parse(args, 0); err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	a, err := cf.open(ctx, stderr)
	if err != nil {
		return err
	}
	defer a.Close()
	return serve(ctx, a)
}

// runHashToken prints a bcrypt hash of the token given as argument or read
// from stdin.
func runHashToken(args []string, stdin io.Reader, stdout io.Writer) error {
	var token string
	if len(args) >= 1 {
		token = strings.TrimSpace(args[0])
	}
	if token == "" {
		scanner := bufio.NewScanner(stdin)
		if !scanner.Scan() {
			return fmt.Errorf("no token provided")
		}
		token = strings.TrimSpace(scanner.Text())
	}
	if token == "" {
		return fmt.Errorf("token cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash token: %w", err)
	}
	fmt.Fprintln(stdout, string(hash))
	return nil
}

func writeIndented(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
