package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rovercraft/fleetbridge/internal/supervisor"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

SUPERVISOR MODE (default):
  %s                          Launch delegator, watcher and default workers
  %s -w NAME [-w NAME]        Launch only the named workers (plus core tiers)
  %s -all-workers             Launch every configured worker
  %s -list-workers            Print configured worker names and exit

COMPONENT SUBCOMMANDS (normally launched by the supervisor):
  %s watcher                  Run the task queue and retry loop
  %s delegator                Run the session coordinator HTTP service
  %s worker [options]         Run a generic fleet worker
                              Options: -name, -addr, -description

OPERATOR SUBCOMMANDS:
  %s status                   Probe fleet health and print outcome counts
  %s tasks                    Open the terminal task dashboard
  %s submit [-urgency U] TEXT Append a task to the pending queue

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0],
		os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  FLEETBRIDGE_HOME        Data directory (default: ~/.fleetbridge)
  FLEETBRIDGE_BIND        Delegator bind address override
  FLEETBRIDGE_AUTH_TOKEN  Bearer token for mutating delegator calls
  GEMINI_API_KEY          Required for the Google planner provider
`)
}

// stringList collects repeatable -w flags.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	v = strings.TrimSpace(v)
	if v == "" {
		return errors.New("empty worker name")
	}
	*s = append(*s, v)
	return nil
}

func main() {
	loadDotEnv(".env")

	var workers stringList
	noApp := flag.Bool("no-app", false, "do not launch the delegator tier")
	noWatcher := flag.Bool("no-watcher", false, "do not launch the watcher tier")
	allWorkers := flag.Bool("all-workers", false, "launch every configured worker, optional ones included")
	listWorkers := flag.Bool("list-workers", false, "print configured worker names and exit")
	noColor := flag.Bool("no-color", false, "disable colored output labels")
	hideAccess := flag.Bool("hide-access", false, "suppress HTTP access-log lines from worker output")
	graceInt := flag.Duration("grace-int", 0, "grace period after interrupt before escalating (default from config)")
	graceTerm := flag.Duration("grace-term", 0, "grace period after terminate before killing (default from config)")
	flag.Var(&workers, "w", "worker name to launch (repeatable)")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "watcher":
			os.Exit(runWatcherCommand(ctx))
		case "delegator":
			os.Exit(runDelegatorCommand(ctx))
		case "worker":
			os.Exit(runWorkerCommand(ctx, args[1:]))
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "tasks":
			os.Exit(runTasksCommand(ctx, args[1:]))
		case "submit":
			os.Exit(runSubmitCommand(args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	os.Exit(runSupervisorCommand(ctx, supervisorFlags{
		app:         !*noApp,
		watcher:     !*noWatcher,
		allWorkers:  *allWorkers,
		workers:     workers,
		listWorkers: *listWorkers,
		noColor:     *noColor,
		hideAccess:  *hideAccess,
		graceInt:    *graceInt,
		graceTerm:   *graceTerm,
	}))
}

// exitCodeFor maps plan construction errors to the CLI contract: 2 for
// unknown worker names, 1 for an empty plan.
func exitCodeFor(err error) int {
	var unknown *supervisor.UnknownWorkersError
	if errors.As(err, &unknown) {
		return 2
	}
	if errors.Is(err, supervisor.ErrNothingToRun) {
		return 1
	}
	return 1
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv applies KEY=VALUE lines from the file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
