// Command-line interface to the block engine.
// Provides the commands an external scheduler calls: init, run, serve.

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/dokempf/CebraEM/cebra"
	"github.com/dokempf/CebraEM/config"
	"github.com/dokempf/CebraEM/server"
	"github.com/dokempf/CebraEM/storage"
	"github.com/dokempf/CebraEM/task"

	_ "github.com/dokempf/CebraEM/storage/badger"
)

var (
	// Display usage if true.
	showHelp = flag.Bool("help", false, "")

	// Run in verbose mode if true.
	runVerbose = flag.Bool("verbose", false, "")

	// Address for http communication, overriding [server] http_address.
	httpAddress = flag.String("http", "", "")

	// Number of blocks run concurrently by the run command.
	numWorkers = flag.Int("workers", 1, "")

	// Profile CPU usage using standard gotest system.
	cpuprofile = flag.String("cpuprofile", "", "")

	// Number of logical CPUs to use.
	useCPU = flag.Int("numcpu", 0, "")
)

const helpMessage = `
cebra computes derived layers of large 3d image volumes block by block

Usage: cebra [options] <command>

      -http       =string   Address for HTTP communication.
      -workers    =number   Number of blocks the run command computes concurrently.
      -cpuprofile =string   Write CPU profile to this file.
      -numcpu     =number   Number of logical CPUs to use.
      -verbose    (flag)    Run in verbose mode.
  -h, -help       (flag)    Show help message

Commands:

	about
	help
	init  <config.toml> [dataset ...]
	run   <config.toml> <dataset> <index | first-last>
	serve <config.toml>
	token <config.toml> <user>
`

func main() {
	flag.BoolVar(showHelp, "h", false, "Show help message")
	flag.Usage = func() {
		fmt.Print(helpMessage)
	}
	flag.Parse()

	if flag.NArg() >= 1 && strings.ToLower(flag.Args()[0]) == "help" {
		*showHelp = true
	}
	if *runVerbose {
		cebra.Verbose = true
	}
	if *showHelp || flag.NArg() == 0 {
		flag.Usage()
		os.Exit(0)
	}

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}
	if *useCPU != 0 {
		runtime.GOMAXPROCS(*useCPU)
	}

	// Capture ctrl+c and other interrupts and cancel running blocks.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := DoCommand(ctx, flag.Args())
	cebra.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		pprof.StopCPUProfile()
		os.Exit(1)
	}
}

// DoCommand serves as a switchboard for commands.
func DoCommand(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("blank command")
	}
	switch args[0] {
	case "about":
		fmt.Printf("cebra %s (%s)\nStorage engines: %s\n", cebra.Version, cebra.GitVersion(), storage.EnginesAvailable())
		return nil
	case "init":
		return DoInit(ctx, args[1:])
	case "run":
		return DoRun(ctx, args[1:])
	case "serve":
		return DoServe(ctx, args[1:])
	case "token":
		return DoToken(args[1:])
	}
	return fmt.Errorf("unknown command %q, try 'cebra help'", args[0])
}

func openRunner(ctx context.Context, args []string, what string) (*task.Runner, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command must be followed by the path to the project configuration", what)
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		return nil, err
	}
	cfg.Logging.SetLogger()
	if cfg.Project.Verbose {
		cebra.Verbose = true
	}
	return task.NewRunner(ctx, cfg, nil)
}

// DoInit creates the output stores of the given or of all datasets.
func DoInit(ctx context.Context, args []string) error {
	runner, err := openRunner(ctx, args, "init")
	if err != nil {
		return err
	}
	defer runner.Close()
	names := args[1:]
	if len(names) == 0 {
		names = runner.Config().DatasetNames()
	}
	for _, name := range names {
		p, err := runner.InitStore(ctx, name)
		if err != nil {
			return fmt.Errorf("dataset %q: %w", name, err)
		}
		fmt.Printf("Initialized %s in %s\n", name, p)
	}
	return nil
}

func parseRange(s string) (int, int, error) {
	parts := strings.SplitN(s, "-", 2)
	first, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("bad block index %q", s)
	}
	last := first
	if len(parts) == 2 {
		if last, err = strconv.Atoi(parts[1]); err != nil || last < first {
			return 0, 0, fmt.Errorf("bad block range %q", s)
		}
	}
	return first, last, nil
}

// DoRun computes a block or an inclusive range of blocks.  Failing blocks are reported and
// do not stop the others.
func DoRun(ctx context.Context, args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("run command needs <config.toml> <dataset> <index | first-last>")
	}
	first, last, err := parseRange(args[2])
	if err != nil {
		return err
	}
	runner, err := openRunner(ctx, args, "run")
	if err != nil {
		return err
	}
	defer runner.Close()

	dataset := args[1]
	var failed int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(*numWorkers)
	for index := first; index <= last; index++ {
		index := index
		g.Go(func() error {
			if err := runner.RunBlock(gctx, dataset, index); err != nil {
				atomic.AddInt32(&failed, 1)
				fmt.Fprintln(os.Stderr, err.Error())
			}
			return nil
		})
	}
	g.Wait()
	if failed > 0 {
		return fmt.Errorf("%d of %d blocks of dataset %q failed", failed, last-first+1, dataset)
	}
	return nil
}

// DoServe runs the HTTP server until interrupted.
func DoServe(ctx context.Context, args []string) error {
	runner, err := openRunner(ctx, args, "serve")
	if err != nil {
		return err
	}
	defer runner.Close()
	address := *httpAddress
	if address == "" {
		address = runner.Config().Server.HTTPAddress
	}
	return server.New(runner).Serve(ctx, address)
}

// DoToken prints a JWT for the configured server secret.
func DoToken(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("token command needs <config.toml> <user>")
	}
	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	if cfg.Server.JWTSecret == "" {
		return fmt.Errorf("no jwt_secret configured in [server]")
	}
	token, err := server.GenerateJWT(cfg.Server.JWTSecret, args[1])
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
