// Command fleetframe distributes a per-frame batch computation across a
// pool of remote workers. It implements all three roles — worker, proxy,
// controller — behind one binary, selected by the first positional
// argument.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	ffshare "github.com/fleetframe/fleetframe/share"
)

// newTCPListener opens a TCP listener for ep; net.Listen handles host
// resolution.
func newTCPListener(ep ffshare.Endpoint) (net.Listener, error) {
	return net.Listen("tcp", ep.String())
}

func main() {
	app := &cli.App{
		Name:                   "fleetframe",
		Usage:                  "distribute a per-frame batch computation across remote workers",
		UseShortOptionHandling: true,
		Commands: []*cli.Command{
			workerCommand(),
			proxyCommand(),
			controllerCommand(),
		},
		ExitErrHandler: exitErrHandler,
	}

	args, err := rewriteCopyFlagArgs(os.Args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fleetframe: %v\n", err)
		os.Exit(1)
	}
	if err := app.Run(args); err != nil {
		os.Exit(1)
	}

	// Explicit help exits 2, distinguishing "usage was shown" from a
	// successful run.
	for _, a := range os.Args[1:] {
		if a == "-h" || a == "--help" || a == "help" {
			os.Exit(2)
		}
	}
}

func exitErrHandler(c *cli.Context, err error) {
	if err == nil {
		return
	}
	var exitCoder cli.ExitCoder
	if ec, ok := err.(cli.ExitCoder); ok {
		exitCoder = ec
	}
	if exitCoder != nil {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "fleetframe: %v\n", err)
	os.Exit(1)
}

// signalContext returns a context cancelled on SIGINT/SIGTERM, so every
// role's run loop exits cleanly on interrupt.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func newLogger(c *cli.Context, prefix string) ffshare.Logger {
	level := ffshare.LogLevelInfo
	if c.Bool("debug") {
		level = ffshare.LogLevelDebug
	}
	if s := c.String("log-level"); s != "" {
		parsed := ffshare.StringToLogLevel(s)
		if parsed == ffshare.LogLevelUnknown {
			fmt.Fprintf(os.Stderr, "fleetframe: unknown log level %q, using %s\n", s, level)
		} else {
			level = parsed
		}
	}
	return ffshare.NewLogger(prefix, level)
}

var debugFlag = &cli.BoolFlag{
	Name:  "debug",
	Usage: "enable debug-level logging",
}

var logLevelFlag = &cli.StringFlag{
	Name:  "log-level",
	Usage: "log level (error, warning, info, debug, trace); overrides --debug",
}

func workerCommand() *cli.Command {
	return &cli.Command{
		Name:      "worker",
		Usage:     "dial a controller or proxy and serve frame requests",
		ArgsUsage: "ENDPOINT",
		Flags: []cli.Flag{
			debugFlag,
			logLevelFlag,
			&cli.StringFlag{Name: "password", Usage: "shared password; rejects a WELCOME with a mismatched password"},
			&cli.IntFlag{Name: "max-retry-count", Usage: "give up after this many failed dial attempts (0 = retry forever)"},
			&cli.DurationFlag{Name: "max-retry-interval", Value: 30 * time.Second, Usage: "cap on the reconnect backoff delay"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("worker: expected exactly one ENDPOINT argument", 1)
			}
			endpoint, err := ffshare.ParseEndpoint(c.Args().Get(0), ffshare.DefaultWorkerPort)
			if err != nil {
				return cli.Exit(fmt.Sprintf("worker: %v", err), 1)
			}

			ctx, cancel := signalContext()
			defer cancel()

			logger := newLogger(c, "worker")
			cfg := ffshare.WorkerConfig{
				Endpoint:         endpoint.DialString(),
				Password:         c.String("password"),
				MaxRetryCount:    c.Int("max-retry-count"),
				MaxRetryInterval: c.Duration("max-retry-interval"),
			}
			if err := ffshare.RunWorker(ctx, logger, cfg); err != nil && err != context.Canceled {
				return cli.Exit(fmt.Sprintf("worker: %v", err), 1)
			}
			return nil
		},
	}
}

func proxyCommand() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "bridge worker connections to controllers that cannot dial them directly",
		Flags: []cli.Flag{
			debugFlag,
			logLevelFlag,
			&cli.StringFlag{Name: "worker-listen", Usage: "ENDPOINT workers dial (default port " + portStr(ffshare.DefaultWorkerPort) + ")"},
			&cli.StringFlag{Name: "controller-listen", Usage: "ENDPOINT controllers dial (default port " + portStr(ffshare.DefaultControllerPort) + ")"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 0 {
				return cli.Exit("proxy: unexpected positional arguments", 1)
			}
			workerEP, err := ffshare.ParseEndpoint(c.String("worker-listen"), ffshare.DefaultWorkerPort)
			if err != nil {
				return cli.Exit(fmt.Sprintf("proxy: %v", err), 1)
			}
			controllerEP, err := ffshare.ParseEndpoint(c.String("controller-listen"), ffshare.DefaultControllerPort)
			if err != nil {
				return cli.Exit(fmt.Sprintf("proxy: %v", err), 1)
			}

			workerListener, err := newTCPListener(workerEP)
			if err != nil {
				return cli.Exit(fmt.Sprintf("proxy: listen (worker side): %v", err), 1)
			}
			defer workerListener.Close()

			controllerListener, err := newTCPListener(controllerEP)
			if err != nil {
				return cli.Exit(fmt.Sprintf("proxy: listen (controller side): %v", err), 1)
			}
			defer controllerListener.Close()

			ctx, cancel := signalContext()
			defer cancel()

			logger := newLogger(c, "proxy")
			logger.ILogf("proxy: worker side on %s, controller side on %s", workerEP, controllerEP)
			if err := ffshare.RunProxy(ctx, logger, workerListener, controllerListener); err != nil && err != context.Canceled {
				return cli.Exit(fmt.Sprintf("proxy: %v", err), 1)
			}
			return nil
		},
	}
}

func controllerCommand() *cli.Command {
	return &cli.Command{
		Name:      "controller",
		Usage:     "assign frames to idle workers until the queue is empty",
		ArgsUsage: "FRAMES EXEC [ARG...]",
		Flags: []cli.Flag{
			debugFlag,
			logLevelFlag,
			&cli.StringSliceFlag{Name: "proxy", Usage: "proxy ENDPOINT to dial for workers behind restricted networks (repeatable)"},
			&cli.StringSliceFlag{Name: "in", Usage: "`LOCAL REMOTE` file copied from the controller to the worker before EXEC runs (takes two path arguments, repeatable)"},
			&cli.StringSliceFlag{Name: "out", Usage: "`REMOTE LOCAL` file copied from the worker back to the controller after EXEC runs (takes two path arguments, repeatable)"},
			&cli.StringFlag{Name: "listen", Usage: "ENDPOINT to accept direct worker connections on (default port " + portStr(ffshare.DefaultWorkerPort) + ")"},
			&cli.StringFlag{Name: "password", Usage: "shared password sent with every WELCOME request"},
			&cli.StringFlag{Name: "config", Usage: "YAML job file; CLI flags override its fields"},
		},
		Action: runController,
	}
}

func portStr(p int) string { return fmt.Sprintf("%d", p) }

func runController(c *cli.Context) error {
	fileCfg := ffshare.JobConfig{}
	if path := c.String("config"); path != "" {
		loaded, err := ffshare.LoadJobConfig(path)
		if err != nil {
			return cli.Exit(fmt.Sprintf("controller: %v", err), 1)
		}
		fileCfg = *loaded
	}

	flagCfg, err := controllerFlagConfig(c)
	if err != nil {
		return cli.Exit(fmt.Sprintf("controller: %v", err), 1)
	}

	cfg, err := buildControllerConfig(fileCfg.Merge(flagCfg))
	if err != nil {
		return cli.Exit(fmt.Sprintf("controller: %v", err), 1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	logger := newLogger(c, "controller")
	if err := ffshare.RunController(ctx, logger, cfg); err != nil && err != context.Canceled {
		return cli.Exit(fmt.Sprintf("controller: %v", err), 1)
	}
	return nil
}

// controllerFlagConfig collects the controller's flags and positional
// FRAMES EXEC [ARG...] arguments into a JobConfig, leaving zero values for
// anything not given so a --config file's fields survive the merge.
func controllerFlagConfig(c *cli.Context) (ffshare.JobConfig, error) {
	cfg := ffshare.JobConfig{
		Proxies:  c.StringSlice("proxy"),
		Listen:   c.String("listen"),
		Password: c.String("password"),
	}
	in, err := parseCopyPairs(c.StringSlice("in"))
	if err != nil {
		return ffshare.JobConfig{}, fmt.Errorf("--in: %w", err)
	}
	if len(in) > 0 {
		cfg.In = in
	}
	out, err := parseCopyPairs(c.StringSlice("out"))
	if err != nil {
		return ffshare.JobConfig{}, fmt.Errorf("--out: %w", err)
	}
	if len(out) > 0 {
		cfg.Out = out
	}

	args := c.Args().Slice()
	if len(args) >= 1 {
		cfg.Frames = args[0]
	}
	if len(args) >= 2 {
		cfg.Exec = args[1]
	}
	if len(args) > 2 {
		cfg.Args = args[2:]
	}
	return cfg, nil
}

// buildControllerConfig validates the merged job description and expands it
// into the runtime config: frame expansion, the local-path check on EXEC
// and the remote side of every copy, and the listen and proxy endpoint
// defaulting.
func buildControllerConfig(job ffshare.JobConfig) (ffshare.ControllerConfig, error) {
	if job.Frames == "" || job.Exec == "" {
		return ffshare.ControllerConfig{}, fmt.Errorf("expected FRAMES EXEC [ARG...]")
	}

	frameSpec, err := ffshare.ParseFrameSpec(job.Frames)
	if err != nil {
		return ffshare.ControllerConfig{}, err
	}

	if !ffshare.IsLocalPath(job.Exec) {
		return ffshare.ControllerConfig{}, fmt.Errorf("EXEC must be a local path: %q", job.Exec)
	}

	inCopies, err := toFileCopies(job.In, true)
	if err != nil {
		return ffshare.ControllerConfig{}, fmt.Errorf("--in: %w", err)
	}
	outCopies, err := toFileCopies(job.Out, false)
	if err != nil {
		return ffshare.ControllerConfig{}, fmt.Errorf("--out: %w", err)
	}

	var listenEndpoint string
	if job.Listen != "" {
		ep, err := ffshare.ParseEndpoint(job.Listen, ffshare.DefaultWorkerPort)
		if err != nil {
			return ffshare.ControllerConfig{}, err
		}
		listenEndpoint = ep.String()
	} else if len(job.Proxies) == 0 {
		// Default to listening when no proxies were configured to dial
		// through, so a bare `controller FRAMES EXEC` is immediately
		// reachable by a directly-dialing worker.
		ep, _ := ffshare.ParseEndpoint("", ffshare.DefaultWorkerPort)
		listenEndpoint = ep.String()
	}

	var proxies []string
	for _, p := range job.Proxies {
		ep, err := ffshare.ParseEndpoint(p, ffshare.DefaultControllerPort)
		if err != nil {
			return ffshare.ControllerConfig{}, err
		}
		proxies = append(proxies, ep.DialString())
	}

	return ffshare.ControllerConfig{
		Job: &ffshare.JobSpec{
			Executable: job.Exec,
			Arguments:  job.Args,
			InCopies:   inCopies,
			OutCopies:  outCopies,
			Password:   job.Password,
		},
		Frames:  frameSpec.Expand(),
		Listen:  listenEndpoint,
		Proxies: proxies,
	}, nil
}

// copyArgSep joins the two path tokens of one --in/--out occurrence into a
// single flag value. NUL cannot appear in a pathname, so the join is
// unambiguous.
const copyArgSep = "\x00"

// rewriteCopyFlagArgs pre-processes argv so that --in and --out each
// consume the two path arguments that follow them (--in LOCAL REMOTE,
// --out REMOTE LOCAL). cli's StringSlice flags take exactly one value per
// occurrence, so the two tokens are joined with copyArgSep here and split
// back apart in parseCopyPairs. Rewriting stops at a "--" terminator.
func rewriteCopyFlagArgs(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			out = append(out, args[i:]...)
			break
		}
		if a == "--in" || a == "--out" {
			if i+2 >= len(args) {
				return nil, fmt.Errorf("%s requires two path arguments", a)
			}
			out = append(out, a, args[i+1]+copyArgSep+args[i+2])
			i += 2
			continue
		}
		out = append(out, a)
	}
	return out, nil
}

// parseCopyPairs splits the joined two-token values produced by
// rewriteCopyFlagArgs back into FileCopyConfig entries.
func parseCopyPairs(raw []string) ([]ffshare.FileCopyConfig, error) {
	var out []ffshare.FileCopyConfig
	for _, r := range raw {
		src, dst, ok := strings.Cut(r, copyArgSep)
		if !ok {
			return nil, fmt.Errorf("expected two path arguments, got %q", r)
		}
		out = append(out, ffshare.FileCopyConfig{Source: src, Destination: dst})
	}
	return out, nil
}

// toFileCopies converts config entries to ffshare.FileCopy, enforcing the
// local-path invariant on whichever side names a remote worker path: the
// destination for --in, the source for --out.
func toFileCopies(entries []ffshare.FileCopyConfig, isIn bool) ([]ffshare.FileCopy, error) {
	var out []ffshare.FileCopy
	for _, e := range entries {
		remote := e.Destination
		if !isIn {
			remote = e.Source
		}
		if !ffshare.IsLocalPath(remote) {
			return nil, fmt.Errorf("remote path must be local: %q", remote)
		}
		out = append(out, ffshare.FileCopy{Source: e.Source, Destination: e.Destination})
	}
	return out, nil
}
