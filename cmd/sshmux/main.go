package main

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/guseggert/sshmux/cluster/basic"
	"github.com/guseggert/sshmux/cluster/sshnode"
	"github.com/guseggert/sshmux/control"
	"github.com/guseggert/sshmux/internal/config"
	"github.com/guseggert/sshmux/internal/logging"
	internalnet "github.com/guseggert/sshmux/internal/net"
	"github.com/guseggert/sshmux/pipe"
	"github.com/guseggert/sshmux/protocol"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

// env is what every command needs, built once from the config file, the environment and the global flags.
type env struct {
	cfg config.Config
	log *zap.Logger
}

func setup(ctx *cli.Context) (*env, error) {
	path := ctx.String("config")
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = config.Discover(wd)
		}
	}
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.ApplyEnv(nil)
	if ctx.IsSet("control-path") {
		cfg.ControlPath = ctx.String("control-path")
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	l, err := logging.New(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	pipe.SetLogger(l.Sugar())
	return &env{cfg: cfg, log: l}, nil
}

func (e *env) controlOptions() []control.Option {
	return append([]control.Option{control.WithLogger(e.log)}, e.cfg.ControlOptions()...)
}

func (e *env) dial(ctx *cli.Context) (*control.Control, error) {
	return control.DialContext(ctx.Context, e.cfg.ControlPath, e.controlOptions()...)
}

// withControl runs fn with a control connection to the configured master.
func withControl(fn func(ctx *cli.Context, e *env, c *control.Control) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.log.Sync()
		c, err := e.dial(ctx)
		if err != nil {
			return err
		}
		defer c.Close()
		return fn(ctx, e, c)
	}
}

// withNode runs fn against the configured master as a cluster node.
func withNode(fn func(ctx *cli.Context, n *basic.Node) error) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		e, err := setup(ctx)
		if err != nil {
			return err
		}
		defer e.log.Sync()
		c := basic.NewSSH(
			[]string{e.cfg.ControlPath},
			sshnode.WithLogger(e.log.Sugar()),
			sshnode.WithEnv(e.cfg.EnvList()...),
			sshnode.WithControlOptions(e.controlOptions()...),
		).WithLogger(e.log.Sugar()).Context(ctx.Context)
		n, err := c.NewNode()
		if err != nil {
			return err
		}
		return fn(ctx, n)
	}
}

var forwardFlags = []cli.Flag{
	&cli.StringSliceFlag{Name: "local", Aliases: []string{"L"}, Usage: "`[bind:]port:host:hostport` or a socket path on either side"},
	&cli.StringSliceFlag{Name: "remote", Aliases: []string{"R"}, Usage: "`[bind:]port:host:hostport` or a socket path on either side"},
	&cli.StringSliceFlag{Name: "dynamic", Aliases: []string{"D"}, Usage: "`[bind:]port`"},
}

func forwardsFromFlags(ctx *cli.Context) ([]protocol.Forward, error) {
	var forwards []protocol.Forward
	for _, kind := range []struct {
		flag string
		typ  protocol.ForwardType
	}{
		{"local", protocol.ForwardLocal},
		{"remote", protocol.ForwardRemote},
		{"dynamic", protocol.ForwardDynamic},
	} {
		for _, spec := range ctx.StringSlice(kind.flag) {
			f, err := control.ParseForward(kind.typ, spec)
			if err != nil {
				return nil, err
			}
			forwards = append(forwards, f)
		}
	}
	if len(forwards) == 0 {
		return nil, errors.New("no forwardings given, use -L, -R or -D")
	}
	return forwards, nil
}

func checkCmd(ctx *cli.Context, e *env, c *control.Control) error {
	pid, err := c.CheckAlive()
	if err != nil {
		return err
	}
	fmt.Printf("Master running (pid=%d)\n", pid)
	return nil
}

func execCmd(ctx *cli.Context, e *env, c *control.Control) error {
	// no arguments starts a login shell
	cmd := control.NewCommand(strings.Join(ctx.Args().Slice(), " "))
	cmd.Env = e.cfg.EnvList()
	for _, kv := range ctx.StringSlice("env") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("invalid environment entry %q", kv)
		}
		cmd.SetEnv(k, v)
	}
	// like ssh, an interactive login shell gets a pty without asking
	cmd.WantTTY = e.cfg.RequestTTY || ctx.Bool("tty") || (ctx.NArg() == 0 && stdinIsTerminal())
	cmd.WantAgent = e.cfg.ForwardAgent
	cmd.WantX11Forwarding = e.cfg.ForwardX11
	cmd.Subsystem = ctx.Bool("subsystem")
	cmd.Stdin = pipe.WithEnds(pipe.BorrowReadEnd(int(os.Stdin.Fd())), nil)
	cmd.Stdout = pipe.WithEnds(nil, pipe.BorrowWriteEnd(int(os.Stdout.Fd())))
	cmd.Stderr = pipe.WithEnds(nil, pipe.BorrowWriteEnd(int(os.Stderr.Fd())))

	s, err := c.NewSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	if cmd.WantTTY {
		restore, err := makeStdinRaw()
		if err != nil {
			return fmt.Errorf("setting terminal to raw mode: %w", err)
		}
		defer restore()
	}
	for {
		matched, err := c.Wait(s)
		var ttyErr *control.TtyAllocFailedError
		if errors.As(err, &ttyErr) {
			fmt.Fprintln(os.Stderr, "PTY allocation request failed")
			continue
		}
		if err != nil {
			return err
		}
		if matched {
			break
		}
	}
	code, _ := s.ExitValue()
	if code != 0 {
		return cli.Exit("", int(code))
	}
	return nil
}

func forwardCmd(ctx *cli.Context, e *env, c *control.Control) error {
	forwards, err := forwardsFromFlags(ctx)
	if err != nil {
		return err
	}
	for _, f := range forwards {
		if f.Type == protocol.ForwardLocal && f.ListenPort == 0 {
			port, err := internalnet.GetEphemeralTCPPort(f.ListenHost)
			if err != nil {
				return err
			}
			f.ListenPort = protocol.Port(port)
			fmt.Printf("Allocated local port %d\n", port)
		}
		allocated, err := c.OpenForward(f)
		if err != nil {
			return fmt.Errorf("opening %s: %w", f, err)
		}
		if allocated != 0 {
			fmt.Printf("Allocated port %d for remote forward to %s:%s\n", allocated, f.ConnectHost, f.ConnectPort)
		}
	}
	return nil
}

func cancelForwardCmd(ctx *cli.Context, e *env, c *control.Control) error {
	forwards, err := forwardsFromFlags(ctx)
	if err != nil {
		return err
	}
	for _, f := range forwards {
		if err := c.CloseForward(f); err != nil {
			return fmt.Errorf("cancelling %s: %w", f, err)
		}
	}
	return nil
}

func stdioForwardCmd(ctx *cli.Context, e *env, c *control.Control) error {
	if ctx.NArg() != 1 {
		return errors.New("expected exactly one host:port or socket path")
	}
	host, port, err := parseTarget(ctx.Args().First())
	if err != nil {
		return err
	}

	id, err := c.NewStdioForward(host, port, nil)
	if err != nil {
		return err
	}
	// The master relays until either side closes, then hangs up on us.
	matched, err := c.Wait(&control.Session{ID: id})
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	if err == nil && !matched {
		e.log.Sugar().Warnf("forwarding session %d ended by an unrelated exit", id)
	}
	return nil
}

// parseTarget accepts host:port, [host]:port, or a path containing a slash.
func parseTarget(target string) (string, protocol.Port, error) {
	if strings.Contains(target, "/") {
		return target, protocol.PortStreamLocal, nil
	}
	h, p, ok := strings.Cut(strings.TrimPrefix(target, "["), "]:")
	if !ok || !strings.HasPrefix(target, "[") {
		i := strings.LastIndex(target, ":")
		if i < 0 {
			return "", 0, fmt.Errorf("invalid target %q", target)
		}
		h, p = target[:i], target[i+1:]
	}
	n, err := strconv.ParseUint(p, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", target)
	}
	return h, protocol.Port(n), nil
}

func stopCmd(ctx *cli.Context, e *env, c *control.Control) error {
	return c.StopListening()
}

func exitCmd(ctx *cli.Context, e *env, c *control.Control) error {
	if err := c.Terminate(); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Exit request sent.")
	return nil
}

func putCmd(ctx *cli.Context, n *basic.Node) error {
	if ctx.NArg() != 2 {
		return errors.New("expected a local file and a remote path")
	}
	f, err := os.Open(ctx.Args().Get(0))
	if err != nil {
		return err
	}
	defer f.Close()
	return n.SendFile(ctx.Args().Get(1), f)
}

func getCmd(ctx *cli.Context, n *basic.Node) error {
	if ctx.NArg() != 1 {
		return errors.New("expected a remote path")
	}
	r, err := n.ReadFile(ctx.Args().First())
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(os.Stdout, r)
	return err
}

func main() {
	app := &cli.App{
		Name:  "sshmux",
		Usage: "drive a running ssh control master through its control socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "config",
				Usage: "Path of the TOML config file. By default the nearest " + config.FileName + " is used.",
			},
			&cli.StringFlag{
				Name:    "control-path",
				Aliases: []string{"S"},
				Usage:   "The master's control socket.",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "One of [debug,info,warn,error].",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "check",
				Usage:  "check that the master is running",
				Action: withControl(checkCmd),
			},
			{
				Name:      "exec",
				Usage:     "run a command through the master with this terminal's standard streams",
				ArgsUsage: "command [args...]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "tty", Aliases: []string{"t"}, Usage: "Request a pseudo-terminal."},
					&cli.BoolFlag{Name: "subsystem", Aliases: []string{"s"}, Usage: "Run the command as a subsystem."},
					&cli.StringSliceFlag{Name: "env", Aliases: []string{"e"}, Usage: "Send `KEY=VALUE` to the remote environment."},
				},
				Action: withControl(execCmd),
			},
			{
				Name:   "forward",
				Usage:  "add port forwardings to the master",
				Flags:  forwardFlags,
				Action: withControl(forwardCmd),
			},
			{
				Name:   "cancel-forward",
				Usage:  "remove port forwardings from the master",
				Flags:  forwardFlags,
				Action: withControl(cancelForwardCmd),
			},
			{
				Name:      "stdio-forward",
				Usage:     "connect standard input and output to a host and port reachable from the remote side",
				ArgsUsage: "host:port|socket",
				Action:    withControl(stdioForwardCmd),
			},
			{
				Name:   "stop",
				Usage:  "stop accepting new mux clients; the master exits once its sessions end",
				Action: withControl(stopCmd),
			},
			{
				Name:   "exit",
				Usage:  "ask the master to exit",
				Action: withControl(exitCmd),
			},
			{
				Name:      "put",
				Usage:     "copy a local file to the remote host",
				ArgsUsage: "local remote",
				Action:    withNode(putCmd),
			},
			{
				Name:      "get",
				Usage:     "write a remote file to standard output",
				ArgsUsage: "remote",
				Action:    withNode(getCmd),
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
