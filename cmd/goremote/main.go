package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/chronologos/goremote/internal/client"
	"github.com/chronologos/goremote/internal/config"
	"github.com/chronologos/goremote/internal/editor"
	"github.com/chronologos/goremote/internal/message"
	"github.com/chronologos/goremote/internal/security"
	"github.com/chronologos/goremote/internal/server"
	"github.com/chronologos/goremote/internal/version"
)

// globalFlags holds double-dash flags parsed from args before dispatch.
// rest contains the remaining arguments with global flags stripped.
type globalFlags struct {
	version bool
	config  string
	envFile string
	json    bool
	verbose bool
	profile bool
	rest    []string
}

// parseGlobalFlags extracts double-dash flags and returns the parsed values
// plus remaining args. Supports --flag and --flag=value forms.
func parseGlobalFlags(args []string) globalFlags {
	g := globalFlags{envFile: ".env"}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--version":
			g.version = true
		case arg == "--json":
			g.json = true
		case arg == "--verbose":
			g.verbose = true
		case arg == "--profile":
			g.profile = true
		case arg == "--config" && i+1 < len(args):
			i++
			g.config = args[i]
		case strings.HasPrefix(arg, "--config="):
			g.config, _ = strings.CutPrefix(arg, "--config=")
		case arg == "--env-file" && i+1 < len(args):
			i++
			g.envFile = args[i]
		case strings.HasPrefix(arg, "--env-file="):
			g.envFile, _ = strings.CutPrefix(arg, "--env-file=")
		default:
			g.rest = append(g.rest, arg)
		}
	}
	return g
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: goremote listen [-a addr] [-p port] [-k key|-] [-t udp|quic|tcp] [-root dir] [-metrics addr]")
	fmt.Fprintln(os.Stderr, "       goremote connect [-a addr] -p port [-k key|-] [-t udp|quic|tcp] <op> [args]")
	fmt.Fprintln(os.Stderr, "       goremote keygen")
	fmt.Fprintln(os.Stderr, "       goremote version")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "connect ops:")
	fmt.Fprintln(os.Stderr, "  ls [path]                       list a directory on the server")
	fmt.Fprintln(os.Stderr, "  cmd <name> [args...]            run a server command (echo, pwd)")
	fmt.Fprintln(os.Stderr, "  push <local> <remote> [version] upload a file")
	fmt.Fprintln(os.Stderr, "  fetch <remote> [local]          download a file (stdout if no local)")
	fmt.Fprintln(os.Stderr, "  watch                           print change notifications until interrupted")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  --version           print version and exit")
	fmt.Fprintln(os.Stderr, "  --config <file>     HuJSON config file")
	fmt.Fprintln(os.Stderr, "  --env-file <file>   dotenv file with GOREMOTE_* variables (default: .env)")
	fmt.Fprintln(os.Stderr, "  --json              log as JSON")
	fmt.Fprintln(os.Stderr, "  --verbose           debug logging")
	fmt.Fprintln(os.Stderr, "  --profile           print request/traffic stats on exit (connect)")
}

func main() {
	gf := parseGlobalFlags(os.Args[1:])

	if gf.version || (len(gf.rest) > 0 && gf.rest[0] == "version") {
		fmt.Println(version.String())
		os.Exit(0)
	}
	if len(gf.rest) == 0 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load(gf.config, gf.envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if gf.json {
		cfg.LogFormat = "json"
	}
	if gf.verbose {
		cfg.LogLevel = "debug"
	}
	if gf.profile {
		cfg.Profile = true
	}

	switch gf.rest[0] {
	case "listen":
		err = runListen(cfg, gf.rest[1:])
	case "connect":
		err = runConnect(cfg, gf.rest[1:])
	case "keygen":
		err = runKeygen()
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.LogFormat == "json" {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

// connFlags registers the connection flags shared by listen and connect,
// defaulting to the loaded configuration.
func connFlags(fs *flag.FlagSet, cfg *config.Config) {
	fs.StringVar(&cfg.Host, "a", cfg.Host, "address")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "port")
	fs.StringVar(&cfg.Key, "k", cfg.Key, `shared key ("-" reads one line from stdin)`)
	fs.StringVar(&cfg.Transport, "t", cfg.Transport, "transport: udp, quic or tcp")
	fs.StringVar(&cfg.Username, "u", cfg.Username, "username stamped on messages")
	fs.IntVar(&cfg.ChunkSize, "chunk", cfg.ChunkSize, "file chunk size in bytes")
}

// finishFlags applies post-parse fix-ups: the key from stdin and validation.
func finishFlags(cfg *config.Config, stdin io.Reader) error {
	if cfg.Key == "-" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading key from stdin: %w", err)
		}
		cfg.Key = strings.TrimSpace(line)
	}
	return cfg.Validate()
}

func runKeygen() error {
	key, err := security.GenerateKey()
	if err != nil {
		return err
	}
	fmt.Println(key)
	return nil
}

func runListen(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	connFlags(fs, &cfg)
	fs.StringVar(&cfg.Root, "root", cfg.Root, "directory to serve")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "serve /metrics and /healthz on this address")
	fs.Parse(args)
	if err := finishFlags(&cfg, os.Stdin); err != nil {
		return err
	}

	logger := newLogger(cfg)
	ed, err := editor.NewDir(cfg.Root, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer ed.Close()

	s, err := server.New(server.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Transport:       cfg.Mode(),
		Key:             cfg.Key,
		Username:        cfg.Username,
		ChunkSize:       cfg.ChunkSize,
		TransferTimeout: time.Duration(cfg.TransferTimeout),
		PeerTTL:         time.Duration(cfg.PeerTTL),
		BroadcastDelay:  time.Duration(cfg.BroadcastDelay),
		Editor:          ed,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		stopHTTP, err := serveMetrics(ctx, cfg.MetricsAddr, logger, s.Ready)
		if err != nil {
			return err
		}
		defer stopHTTP()
	}

	// Print the bound address once ready (for scripts and port 0).
	go func() {
		select {
		case <-s.Ready:
			fmt.Println(s.Addr())
		case <-ctx.Done():
		}
	}()

	return s.Run(ctx)
}

func runConnect(cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("connect", flag.ExitOnError)
	connFlags(fs, &cfg)
	fs.Parse(args)
	if err := finishFlags(&cfg, os.Stdin); err != nil {
		return err
	}
	if cfg.Port == 0 {
		fs.Usage()
		return errors.New("-p <port> is required")
	}
	if fs.NArg() == 0 {
		usage()
		return errors.New("missing connect op")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ed, err := editor.NewDir(".", os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	defer ed.Close()

	c, err := client.Dial(ctx, client.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		Transport:       cfg.Mode(),
		Key:             cfg.Key,
		Username:        cfg.Username,
		ChunkSize:       cfg.ChunkSize,
		RequestTimeout:  time.Duration(cfg.RequestTimeout),
		TransferTimeout: time.Duration(cfg.TransferTimeout),
		Profile:         cfg.Profile,
		Editor:          ed,
		Logger:          newLogger(cfg),
	})
	if err != nil {
		return err
	}
	defer c.Close()

	return runOp(ctx, c, ed, fs.Args(), os.Stdout, time.Duration(cfg.PeerTTL)/2)
}

// runOp performs one connect operation. Local files are read and written
// through ed, so they resolve below the working directory. watch re-announces
// itself every keepalive so the server keeps it among its peers.
func runOp(ctx context.Context, c *client.Client, ed editor.Editor, args []string, out io.Writer, keepalive time.Duration) error {
	op, args := args[0], args[1:]
	switch op {
	case "ls":
		path := "."
		if len(args) > 0 {
			path = args[0]
		}
		entries, err := c.ListFiles(ctx, path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if e.Version == message.DirVersion {
				fmt.Fprintf(out, "%s/\n", e.Name)
			} else {
				fmt.Fprintf(out, "%s\tv%d\n", e.Name, e.Version)
			}
		}
		return nil

	case "cmd":
		if len(args) == 0 {
			return errors.New("cmd: missing command name")
		}
		result, err := c.RunCommand(ctx, args[0], strings.Join(args[1:], " "))
		if err != nil {
			return err
		}
		fmt.Fprintln(out, result)
		return nil

	case "push":
		if len(args) < 2 {
			return errors.New("push: usage push <local> <remote> [version]")
		}
		version := time.Now().Unix()
		if len(args) > 2 {
			v, err := strconv.ParseInt(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("push: bad version %q", args[2])
			}
			version = v
		}
		data, err := ed.ReadFile(args[0])
		if err != nil {
			return err
		}
		if err := c.PushFile(ctx, args[1], data, version); err != nil {
			return err
		}
		fmt.Fprintf(out, "pushed %s as %s v%d (%d bytes)\n", args[0], args[1], version, len(data))
		return nil

	case "fetch":
		if len(args) == 0 {
			return errors.New("fetch: usage fetch <remote> [local]")
		}
		data, version, err := c.FetchFile(ctx, args[0])
		if err != nil {
			return err
		}
		if len(args) < 2 {
			_, err := out.Write(data)
			return err
		}
		if err := ed.WriteFile(args[1], data); err != nil {
			return err
		}
		fmt.Fprintf(out, "fetched %s v%d into %s (%d bytes)\n", args[0], version, args[1], len(data))
		return nil

	case "watch":
		if _, err := c.RunCommand(ctx, "pwd", ""); err != nil {
			return err
		}
		if keepalive <= 0 {
			keepalive = 30 * time.Second
		}
		ticker := time.NewTicker(keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := c.RunCommand(ctx, "pwd", ""); err != nil && ctx.Err() == nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	}
	return fmt.Errorf("unknown op %q", op)
}
