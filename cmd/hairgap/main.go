// Package main is the entry point for the hairgap CLI: a thin wrapper
// around the transfer core that exposes "send" and "receive"
// subcommands mirroring the external hairgaps/hairgapr binaries'
// address and tuning flags.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/d9pouces/hairgap/internal/cli"
	"github.com/d9pouces/hairgap/internal/hairgap/hooks"
	"github.com/d9pouces/hairgap/internal/hairgap/metrics"
	"github.com/d9pouces/hairgap/internal/hairgap/pipe"
	"github.com/d9pouces/hairgap/internal/hairgap/receiver"
	"github.com/d9pouces/hairgap/internal/hairgap/sender"
	"github.com/d9pouces/hairgap/internal/progress"
	"github.com/d9pouces/hairgap/internal/termcolor"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	initLogger()

	gf, args := parseGlobalFlags(os.Args[1:])

	// --version is handled before app.Run because a "--"-prefixed arg
	// would otherwise be treated as an unknown command by the dispatcher.
	for _, a := range args {
		if a == "--version" {
			printVersion()
			os.Exit(0)
		}
	}

	cw := termcolor.NewWriter(os.Stderr, gf.colorMode)

	app := cli.NewApp("hairgap", version)
	app.Register(sendCommand(cw))
	app.Register(receiveCommand(cw))
	app.Register(receiveFileCommand(cw))
	app.Register(versionCommand())

	os.Exit(app.Run(args, cw))
}

type globalFlags struct {
	colorMode termcolor.ColorMode
}

// parseGlobalFlags extracts --color and --no-color from anywhere in
// args, returning the parsed flags and the remaining (filtered)
// arguments for the subcommand dispatcher.
func parseGlobalFlags(args []string) (globalFlags, []string) {
	gf := globalFlags{colorMode: termcolor.ColorAuto}
	var remaining []string

	for i := 0; i < len(args); i++ {
		arg := args[i]

		if arg == "--no-color" {
			gf.colorMode = termcolor.ColorNever
			continue
		}

		if arg == "--color" && i+1 < len(args) {
			mode, err := termcolor.ParseColorMode(args[i+1])
			if err != nil {
				fmt.Fprintf(os.Stderr, "hairgap: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			i++ // skip the value
			continue
		}

		if val, ok := strings.CutPrefix(arg, "--color="); ok {
			mode, err := termcolor.ParseColorMode(val)
			if err != nil {
				fmt.Fprintf(os.Stderr, "hairgap: %v\n", err)
				os.Exit(1)
			}
			gf.colorMode = mode
			continue
		}

		remaining = append(remaining, arg)
	}

	return gf, remaining
}

func sendCommand(cw *termcolor.Writer) *cli.Command {
	return &cli.Command{
		Name:    "send",
		Summary: "push one directory across the one-way pipe",
		Usage:   "hairgap send -source <dir> -host <ip> -port <n> [flags]",
		Examples: []string{
			"hairgap send -source /data/out -host 10.0.0.2 -port 5000",
			"hairgap send -source /data/out -host 10.0.0.2 -port 5000 -redundancy 1.5 -max-rate-mbps 50",
		},
		Run: func(args []string) int { return runSend(args, cw) },
	}
}

func receiveCommand(cw *termcolor.Writer) *cli.Command {
	return &cli.Command{
		Name:    "receive",
		Summary: "consume deliveries from the one-way pipe and publish completed transfers",
		Usage:   "hairgap receive -dest <dir> -host <ip> -port <n> [flags]",
		Examples: []string{
			"hairgap receive -dest /data/in -host 0.0.0.0 -port 5000",
			"hairgap receive -dest /data/in -host 0.0.0.0 -port 5000 -metrics-addr :9090 -workers 8",
		},
		Run: func(args []string) int { return runReceive(args, cw) },
	}
}

func receiveFileCommand(cw *termcolor.Writer) *cli.Command {
	return &cli.Command{
		Name:    "receive-file",
		Summary: "feed one or more already-delivered wire files through the receiver directly",
		Usage:   "hairgap receive-file -dest <dir> <file> [<file> ...]",
		Examples: []string{
			"hairgap receive-file -dest /data/in captured-index captured-1 captured-2",
		},
		Run: func(args []string) int { return runReceiveFile(args, cw) },
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "print version information and exit",
		Run: func(args []string) int {
			printVersion()
			return 0
		},
	}
}

func runSend(args []string, cw *termcolor.Writer) int {
	fs := flag.NewFlagSet("send", flag.ContinueOnError)
	source := fs.String("source", getEnv("HAIRGAP_SOURCE", ""), "directory to send")
	host := fs.String("host", getEnv("HAIRGAP_HOST", ""), "destination host")
	port := fs.Int("port", envInt("HAIRGAP_PORT", 5000), "destination UDP port")
	sendBin := fs.String("send-bin", getEnv("HAIRGAP_SEND_BIN", "hairgaps"), "path to the hairgaps binary")
	redundancy := fs.Float64("redundancy", 0, "forward error-correction redundancy factor")
	errorChunk := fs.Int("error-chunk-size", 0, "error-correction chunk size in bytes")
	maxRate := fs.Int("max-rate-mbps", 0, "maximum send rate in Mbit/s")
	mtu := fs.Int("mtu-b", 0, "link MTU in bytes")
	keepalive := fs.Int("keepalive-ms", 500, "keepalive interval in milliseconds")
	endDelay := fs.Float64("end-delay-s", 3.0, "pause between files, in seconds")
	scratchDir := fs.String("scratch-dir", "", "scratch directory for encoded files (default: OS temp dir)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *source == "" {
		fmt.Fprintln(cw, cw.Red("error:"), "-source is required")
		return 1
	}
	if err := validateDestination(*host, *port); err != nil {
		fmt.Fprintln(cw, cw.Red("error:"), err)
		return 1
	}

	driver := pipe.New(pipe.Config{
		SendBin:        *sendBin,
		DestHost:       *host,
		DestPort:       *port,
		Redundancy:     *redundancy,
		ErrorChunkSize: *errorChunk,
		MaxRateMbps:    *maxRate,
		MTUBytes:       *mtu,
		KeepaliveMs:    *keepalive,
	}, slog.Default())

	h := hooks.NewSingleDirSender(*source)
	snd := sender.New(h, driver, sender.Config{
		EndDelay:   time.Duration(*endDelay * float64(time.Second)),
		ScratchDir: *scratchDir,
	})

	spin := progress.New("Hashing " + *source + "...")
	spin.Start()
	err := snd.PrepareDirectory()
	spin.Stop()
	if err != nil {
		slog.Error("Failed to prepare directory", "err", err)
		return 1
	}
	slog.Info("Directory prepared", "files", len(snd.Entries()), "uid", h.UID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Sending", "host", *host, "port", *port)
	if err := snd.SendDirectory(ctx); err != nil {
		slog.Error("Send failed", "err", err)
		return 1
	}
	slog.Info("Send complete", "uid", h.UID)
	printSendBanner(cw, h.UID, *host, *port, len(snd.Entries()))
	return 0
}

// printSendBanner writes a short human-facing completion summary to cw,
// separate from the structured slog lines above: the same split
// cmd/vista/main.go keeps between its operational log and its
// terminal-facing startup banner.
func printSendBanner(cw *termcolor.Writer, uid, host string, port, fileCount int) {
	fmt.Fprintf(cw, "%s %s\n", cw.BoldCyan("hairgap send"), cw.Green("complete"))
	fmt.Fprintf(cw, "  uid:      %s\n", uid)
	fmt.Fprintf(cw, "  files:    %d\n", fileCount)
	fmt.Fprintf(cw, "  pipe:     %s\n", cw.Cyan(fmt.Sprintf("%s:%d", host, port)))
}

func runReceive(args []string, cw *termcolor.Writer) int {
	fs := flag.NewFlagSet("receive", flag.ContinueOnError)
	dest := fs.String("dest", getEnv("HAIRGAP_DEST", ""), "destination directory for published transfers")
	host := fs.String("host", getEnv("HAIRGAP_BIND_HOST", "0.0.0.0"), "bind host")
	port := fs.Int("port", envInt("HAIRGAP_PORT", 5000), "bind UDP port")
	receiveBin := fs.String("receive-bin", getEnv("HAIRGAP_RECEIVE_BIN", "hairgapr"), "path to the hairgapr binary")
	timeoutS := fs.Float64("timeout-s", 10, "seconds of silence before the receive tool reports a timeout")
	memLimit := fs.Float64("mem-limit-mb", 0, "receive tool memory limit in MB")
	threading := fs.Bool("threading", true, "verify and place files on a worker pool instead of inline")
	workers := fs.Int("workers", runtime.NumCPU(), "worker pool size when -threading is set")
	queueSize := fs.Int("queue-size", 64, "worker pool queue depth when -threading is set")
	metricsAddr := fs.String("metrics-addr", getEnv("HAIRGAP_METRICS_ADDR", ""), "address to serve Prometheus metrics on (empty disables)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *dest == "" {
		fmt.Fprintln(cw, cw.Red("error:"), "-dest is required")
		return 1
	}

	driver := pipe.New(pipe.Config{
		ReceiveBin: *receiveBin,
		DestHost:   *host,
		DestPort:   *port,
		TimeoutS:   *timeoutS,
		MemLimitMB: *memLimit,
	}, slog.Default())

	var obs receiver.Observer
	if *metricsAddr != "" {
		m := metrics.New()
		obs = m
		srv := &http.Server{Addr: *metricsAddr, Handler: m.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("Metrics server error", "err", err)
			}
		}()
		slog.Info("Serving metrics", "addr", *metricsAddr)
	}

	h := &hooks.SingleDirReceiver{
		AfterReceptionPath: *dest,
		OnPublished: func(path string) {
			slog.Info("Transfer published", "path", path)
		},
	}

	rcv, err := receiver.New(driver, h, receiver.Config{
		DestinationPath: filepath.Join(*dest, ".hairgap-staging"),
		Threading:       *threading,
		Workers:         *workers,
		QueueSize:       *queueSize,
		Observer:        obs,
	})
	if err != nil {
		slog.Error("Failed to start receiver", "err", err)
		return 1
	}
	defer rcv.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Listening", "host", *host, "port", *port, "dest", *dest)
	if err := rcv.Loop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Receiver loop exited", "err", err)
		return 1
	}
	slog.Info("Shutdown complete")
	printReceiveBanner(cw, *host, *port, *dest)
	return 0
}

// printReceiveBanner mirrors printSendBanner: a short human-facing
// summary on shutdown, separate from the slog lines operators grep.
func printReceiveBanner(cw *termcolor.Writer, host string, port int, dest string) {
	fmt.Fprintf(cw, "%s %s\n", cw.BoldCyan("hairgap receive"), cw.Green("stopped"))
	fmt.Fprintf(cw, "  pipe: %s\n", cw.Cyan(fmt.Sprintf("%s:%d", host, port)))
	fmt.Fprintf(cw, "  dest: %s\n", dest)
}

// runReceiveFile drives the receiver one already-delivered wire file at
// a time, bypassing pipe.Driver entirely — useful for tests and for
// replaying captured deliveries without a live one-way pipe. It stages
// every file given, then finalises whatever transfer ends up open.
func runReceiveFile(args []string, cw *termcolor.Writer) int {
	fs := flag.NewFlagSet("receive-file", flag.ContinueOnError)
	dest := fs.String("dest", getEnv("HAIRGAP_DEST", ""), "destination directory for published transfers")
	threading := fs.Bool("threading", true, "verify and place files on a worker pool instead of inline")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	files := fs.Args()

	if *dest == "" {
		fmt.Fprintln(cw, cw.Red("error:"), "-dest is required")
		return 1
	}
	if len(files) == 0 {
		fmt.Fprintln(cw, cw.Red("error:"), "at least one delivered file path is required")
		return 1
	}

	h := &hooks.SingleDirReceiver{
		AfterReceptionPath: *dest,
		OnPublished: func(path string) {
			slog.Info("Transfer published", "path", path)
		},
	}

	rcv, err := receiver.New(nil, h, receiver.Config{
		DestinationPath: filepath.Join(*dest, ".hairgap-staging"),
		Threading:       *threading,
	})
	if err != nil {
		slog.Error("Failed to start receiver", "err", err)
		return 1
	}
	defer rcv.Close()

	for _, f := range files {
		staged := filepath.Join(*dest, ".hairgap-staging", ".recv-"+filepath.Base(f))
		if err := copyFile(f, staged); err != nil {
			slog.Error("Failed to stage delivered file", "path", f, "err", err)
			return 1
		}
		rcv.ReceiveFile(staged)
	}
	rcv.TransferComplete()

	return 0
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o600)
}

// validateDestination rejects a loopback destination host: sending to
// oneself across a supposedly one-way link points at a misconfiguration,
// not a real diode.
func validateDestination(host string, port int) error {
	if host == "" {
		return fmt.Errorf("-host is required")
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("-port must be between 1 and 65535")
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return fmt.Errorf("destination host %q is loopback; refusing to send to self", host)
	}
	if host == "localhost" {
		return fmt.Errorf("destination host %q is loopback; refusing to send to self", host)
	}
	return nil
}

// initLogger reads HAIRGAP_LOG_LEVEL and HAIRGAP_LOG_FORMAT from the
// environment, constructs the appropriate slog.Handler, and installs it
// as the default logger via slog.SetDefault.
func initLogger() {
	level := slog.LevelInfo
	switch getEnv("HAIRGAP_LOG_LEVEL", "info") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if getEnv("HAIRGAP_LOG_FORMAT", "text") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return n
}

func printVersion() {
	fmt.Printf("hairgap %s\n", version)
	fmt.Printf("  commit:     %s\n", commit)
	fmt.Printf("  built:      %s\n", buildDate)
	fmt.Printf("  go version: %s\n", runtime.Version())
	fmt.Printf("  platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
}
