// Package pipe drives the external, opaque one-way transport binaries
// (hairgaps on the sending host, hairgapr on the receiving host) that
// actually carry bytes across the forward-only link. Neither binary is
// implemented here: this package only shapes their command line, runs
// them to completion, and classifies how they exited.
package pipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/d9pouces/hairgap/internal/hairgap/hgerr"
)

// timeoutExitCode is the documented exit status hairgapr uses to signal
// "no data arrived before the configured deadline", distinct from a real
// failure.
const timeoutExitCode = 2

// Config holds the flags shared by both directions of the pipe tools.
// Numeric fields left at their zero value are omitted from the command
// line and the external binary's own default applies, except KeepaliveMs,
// which defaults to 500. Empty SendBin/ReceiveBin default to "hairgaps"
// and "hairgapr".
type Config struct {
	SendBin    string // path to the hairgaps binary
	ReceiveBin string // path to the hairgapr binary

	// DestHost is the sender's destination IP for SendOne, and the bind
	// IP hairgapr listens on for ReceiveOne. Both directions take it as
	// their first positional argument.
	DestHost string
	DestPort int

	Redundancy     float64 // --redundancy
	ErrorChunkSize int     // --error-chunk-size
	MaxRateMbps    int     // --max-rate-mbps
	MTUBytes       int     // --mtu-b
	KeepaliveMs    int     // --keepalive-ms
	TimeoutS       float64 // --timeout-s, receive only
	MemLimitMB     float64 // --mem-limit-mb, receive only
}

func (c *Config) defaults() {
	if c.SendBin == "" {
		c.SendBin = "hairgaps"
	}
	if c.ReceiveBin == "" {
		c.ReceiveBin = "hairgapr"
	}
	if c.KeepaliveMs <= 0 {
		c.KeepaliveMs = 500
	}
}

// Driver spawns hairgaps/hairgapr for each file transfer.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Driver. A nil logger falls back to slog.Default().
func New(cfg Config, logger *slog.Logger) *Driver {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// SendOne transmits the single file at sourcePath by spawning hairgaps.
// It blocks until the external tool reports the file was fully pushed
// onto the link, or returns a wrapped hgerr.ErrPipeTool on failure.
func (d *Driver) SendOne(ctx context.Context, sourcePath string) error {
	args := []string{d.cfg.DestHost, strconv.Itoa(d.cfg.DestPort), sourcePath}
	args = append(args, d.commonArgs()...)

	//nolint:gosec // G204: SendBin/args are operator-supplied configuration, not external input
	cmd := exec.CommandContext(ctx, d.cfg.SendBin, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%w: %s exited %d: %s", hgerr.ErrPipeTool, d.cfg.SendBin,
			exitErr.ExitCode(), strings.TrimSpace(string(output)))
	}
	return fmt.Errorf("%w: %s: %w", hgerr.ErrPipeTool, d.cfg.SendBin, err)
}

// ReceiveOne blocks until hairgapr has written one delivered file to
// destPath, or its configured timeout elapses. A timeout is reported as
// hgerr.ErrTimeout, not a failure: the caller treats it as the signal
// that the current transfer has gone quiet.
func (d *Driver) ReceiveOne(ctx context.Context, destPath string) error {
	args := []string{d.cfg.DestHost, strconv.Itoa(d.cfg.DestPort), destPath}
	args = append(args, d.commonArgs()...)
	if d.cfg.TimeoutS > 0 {
		args = append(args, "--timeout-s", strconv.FormatFloat(d.cfg.TimeoutS, 'f', -1, 64))
	}
	if d.cfg.MemLimitMB > 0 {
		args = append(args, "--mem-limit-mb", strconv.FormatFloat(d.cfg.MemLimitMB, 'f', -1, 64))
	}

	//nolint:gosec // G204: ReceiveBin/args are operator-supplied configuration, not external input
	cmd := exec.CommandContext(ctx, d.cfg.ReceiveBin, args...)
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() == timeoutExitCode {
			return hgerr.ErrTimeout
		}
		return fmt.Errorf("%w: %s exited %d: %s", hgerr.ErrPipeTool, d.cfg.ReceiveBin,
			exitErr.ExitCode(), strings.TrimSpace(string(output)))
	}
	return fmt.Errorf("%w: %s: %w", hgerr.ErrPipeTool, d.cfg.ReceiveBin, err)
}

func (d *Driver) commonArgs() []string {
	var args []string
	if d.cfg.Redundancy > 0 {
		args = append(args, "--redundancy", strconv.FormatFloat(d.cfg.Redundancy, 'f', -1, 64))
	}
	if d.cfg.ErrorChunkSize > 0 {
		args = append(args, "--error-chunk-size", strconv.Itoa(d.cfg.ErrorChunkSize))
	}
	if d.cfg.MaxRateMbps > 0 {
		args = append(args, "--max-rate-mbps", strconv.Itoa(d.cfg.MaxRateMbps))
	}
	if d.cfg.MTUBytes > 0 {
		args = append(args, "--mtu-b", strconv.Itoa(d.cfg.MTUBytes))
	}
	if d.cfg.KeepaliveMs > 0 {
		args = append(args, "--keepalive-ms", strconv.Itoa(d.cfg.KeepaliveMs))
	}
	return args
}
