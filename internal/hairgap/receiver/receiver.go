// Package receiver implements the receiving side of a transfer (C5): a
// state machine that repeatedly calls into the pipe driver for one
// delivered file at a time, classifies it, and either parses it as a new
// index or hands it to the worker pool (C6) for hashing and placement.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/d9pouces/hairgap/internal/hairgap/hgerr"
	"github.com/d9pouces/hairgap/internal/hairgap/manifest"
	"github.com/d9pouces/hairgap/internal/hairgap/protocol"
	"github.com/d9pouces/hairgap/internal/hairgap/workerpool"
)

// Hooks supplies the variant-specific pieces of a receive session: where
// a completed transfer's staging directory should be published, and
// notifications for transfer lifecycle events.
type Hooks interface {
	// TargetRootFor returns the directory a completed transfer described
	// by m should be renamed to, or ok=false to leave the staged files in
	// place without publishing them (e.g. a manifest missing the
	// attribute the variant keys its layout on).
	TargetRootFor(m manifest.Manifest) (path string, ok bool)
	// OnTransferStart is called once a new index has been parsed and
	// accepted, before any files are processed.
	OnTransferStart(m manifest.Manifest)
	// OnTransferComplete is called after the staging directory has been
	// published (or left staged, if TargetRootFor returned false).
	OnTransferComplete(m manifest.Manifest, stats Stats)
}

// Transport is the subset of the pipe driver the receiver depends on.
type Transport interface {
	ReceiveOne(ctx context.Context, destPath string) error
}

// Observer receives a callback for every file the receiver finishes
// processing, independent of the Hooks' transfer-level callbacks. The
// metrics package implements this to export Prometheus counters.
type Observer interface {
	ObserveFile(success bool, size int64)
	ObserveTransferStart()
	ObserveTransferEnd()
}

// Stats summarises one completed (or timed-out) transfer.
type Stats struct {
	ReceivedCount int
	SuccessCount  int
	ErrorCount    int
	ReceivedSize  int64
	Start         time.Time
	End           time.Time
}

// Config tunes a Receiver.
type Config struct {
	// DestinationPath holds the fresh temporary files the pipe tool
	// writes to and the staging directory for the in-progress transfer.
	DestinationPath string
	// Threading selects the worker pool implementation: true uses a
	// concurrent Pool, false uses an inline Sequential sink.
	Threading bool
	Workers   int
	QueueSize int
	Logger    *slog.Logger
	Observer  Observer
}

func (c *Config) defaults() {
	if c.DestinationPath == "" {
		c.DestinationPath = os.TempDir()
	}
	if c.Workers < 1 {
		c.Workers = 4
	}
	if c.QueueSize < 1 {
		c.QueueSize = c.Workers * 2
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Receiver runs the Idle/AwaitingIndex/Receiving/Finalising state
// machine described by the protocol: Loop never returns except on a
// fatal pipe-tool error or context cancellation.
type Receiver struct {
	cfg       Config
	transport Transport
	hooks     Hooks
	sink      workerpool.FileSink

	mu       sync.Mutex
	manifest *manifest.Manifest // nil when idle/awaiting an index
	expected map[string]string  // sha256 -> relpath, outstanding
	staging  string
	stats    Stats
}

// New creates a Receiver. Threading in cfg selects Pool vs Sequential.
func New(transport Transport, hooks Hooks, cfg Config) (*Receiver, error) {
	cfg.defaults()
	if err := os.MkdirAll(cfg.DestinationPath, 0o750); err != nil {
		return nil, fmt.Errorf("receiver: preparing destination: %w", err)
	}

	var sink workerpool.FileSink
	if cfg.Threading {
		sink = workerpool.NewPool(cfg.Workers, cfg.QueueSize)
	} else {
		sink = workerpool.Sequential{}
	}

	return &Receiver{cfg: cfg, transport: transport, hooks: hooks, sink: sink}, nil
}

// Close releases the worker pool's goroutines. Loop must have returned
// first.
func (r *Receiver) Close() {
	r.sink.Close()
}

// Loop repeatedly calls receive_one and processes whatever arrives,
// until ctx is cancelled or the pipe tool fails fatally. A graceful
// shutdown finalises any in-progress transfer before returning.
func (r *Receiver) Loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			r.finishActiveTransfer()
			r.sink.Quiesce()
			return ctx.Err()
		}

		tmp, err := r.freshTempPath()
		if err != nil {
			return fmt.Errorf("receiver: allocating temp path: %w", err)
		}

		recvErr := r.transport.ReceiveOne(ctx, tmp)
		switch {
		case errors.Is(recvErr, hgerr.ErrTimeout):
			r.finishActiveTransfer()
			continue
		case recvErr != nil:
			if ctx.Err() != nil {
				r.finishActiveTransfer()
				r.sink.Quiesce()
				return ctx.Err()
			}
			return fmt.Errorf("receiver: %w", recvErr)
		}

		r.ReceiveFile(tmp)
	}
}

// ReceiveFile processes one already-delivered wire file at tmpPath:
// classifying it, starting a new transfer on an index delivery, or
// submitting a payload delivery to the verify/place worker pool. Loop
// calls this for every file the pipe driver hands it; it is exported
// for callers that already have delivered files on disk (tests, and
// the receive-file CLI) and so drive the receiver one file at a time
// without a pipe.Driver in between.
func (r *Receiver) ReceiveFile(tmpPath string) {
	r.handleDelivery(tmpPath)
}

// TransferComplete finalises whatever transfer is currently open:
// drains the worker pool, publishes (or leaves staged) the result per
// Hooks.TargetRootFor, and resets session state. Loop calls this
// automatically on a receive timeout or on shutdown; it is exported for
// callers driving ReceiveFile directly instead of Loop.
func (r *Receiver) TransferComplete() {
	r.finishActiveTransfer()
}

func (r *Receiver) handleDelivery(tmpPath string) {
	kind, err := protocol.ClassifyFile(tmpPath)
	if err != nil {
		r.cfg.Logger.Error("cannot classify delivered file", "error", err)
		_ = os.Remove(tmpPath)
		return
	}

	if kind == protocol.Index {
		r.handleIndex(tmpPath)
		return
	}

	if !r.hasActiveTransfer() {
		r.cfg.Logger.Warn("discarding stray delivery with no active transfer")
		_ = os.Remove(tmpPath)
		return
	}

	r.mu.Lock()
	r.stats.ReceivedCount++
	r.mu.Unlock()

	r.sink.Submit(func() { r.verifyAndPlace(tmpPath, kind) })
}

func (r *Receiver) handleIndex(tmpPath string) {
	r.finishActiveTransfer()

	_, rc, err := protocol.DecodeReceived(tmpPath)
	if err != nil {
		r.cfg.Logger.Error("cannot open delivered index", "error", err)
		_ = os.Remove(tmpPath)
		return
	}
	data, readErr := io.ReadAll(rc)
	_ = rc.Close()
	_ = os.Remove(tmpPath)
	if readErr != nil {
		r.cfg.Logger.Error("cannot read delivered index", "error", readErr)
		return
	}

	m, parseErr := manifest.Parse(data)
	if parseErr != nil {
		r.cfg.Logger.Warn("index parse failed, remaining bytes drained until timeout",
			"error", fmt.Errorf("%w: %w", hgerr.ErrIndexParse, parseErr))
		return
	}

	r.startTransfer(m)
}

func (r *Receiver) startTransfer(m *manifest.Manifest) {
	expected := make(map[string]string, len(m.Files))
	for _, e := range m.Files {
		expected[e.SHA256] = e.RelPath
	}

	staging := filepath.Join(r.cfg.DestinationPath, "receiving-"+xid.New().String())
	if err := os.MkdirAll(staging, 0o750); err != nil {
		r.cfg.Logger.Error("cannot create staging directory", "error", err)
		return
	}

	r.mu.Lock()
	r.manifest = m
	r.expected = expected
	r.staging = staging
	// The index delivery itself counts as one receive, per the protocol's
	// received_count accounting: a transfer of N payload files totals
	// N+1 once its index is included.
	r.stats = Stats{Start: time.Now(), ReceivedCount: 1}
	r.mu.Unlock()

	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveTransferStart()
	}
	r.hooks.OnTransferStart(*m)
}

// hasActiveTransfer reports whether a manifest is currently open.
func (r *Receiver) hasActiveTransfer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.manifest != nil
}

// finishActiveTransfer drains the worker pool, publishes the staging
// directory (or leaves it staged, per Hooks.TargetRootFor), and clears
// session state. It is a no-op when no transfer is open.
func (r *Receiver) finishActiveTransfer() {
	r.mu.Lock()
	m := r.manifest
	if m == nil {
		r.mu.Unlock()
		return
	}
	expected := r.expected
	staging := r.staging
	r.mu.Unlock()

	r.sink.Quiesce()

	r.mu.Lock()
	stats := r.stats
	stats.ErrorCount += len(expected)
	stats.End = time.Now()
	r.stats = stats
	r.mu.Unlock()

	if len(expected) > 0 {
		r.cfg.Logger.Warn("transfer finalised with unreceived entries",
			"error", hgerr.ErrUnreceivedEntries, "missing", len(expected))
	}

	if target, ok := r.hooks.TargetRootFor(*m); ok && target != "" {
		if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
			r.cfg.Logger.Error("cannot prepare destination parent", "error", err)
		} else if err := os.RemoveAll(target); err != nil {
			r.cfg.Logger.Error("cannot clear previous destination", "error", err)
		} else if err := os.Rename(staging, target); err != nil {
			r.cfg.Logger.Error("cannot publish transfer", "error", err)
		}
	}

	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveTransferEnd()
	}
	r.hooks.OnTransferComplete(*m, stats)

	r.mu.Lock()
	r.manifest = nil
	r.expected = nil
	r.staging = ""
	r.mu.Unlock()
}

func (r *Receiver) verifyAndPlace(tmpPath string, kind protocol.Kind) {
	partPath := tmpPath + ".part"
	sum, size, err := protocol.DecodeToFile(tmpPath, partPath, kind)
	_ = os.Remove(tmpPath)
	if err != nil {
		_ = os.Remove(partPath)
		r.countError(0)
		r.cfg.Logger.Error("failed to stage received file", "error", err)
		return
	}

	r.mu.Lock()
	relPath, ok := r.expected[sum]
	if ok {
		delete(r.expected, sum)
	}
	staging := r.staging
	r.mu.Unlock()

	if !ok {
		_ = os.Remove(partPath)
		r.countError(size)
		r.cfg.Logger.Warn("discarding file with unexpected digest",
			"error", hgerr.ErrHashMismatch, "sha256", sum)
		return
	}

	finalPath := filepath.Join(staging, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		_ = os.Remove(partPath)
		r.countError(size)
		r.cfg.Logger.Error("cannot create destination directory", "error", err)
		return
	}
	if err := os.Rename(partPath, finalPath); err != nil {
		_ = os.Remove(partPath)
		r.countError(size)
		r.cfg.Logger.Error("cannot place received file", "error", err)
		return
	}

	r.countSuccess(size)
}

func (r *Receiver) countSuccess(size int64) {
	r.mu.Lock()
	r.stats.SuccessCount++
	r.stats.ReceivedSize += size
	r.mu.Unlock()
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveFile(true, size)
	}
}

func (r *Receiver) countError(size int64) {
	r.mu.Lock()
	r.stats.ErrorCount++
	r.mu.Unlock()
	if r.cfg.Observer != nil {
		r.cfg.Observer.ObserveFile(false, size)
	}
}

func (r *Receiver) freshTempPath() (string, error) {
	path := filepath.Join(r.cfg.DestinationPath, ".recv-"+xid.New().String())
	return path, nil
}
