// Package sender implements the directory-sender side of a transfer
// (C4): walking a source tree into an ordered list of files, building
// the accompanying index manifest, and pushing the index followed by
// every file through the configured transport.
package sender

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/d9pouces/hairgap/internal/hairgap/manifest"
	"github.com/d9pouces/hairgap/internal/hairgap/protocol"
)

// Hooks supplies the variant-specific pieces of a send session: which
// attributes go into the manifest, and where the source tree lives.
// See Design Notes in the top-level spec for why this
// is a capability interface rather than a struct of callbacks.
type Hooks interface {
	// Attributes returns the ordered [hairgap] attributes for this transfer.
	Attributes() []manifest.Attr
	// SourceRoot is the directory to walk and send.
	SourceRoot() string
}

// Transport is the subset of the pipe driver the sender depends on.
type Transport interface {
	SendOne(ctx context.Context, sourcePath string) error
}

// Config tunes a DirectorySender.
type Config struct {
	// EndDelay is paused before sending each payload file, giving the
	// external pipe tool time to flush between files on a rate-limited
	// link.
	EndDelay time.Duration
	// ScratchDir is where escaped/empty/index scratch files are staged
	// before being handed to Transport. Defaults to os.TempDir().
	ScratchDir string
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.ScratchDir == "" {
		c.ScratchDir = os.TempDir()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// DirectorySender drives one send session: PrepareDirectory walks the
// source tree and hashes every file, SendDirectory then pushes the index
// and every file through the transport in order.
type DirectorySender struct {
	cfg       Config
	hooks     Hooks
	transport Transport

	entries []manifest.Entry
}

// New creates a DirectorySender.
func New(hooks Hooks, transport Transport, cfg Config) *DirectorySender {
	cfg.defaults()
	return &DirectorySender{cfg: cfg, hooks: hooks, transport: transport}
}

// PrepareDirectory walks hooks.SourceRoot(), computing the streaming
// SHA-256 digest of every regular file found, and records the resulting
// (sha256, relpath) entries in traversal order. It must be called before
// SendDirectory.
func (s *DirectorySender) PrepareDirectory() error {
	root := s.hooks.SourceRoot()
	var entries []manifest.Entry

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return fmt.Errorf("prepare directory: walking %s: %w", path, err)
		}
		if d.IsDir() {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		relPath = filepath.ToSlash(relPath)

		sum, hashErr := protocol.HashFile(path)
		if hashErr != nil {
			return fmt.Errorf("prepare directory: hashing %s: %w", relPath, hashErr)
		}

		entries = append(entries, manifest.Entry{SHA256: sum, RelPath: relPath})
		return nil
	})
	if walkErr != nil {
		return walkErr
	}

	s.entries = entries
	s.cfg.Logger.Info("directory prepared", "root", root, "file_count", len(entries))
	return nil
}

// Entries returns the file list computed by PrepareDirectory.
func (s *DirectorySender) Entries() []manifest.Entry {
	return s.entries
}

// SendDirectory sends the index manifest followed by every prepared
// file, in order, through the transport. PrepareDirectory must have been
// called first.
func (s *DirectorySender) SendDirectory(ctx context.Context) error {
	root := s.hooks.SourceRoot()
	manifestText := manifest.Write(s.hooks.Attributes(), s.entries)

	if err := s.sendIndex(ctx, manifestText); err != nil {
		return fmt.Errorf("send directory: index: %w", err)
	}

	for _, e := range s.entries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		time.Sleep(s.cfg.EndDelay)

		abs := filepath.Join(root, filepath.FromSlash(e.RelPath))
		if err := s.SendFile(ctx, abs); err != nil {
			return fmt.Errorf("send directory: %s: %w", e.RelPath, err)
		}
	}

	s.cfg.Logger.Info("directory sent", "root", root, "file_count", len(s.entries))
	return nil
}

// SendFile applies the C1 classify/escape transform to srcPath and hands
// the resulting wire bytes to the transport. It is exposed separately
// from SendDirectory so single-file resends and tests can drive it
// directly.
func (s *DirectorySender) SendFile(ctx context.Context, srcPath string) error {
	scratch, err := s.scratchPath("file")
	if err != nil {
		return err
	}
	defer os.Remove(scratch)

	if err := protocol.EncodeFileForSend(srcPath, scratch); err != nil {
		return fmt.Errorf("encode %s: %w", srcPath, err)
	}
	return s.transport.SendOne(ctx, scratch)
}

func (s *DirectorySender) sendIndex(ctx context.Context, manifestText []byte) error {
	scratch, err := s.scratchPath("index")
	if err != nil {
		return err
	}
	defer os.Remove(scratch)

	wire := protocol.EncodeIndex(manifestText)
	if err := os.WriteFile(scratch, wire, 0o600); err != nil {
		return err
	}
	return s.transport.SendOne(ctx, scratch)
}

func (s *DirectorySender) scratchPath(prefix string) (string, error) {
	f, err := os.CreateTemp(s.cfg.ScratchDir, "hairgap-"+prefix+"-*")
	if err != nil {
		return "", err
	}
	path := f.Name()
	return path, f.Close()
}
