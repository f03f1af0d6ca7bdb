// Package hooks provides concrete SenderHooks/ReceiverHooks
// implementations. SingleDirSender/SingleDirReceiver mirror the minimal
// variant from the reference hairgap CLI (a single directory in, a
// single directory out, keyed by a freshly minted transfer UID).
// RegistryReceiver mirrors the extended attribute set used by the
// reference test suite's receiver variant, which always publishes into
// one fixed "reception" directory regardless of which transfer produced
// it.
package hooks

import (
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/xid"

	"github.com/d9pouces/hairgap/internal/hairgap/manifest"
	"github.com/d9pouces/hairgap/internal/hairgap/receiver"
)

// SingleDirSender sends one on-disk directory per session, stamping the
// manifest with a fresh UID and a creation timestamp.
type SingleDirSender struct {
	DataPath string
	UID      string
	Created  time.Time
}

// NewSingleDirSender creates a SingleDirSender for dataPath, minting a
// new transfer UID.
func NewSingleDirSender(dataPath string) *SingleDirSender {
	return &SingleDirSender{DataPath: dataPath, UID: xid.New().String(), Created: time.Now()}
}

// Attributes implements sender.Hooks.
func (s *SingleDirSender) Attributes() []manifest.Attr {
	return []manifest.Attr{
		{Key: "uid", Value: s.UID},
		{Key: "creation", Value: formatCreation(s.Created)},
	}
}

// SourceRoot implements sender.Hooks.
func (s *SingleDirSender) SourceRoot() string { return s.DataPath }

// formatCreation timestamps a manifest attribute. The reference CLI
// builds this string with Python's "%Y-%m-%dT%H:%M:%s" strftime pattern,
// which on glibc expands the nonstandard %s to whole seconds since the
// epoch rather than a second literal — so the rendered value looks like
// a normal ISO-ish timestamp up through minutes, followed by a colon and
// a ten-digit epoch count instead of seconds. Kept for attribute-format
// compatibility between this package's own sender and receiver.
func formatCreation(t time.Time) string {
	return t.Format("2006-01-02T15:04") + ":" + strconv.FormatInt(t.Unix(), 10)
}

// SingleDirReceiver publishes each transfer under
// AfterReceptionPath/<uid>, the layout the reference CLI's receive
// subcommand uses. OnPublished, if set, is called with the final path
// once a transfer completes and was keyed by a uid attribute.
type SingleDirReceiver struct {
	AfterReceptionPath string
	OnPublished        func(path string)
}

// TargetRootFor implements receiver.Hooks.
func (s *SingleDirReceiver) TargetRootFor(m manifest.Manifest) (string, bool) {
	uid := m.Attr("uid")
	if uid == "" {
		return "", false
	}
	return filepath.Join(s.AfterReceptionPath, uid), true
}

// OnTransferStart implements receiver.Hooks.
func (s *SingleDirReceiver) OnTransferStart(manifest.Manifest) {}

// OnTransferComplete implements receiver.Hooks.
func (s *SingleDirReceiver) OnTransferComplete(m manifest.Manifest, _ receiver.Stats) {
	if s.OnPublished == nil {
		return
	}
	if uid := m.Attr("uid"); uid != "" {
		s.OnPublished(filepath.Join(s.AfterReceptionPath, uid))
	}
}
