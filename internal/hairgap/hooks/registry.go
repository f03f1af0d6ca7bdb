package hooks

import (
	"context"
	"path/filepath"

	"github.com/d9pouces/hairgap/internal/hairgap/manifest"
	"github.com/d9pouces/hairgap/internal/hairgap/receiver"
)

// RegistryReceiver models the extended-attribute receiver variant: it
// recognises current_uid/previous_uid/title/url/creation attributes (in
// addition to the minimal uid/creation pair) and always publishes into a
// single fixed "reception" subdirectory of TransferPath, overwriting
// whatever the previous transfer left there. If StopAfterOne is true and
// Cancel is set, the first completed transfer calls Cancel, ending the
// caller's receive loop — mirrors
// a one-shot registration flow used in integration tests.
type RegistryReceiver struct {
	TransferPath string
	StopAfterOne bool
	Cancel       context.CancelFunc
}

// TargetRootFor implements receiver.Hooks.
func (r *RegistryReceiver) TargetRootFor(m manifest.Manifest) (string, bool) {
	if m.Attr("current_uid") == "" {
		return "", false
	}
	return filepath.Join(r.TransferPath, "reception"), true
}

// OnTransferStart implements receiver.Hooks.
func (r *RegistryReceiver) OnTransferStart(manifest.Manifest) {}

// OnTransferComplete implements receiver.Hooks.
func (r *RegistryReceiver) OnTransferComplete(manifest.Manifest, receiver.Stats) {
	if r.StopAfterOne && r.Cancel != nil {
		r.Cancel()
	}
}
