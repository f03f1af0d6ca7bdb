// Package hgerr declares the sentinel errors shared across the hairgap
// protocol packages, so callers can classify failures with errors.Is
// instead of matching on message text.
package hgerr

import "errors"

var (
	// ErrPipeTool is returned when the external hairgaps/hairgapr binary
	// exits non-zero for a reason other than the documented timeout code.
	ErrPipeTool = errors.New("hairgap: pipe tool failed")

	// ErrTimeout is returned by a receive when the external receive tool
	// exits with its documented "no data before deadline" status. It is
	// not a failure: the receiver treats it as the end of the current
	// transfer.
	ErrTimeout = errors.New("hairgap: receive timed out")

	// ErrIndexParse is logged by the receiver, wrapping the parser's
	// error, when a delivered index file's payload is not a well-formed
	// manifest.
	ErrIndexParse = errors.New("hairgap: index parse failed")

	// ErrHashMismatch is logged by the receiver when a delivered file's
	// SHA-256 digest does not match any entry still outstanding in the
	// current manifest.
	ErrHashMismatch = errors.New("hairgap: hash not expected")

	// ErrUnreceivedEntries marks transfers that finalised with manifest
	// entries that never arrived.
	ErrUnreceivedEntries = errors.New("hairgap: manifest entries never received")
)
