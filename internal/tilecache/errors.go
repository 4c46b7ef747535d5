package tilecache

import (
	"errors"
	"fmt"

	"github.com/paulmach/orb"
)

// ErrClosed is returned for requests made after Close.
var ErrClosed = errors.New("tile cache closed")

// UpstreamQueryError reports a failed feature store query for a root tile.
// Every request waiting on that root receives it.
type UpstreamQueryError struct {
	Dataset string
	Root    string
	Bbox    orb.Bound
	Err     error
}

func (e *UpstreamQueryError) Error() string {
	return fmt.Sprintf("failed to query features of %s for root %s: %v", e.Dataset, e.Root, e.Err)
}

func (e *UpstreamQueryError) Unwrap() error { return e.Err }

// RenderBuildError reports a failure assembling or building a renderer.
type RenderBuildError struct {
	Dataset string
	Root    string
	Err     error
}

func (e *RenderBuildError) Error() string {
	return fmt.Sprintf("failed to build renderer of %s for root %s: %v", e.Dataset, e.Root, e.Err)
}

func (e *RenderBuildError) Unwrap() error { return e.Err }

// CloseError wraps the first error returned while closing renderers.
type CloseError struct {
	Failed int
	Err    error
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("failed to close %d renderer(s): %v", e.Failed, e.Err)
}

func (e *CloseError) Unwrap() error { return e.Err }
