// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"fmt"

	tracemerrors "github.com/ethandmd/tracem/pkg/errors"
)

// ErrInvalidAttr is returned by Builder.Build when the descriptor under
// construction violates a kernel-enforced invariant (e.g. a zero wakeup
// threshold), and by Open and NewReader when their inputs are unusable
// (an unsupported sample_type, a RingPages that is not a power of two, no
// handles).
var ErrInvalidAttr = tracemerrors.New("invalid perf_event_attr")

// ErrRingCorrupt is returned by the ring reader when the ring's contents
// cannot be parsed: a data_size that is not a power of two, a record header
// whose size is smaller than the header or larger than the bytes published
// between data_tail and data_head, or a sample body shorter than its
// sample_type requires.
var ErrRingCorrupt = tracemerrors.New("perf ring buffer corrupt")

// OpenError wraps the perf_event_open(2) syscall's errno with the
// descriptor fields that were in play, since a bare errno rarely explains
// which part of the attr the kernel rejected.
type OpenError struct {
	Type   uint32
	Config uint64
	Err    error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("perf_event_open(type=%d config=%#x): %s", e.Type, e.Config, e.Err)
}

func (e *OpenError) Unwrap() error { return e.Err }
