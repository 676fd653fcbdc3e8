// Copyright tracem authors. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package perfevent

import (
	"errors"
	"testing"

	tracemerrors "github.com/ethandmd/tracem/pkg/errors"
	"github.com/ethandmd/tracem/pkg/perfabi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// drain's decode/discard logic only touches Ring and a Handle's exported
// accessors, so it can be exercised against a synthetic ring without any
// real perf_event_open/epoll syscalls.

func TestReader_DrainForwardsSamples(t *testing.T) {
	s := newSynthRing(t, 256)
	var pos uint64
	var body []byte
	body = putU64(body, 0x401000) // ip
	pos = s.writeRecord(pos, uint32(perfabi.RecordSample), body)
	s.meta.Data_head = pos

	h := &Handle{Ring: s.ring(t), cpu: 2, sampleType: perfabi.SampleIP}
	r := &Reader{}

	samples := make(chan Sample, 4)
	err := r.drain(h, samples)
	require.NoError(t, err)
	close(samples)

	got := <-samples
	assert.Equal(t, uint64(0x401000), got.IP)
	assert.Equal(t, 2, got.RingCPU)
}

func TestReader_DrainAccumulatesLostCount(t *testing.T) {
	s := newSynthRing(t, 256)
	var body []byte
	body = putU64(body, 0)  // id
	body = putU64(body, 7)  // lost count
	pos := s.writeRecord(0, uint32(perfabi.RecordLost), body)
	s.meta.Data_head = pos

	h := &Handle{Ring: s.ring(t)}
	r := &Reader{}

	samples := make(chan Sample, 1)
	err := r.drain(h, samples)
	require.NoError(t, err)
	close(samples)

	_, ok := <-samples
	assert.False(t, ok, "a LOST record must not be forwarded as a Sample")
	assert.Equal(t, uint64(7), r.LostSamples())
}

func TestClassifyPollError_EINTRIsRetryable(t *testing.T) {
	got := classifyPollError(unix.EINTR)
	assert.True(t, tracemerrors.Retryable(got))
}

func TestClassifyPollError_OtherErrnoPassesThroughUnwrapped(t *testing.T) {
	got := classifyPollError(unix.EBADF)
	assert.False(t, tracemerrors.Retryable(got))
	assert.True(t, errors.Is(got, unix.EBADF))
}

func TestReader_DrainDiscardsUnhandledRecordTypes(t *testing.T) {
	s := newSynthRing(t, 256)
	pos := s.writeRecord(0, uint32(perfabi.RecordComm), []byte("ignored"))
	s.meta.Data_head = pos

	h := &Handle{Ring: s.ring(t)}
	r := &Reader{}

	samples := make(chan Sample, 1)
	err := r.drain(h, samples)
	require.NoError(t, err)
	close(samples)

	_, ok := <-samples
	assert.False(t, ok)
	assert.Zero(t, r.LostSamples())
}
