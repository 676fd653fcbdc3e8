// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package procutils

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
)

// ProcUtils provides common utilities for parsing /proc files
type ProcUtils struct {
	procPath string

	// Cached page size - this never changes during system runtime
	pageSize     int64
	pageSizeOnce sync.Once
	pageSizeErr  error
}

// New creates a new ProcUtils instance
func New(procPath string) *ProcUtils {
	return &ProcUtils{
		procPath: procPath,
	}
}

// GetPageSize returns the system page size in bytes, used to mask sample
// addresses down to their containing page.
// The result is cached after the first successful read.
func (p *ProcUtils) GetPageSize() (int64, error) {
	p.pageSizeOnce.Do(func() {
		p.pageSize, p.pageSizeErr = p.readPageSize()
	})
	return p.pageSize, p.pageSizeErr
}

// readPageSize reads the page size from /proc/self/auxv
//
// AT_PAGESZ (value 6) contains the system page size.
// This is typically 4096 bytes on x86_64 systems.
func (p *ProcUtils) readPageSize() (int64, error) {
	const AT_PAGESZ = 6 // System page size from <asm/auxvec.h>

	auxvPath := filepath.Join(p.procPath, "self", "auxv")
	data, err := os.ReadFile(auxvPath)
	if err != nil {
		// Fallback to standard value if auxv is not available
		return 4096, nil
	}

	// Parse auxv entries (8-byte key + 8-byte value pairs)
	for i := 0; i <= len(data)-16; i += 16 {
		key := binary.LittleEndian.Uint64(data[i : i+8])
		val := binary.LittleEndian.Uint64(data[i+8 : i+16])

		if key == AT_PAGESZ {
			return int64(val), nil
		}

		if key == 0 { // AT_NULL marks end of auxv
			break
		}
	}

	return 4096, nil
}
