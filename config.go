// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashfs

import "fmt"

// Config mirrors the embedded API's spiffs_config / SPIFFS_init parameter
// set: the physical geometry of the flash device plus the handful of
// tuning knobs the garbage collector and file-descriptor cache need. It is
// validated once, in Init, instead of scattered through every component.
type Config struct {
	// PhysAddr is the flash address the filesystem image starts at.
	PhysAddr uint32
	// PhysSize is the total number of bytes given to the filesystem.
	PhysSize uint32
	// PhysEraseBlock is the size, in bytes, of one erasable unit.
	PhysEraseBlock uint32
	// LogBlockSize is the logical block size used for wear-leveling
	// bookkeeping; normally equal to PhysEraseBlock.
	LogBlockSize uint32
	// LogPageSize is the logical page (program-unit) size.
	LogPageSize uint32

	// MaxOpenFiles bounds the file-descriptor cache (C7).
	MaxOpenFiles int

	// GCWeightDeleted and GCWeightUsed are the block-candidate scoring
	// heuristic weights: score = deleted*GCWeightDeleted + used*GCWeightUsed.
	// Defaults (10, -1) match SPIFFS_GC_HEUR_W_DELET/SPIFFS_GC_HEUR_W_USED.
	GCWeightDeleted int
	GCWeightUsed    int

	// MaxGCRuns bounds how many reclaim passes a single operation will
	// trigger before giving up with ErrFull, mirroring SPIFFS_GC_MAX_RUNS.
	MaxGCRuns int
}

// DefaultConfig returns a Config with the GC heuristic weights and open-fd
// ceiling the reference implementation ships with; geometry fields are
// left zero and must be set by the caller.
func DefaultConfig() Config {
	return Config{
		MaxOpenFiles:    16,
		GCWeightDeleted: 10,
		GCWeightUsed:    -1,
		MaxGCRuns:       5,
	}
}

func (c Config) validate() error {
	switch {
	case c.PhysSize == 0:
		return &ErrINVAL{"Config.PhysSize", c.PhysSize}
	case c.PhysEraseBlock == 0:
		return &ErrINVAL{"Config.PhysEraseBlock", c.PhysEraseBlock}
	case c.LogBlockSize == 0:
		return &ErrINVAL{"Config.LogBlockSize", c.LogBlockSize}
	case c.LogPageSize == 0:
		return &ErrINVAL{"Config.LogPageSize", c.LogPageSize}
	case c.PhysSize%c.LogBlockSize != 0:
		return &ErrINVAL{"Config.PhysSize not a multiple of LogBlockSize", c.PhysSize}
	case c.LogBlockSize%c.LogPageSize != 0:
		return &ErrINVAL{"Config.LogBlockSize not a multiple of LogPageSize", c.LogBlockSize}
	case c.LogBlockSize/c.LogPageSize < 2:
		return &ErrINVAL{"Config.LogBlockSize must hold at least a lookup page and a data page", c.LogBlockSize}
	case c.MaxOpenFiles <= 0:
		return &ErrINVAL{"Config.MaxOpenFiles", c.MaxOpenFiles}
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("flashfs.Config{addr:%#x size:%d block:%d page:%d}",
		c.PhysAddr, c.PhysSize, c.LogBlockSize, c.LogPageSize)
}
