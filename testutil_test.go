// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashfs

import "github.com/sirupsen/logrus"

// testConfig returns the geometry spec.md §8's concrete scenarios are
// specified against: page_size=256, block_size=65536, total 1 MiB.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PhysSize = 1 << 20
	cfg.PhysEraseBlock = 64 * 1024
	cfg.LogBlockSize = 64 * 1024
	cfg.LogPageSize = 256
	return cfg
}

func mustInit(t interface{ Fatalf(string, ...interface{}) }, hal HAL, cfg Config) *FS {
	fs, err := Init(hal, cfg, logrus.New())
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return fs
}

// crashHAL wraps a HAL and starts failing every Write once writeBudget
// bytes have been programmed, simulating a power loss mid-page — the
// paranoid-verify-after-every-op style harness SPEC_FULL.md §8 describes,
// grounded on the teacher package's own paranoid-allocator test pattern.
type crashHAL struct {
	HAL
	writeBudget int
	written     int
	crashed     bool
}

func (c *crashHAL) Write(addr uint32, p []byte) error {
	if c.crashed {
		return &ErrINVAL{"crashHAL: write after crash", addr}
	}
	if c.written+len(p) > c.writeBudget {
		c.crashed = true
		n := c.writeBudget - c.written
		if n > 0 {
			if err := c.HAL.Write(addr, p[:n]); err != nil {
				return err
			}
		}
		return &ErrINVAL{"crashHAL: simulated power loss", addr}
	}
	c.written += len(p)
	return c.HAL.Write(addr, p)
}
