// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

import "fmt"

// UnwindRegsX86_64 holds the register triple an x86-64 unwind operates on.
// The caller creates it from a sample or a snapshot, the rule executor
// advances it frame by frame.
type UnwindRegsX86_64 struct {
	ip uint64
	sp uint64
	bp uint64
}

// NewUnwindRegsX86_64 returns a register file initialized with the given
// instruction, stack and base pointer values.
func NewUnwindRegsX86_64(ip, sp, bp uint64) UnwindRegsX86_64 {
	return UnwindRegsX86_64{ip: ip, sp: sp, bp: bp}
}

// IP returns the instruction pointer (RIP).
func (r *UnwindRegsX86_64) IP() uint64 { return r.ip }

// SP returns the stack pointer (RSP).
func (r *UnwindRegsX86_64) SP() uint64 { return r.sp }

// BP returns the base pointer (RBP).
func (r *UnwindRegsX86_64) BP() uint64 { return r.bp }

// SetIP sets the instruction pointer (RIP).
func (r *UnwindRegsX86_64) SetIP(ip uint64) { r.ip = ip }

// SetSP sets the stack pointer (RSP).
func (r *UnwindRegsX86_64) SetSP(sp uint64) { r.sp = sp }

// SetBP sets the base pointer (RBP).
func (r *UnwindRegsX86_64) SetBP(bp uint64) { r.bp = bp }

func (r UnwindRegsX86_64) String() string {
	return fmt.Sprintf("ip: %#x, sp: %#x, bp: %#x", r.ip, r.sp, r.bp)
}
