// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

// Package winunwind resolves Windows Structured Exception Handling (SEH)
// metadata, the .pdata/.xdata tables embedded in Portable Executable
// images, and turns it into compact unwind rules. Applying a rule to a
// register file together with a stack reader advances the registers to the
// caller's frame.
//
// The package is synchronous and keeps no global state. An unwinder keeps a
// reference to its exception data without copying it; bytes handed out by
// the RVA mapper are only read during the call that obtained them.
package winunwind

// RvaMapper resolves a relative virtual address inside a module to the
// bytes stored at that address. Map returns nil when no bytes back the
// address. Returned slices are only read during the call that obtained
// them; the mapper may hand out views into its own storage.
type RvaMapper interface {
	Map(rva uint32) []byte
}

// RvaMapperFunc adapts a plain function to the RvaMapper interface.
type RvaMapperFunc func(rva uint32) []byte

// Map calls f(rva).
func (f RvaMapperFunc) Map(rva uint32) []byte { return f(rva) }

// StackReadFunc reads one 64-bit little-endian value from stack memory.
// It reports ok == false when the address is not readable, for example
// when it falls outside a captured ustack window.
type StackReadFunc func(addr uint64) (value uint64, ok bool)

// UnwindResultKind discriminates the cases of an unwind result.
type UnwindResultKind uint8

const (
	// UnwindResultExecRule instructs the caller to execute the carried rule
	// against its register file.
	UnwindResultExecRule UnwindResultKind = iota

	// UnwindResultUncacheable carries registers that were advanced in place
	// and must not be associated with the lookup address in a rule cache.
	UnwindResultUncacheable
)

// UnwindResultX86_64 is the outcome of resolving unwind metadata for one
// x86-64 frame. Exactly one of Rule or Regs is meaningful, selected by
// Kind. SEH resolution only ever produces UnwindResultExecRule.
type UnwindResultX86_64 struct {
	Kind UnwindResultKind
	Rule UnwindRuleX86_64
	Regs UnwindRegsX86_64
}
