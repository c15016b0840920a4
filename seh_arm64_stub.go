// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

// UnwindRegsARM64 holds the register set an AArch64 unwind operates on.
type UnwindRegsARM64 struct {
	lr uint64
	sp uint64
	fp uint64
}

// NewUnwindRegsARM64 returns a register file initialized with the given
// link register, stack pointer and frame pointer values.
func NewUnwindRegsARM64(lr, sp, fp uint64) UnwindRegsARM64 {
	return UnwindRegsARM64{lr: lr, sp: sp, fp: fp}
}

// LR returns the link register.
func (r *UnwindRegsARM64) LR() uint64 { return r.lr }

// SP returns the stack pointer.
func (r *UnwindRegsARM64) SP() uint64 { return r.sp }

// FP returns the frame pointer.
func (r *UnwindRegsARM64) FP() uint64 { return r.fp }

// SetLR sets the link register.
func (r *UnwindRegsARM64) SetLR(lr uint64) { r.lr = lr }

// SetSP sets the stack pointer.
func (r *UnwindRegsARM64) SetSP(sp uint64) { r.sp = sp }

// SetFP sets the frame pointer.
func (r *UnwindRegsARM64) SetFP(fp uint64) { r.fp = fp }

// UnwindRuleARM64Kind discriminates the cases of an AArch64 unwind rule.
type UnwindRuleARM64Kind uint8

const (
	// RuleARM64NoOp: the return address is already in lr and sp already
	// points at the caller's frame. The AArch64 analog of JustReturn.
	RuleARM64NoOp UnwindRuleARM64Kind = iota
)

// UnwindRuleARM64 is one compact unwind rule for AArch64.
type UnwindRuleARM64 struct {
	Kind UnwindRuleARM64Kind
}

// UnwindResultARM64 is the outcome of resolving unwind metadata for one
// AArch64 frame.
type UnwindResultARM64 struct {
	Kind UnwindResultKind
	Rule UnwindRuleARM64
	Regs UnwindRegsARM64
}

// SehUnwinderARM64 is the AArch64 slot of the SEH resolver. The packed
// unwind data format of ARM64 .pdata is not implemented; every lookup
// reports that SEH cannot describe the address so the caller falls through
// to its next strategy.
type SehUnwinderARM64 struct {
	exceptionData []byte
	rvaMapper     RvaMapper
	baseAVMA      uint64
}

// NewSehUnwinderARM64 returns the stub unwinder over the given exception
// directory bytes.
func NewSehUnwinderARM64(exceptionData []byte, rvaMapper RvaMapper,
	baseAVMA uint64) *SehUnwinderARM64 {
	return &SehUnwinderARM64{
		exceptionData: exceptionData,
		rvaMapper:     rvaMapper,
		baseAVMA:      baseAVMA,
	}
}

// RuleIfUncoveredBySehARM64 is the rule to execute for addresses the
// exception table does not cover.
func RuleIfUncoveredBySehARM64() UnwindRuleARM64 {
	return UnwindRuleARM64{Kind: RuleARM64NoOp}
}

// UnwindFrame always returns ErrUnwindInfoForAddressFailed: AArch64 SEH
// synthesis is not implemented.
func (u *SehUnwinderARM64) UnwindFrame(regs *UnwindRegsARM64,
	isFirstFrame bool, readStack StackReadFunc) (UnwindResultARM64, error) {
	return UnwindResultARM64{}, ErrUnwindInfoForAddressFailed
}
