// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

import "fmt"

// UnwindRuleKind discriminates the cases of an x86-64 unwind rule.
type UnwindRuleKind uint8

const (
	// RuleJustReturn: (sp, bp) = (sp + 8, bp).
	RuleJustReturn UnwindRuleKind = iota

	// RuleJustReturnIfFirstFrameOtherwiseFp behaves like RuleJustReturn on
	// the first frame and like RuleUseFramePointer on every other frame.
	RuleJustReturnIfFirstFrameOtherwiseFp

	// RuleOffsetSp: (sp, bp) = (sp + 8k, bp).
	RuleOffsetSp

	// RuleOffsetSpAndRestoreBp: (sp, bp) = (sp + 8k, *(sp + 8j)).
	RuleOffsetSpAndRestoreBp

	// RuleUseFramePointer: (sp, bp) = (bp + 16, *bp).
	RuleUseFramePointer

	// RuleUseBasePointer: (sp, bp) = (bp + 8k, *(bp + 8j)). The frame
	// register variant of RuleUseFramePointer, which equals k=2, j=0.
	RuleUseBasePointer
)

// UnwindRuleX86_64 is one compact unwind rule for x86-64. The offsets are
// scaled by 8; which pointer they are relative to depends on Kind:
//
//	RuleOffsetSp, RuleOffsetSpAndRestoreBp:  relative to sp
//	RuleUseBasePointer:                      relative to bp
//
// For every case the return address lives at *(new_sp - 8).
type UnwindRuleX86_64 struct {
	Kind UnwindRuleKind

	// SpOffsetBy8 is (new_sp - sp)/8, or (new_sp - bp)/8 for
	// RuleUseBasePointer.
	SpOffsetBy8 uint16

	// BpStorageOffsetBy8 is (&new_bp - sp)/8, or (&new_bp - bp)/8 for
	// RuleUseBasePointer.
	BpStorageOffsetBy8 int16
}

func (rule UnwindRuleX86_64) String() string {
	switch rule.Kind {
	case RuleJustReturn:
		return "JustReturn"
	case RuleJustReturnIfFirstFrameOtherwiseFp:
		return "JustReturnIfFirstFrameOtherwiseFp"
	case RuleOffsetSp:
		return fmt.Sprintf("OffsetSp{sp+%#x}", uint32(rule.SpOffsetBy8)*8)
	case RuleOffsetSpAndRestoreBp:
		return fmt.Sprintf("OffsetSpAndRestoreBp{sp+%#x, bp@sp%+d}",
			uint32(rule.SpOffsetBy8)*8, int32(rule.BpStorageOffsetBy8)*8)
	case RuleUseFramePointer:
		return "UseFramePointer"
	case RuleUseBasePointer:
		return fmt.Sprintf("UseBasePointer{bp+%#x, bp@bp%+d}",
			uint32(rule.SpOffsetBy8)*8, int32(rule.BpStorageOffsetBy8)*8)
	}
	return "?"
}

func checkedAdd(lhs, rhs uint64) (uint64, error) {
	sum := lhs + rhs
	if sum < lhs {
		return 0, ErrIntegerOverflow
	}
	return sum, nil
}

func checkedAddSigned(lhs uint64, rhs int64) (uint64, error) {
	if rhs >= 0 {
		return checkedAdd(lhs, uint64(rhs))
	}
	neg := uint64(-rhs)
	if lhs < neg {
		return 0, ErrIntegerOverflow
	}
	return lhs - neg, nil
}

// Exec applies the rule to regs using readStack for stack memory. It
// returns the caller's return address, or ok == false when the frame chain
// has ended (null frame pointer or null return address). On success regs
// holds the caller's (ip, sp, bp). All arithmetic is overflow checked.
func (rule UnwindRuleX86_64) Exec(isFirstFrame bool, regs *UnwindRegsX86_64,
	readStack StackReadFunc) (uint64, bool, error) {

	read := func(addr uint64) (uint64, error) {
		value, ok := readStack(addr)
		if !ok {
			return 0, &StackReadError{Addr: addr}
		}
		return value, nil
	}

	sp := regs.SP()
	var newSp, newBp uint64
	var err error

	kind := rule.Kind
	if kind == RuleJustReturnIfFirstFrameOtherwiseFp {
		if isFirstFrame {
			kind = RuleJustReturn
		} else {
			kind = RuleUseFramePointer
		}
	}

	switch kind {
	case RuleJustReturn:
		newSp, err = checkedAdd(sp, 8)
		if err != nil {
			return 0, false, err
		}
		newBp = regs.BP()

	case RuleOffsetSp:
		newSp, err = checkedAdd(sp, uint64(rule.SpOffsetBy8)*8)
		if err != nil {
			return 0, false, err
		}
		newBp = regs.BP()

	case RuleOffsetSpAndRestoreBp:
		newSp, err = checkedAdd(sp, uint64(rule.SpOffsetBy8)*8)
		if err != nil {
			return 0, false, err
		}
		var bpLocation uint64
		bpLocation, err = checkedAddSigned(sp, int64(rule.BpStorageOffsetBy8)*8)
		if err != nil {
			return 0, false, err
		}
		newBp, err = read(bpLocation)
		if err != nil {
			if isFirstFrame && bpLocation < sp {
				// Ignore failed reads below the stack pointer on the first
				// frame. x86-64 epilogues pop the saved registers one after
				// the other, and the unwind info does not mark the
				// already-popped bp as unchanged. A stack reader backed by a
				// sampled ustack window legitimately refuses addresses
				// below sp.
				newBp = regs.BP()
			} else {
				return 0, false, err
			}
		}

	case RuleUseFramePointer, RuleUseBasePointer:
		// A frame pointer walk. Code built with frame pointers carries the
		// prologue `push rbp; mov rbp, rsp`, so *bp is the caller's frame
		// pointer and *(bp + 8) the return address: the stack holds a linked
		// list of (previous bp, return address) pairs threaded through bp.
		spOffset := uint64(2)
		bpStorageOffset := int64(0)
		if kind == RuleUseBasePointer {
			spOffset = uint64(rule.SpOffsetBy8)
			bpStorageOffset = int64(rule.BpStorageOffsetBy8)
		}
		bp := regs.BP()
		if bp == 0 {
			return 0, false, nil
		}
		newSp, err = checkedAdd(bp, spOffset*8)
		if err != nil {
			return 0, false, err
		}
		if newSp <= sp {
			return 0, false, ErrFramepointerUnwindingMovedBackwards
		}
		var bpLocation uint64
		bpLocation, err = checkedAddSigned(bp, bpStorageOffset*8)
		if err != nil {
			return 0, false, err
		}
		// The caller may use bp as a general purpose register, in which case
		// any loaded value, including zero, is legitimate. No coherency
		// check is possible on newBp here.
		newBp, err = read(bpLocation)
		if err != nil {
			return 0, false, err
		}
	}

	if newSp < 8 {
		return 0, false, ErrIntegerOverflow
	}
	returnAddress, err := read(newSp - 8)
	if err != nil {
		return 0, false, err
	}
	if returnAddress == 0 {
		return 0, false, nil
	}
	if newSp == sp && returnAddress == regs.IP() {
		return 0, false, ErrDidNotAdvance
	}
	regs.SetIP(returnAddress)
	regs.SetSP(newSp)
	regs.SetBP(newBp)
	return returnAddress, true, nil
}
