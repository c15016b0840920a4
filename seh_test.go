// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

import (
	"errors"
	"testing"
)

// testModule assembles the metadata of a synthetic x64 module:
//
//	funcA [0x1000, 0x1040)  plain prologue: alloc 72, push rbp, push rbx
//	funcB [0x1040, 0x1080)  alloc 32 chained onto a parent that pushes rbp
//	funcC [0x1080, 0x10c0)  unwind info RVA the mapper cannot produce
//	funcD [0x10c0, 0x1100)  chained to an RVA the mapper cannot produce
//
// The RVA mapper serves records straight out of a flat buffer.
func testModule() (exceptionData []byte, mapper RvaMapper) {
	xdata := make([]byte, 0x300)

	copy(xdata[0x100:], buildUnwindInfo(1, 0, 0x7, 0, 0, []uint16{
		unwindSlot(0x7, UwOpAllocSmall, 8),
		unwindSlot(0x4, UwOpPushNonVol, rbp),
		unwindSlot(0x2, UwOpPushNonVol, rbx),
	}, nil))

	copy(xdata[0x140:], buildUnwindInfo(1, UnwFlagChainInfo, 0x4, 0, 0,
		[]uint16{unwindSlot(0x4, UwOpAllocSmall, 3)},
		buildRuntimeFunctions([]ImageRuntimeFunctionEntry{
			{BeginAddress: 0x1000, EndAddress: 0x1040,
				UnwindInfoAddress: 0x160},
		})))

	copy(xdata[0x160:], buildUnwindInfo(1, 0, 0x2, 0, 0, []uint16{
		unwindSlot(0x2, UwOpPushNonVol, rbp),
	}, nil))

	copy(xdata[0x180:], buildUnwindInfo(1, UnwFlagChainInfo, 0x0, 0, 0, nil,
		buildRuntimeFunctions([]ImageRuntimeFunctionEntry{
			{BeginAddress: 0x1000, EndAddress: 0x1040,
				UnwindInfoAddress: 0x20000},
		})))

	exceptionData = buildRuntimeFunctions([]ImageRuntimeFunctionEntry{
		{BeginAddress: 0x1000, EndAddress: 0x1040, UnwindInfoAddress: 0x100},
		{BeginAddress: 0x1040, EndAddress: 0x1080, UnwindInfoAddress: 0x140},
		{BeginAddress: 0x1080, EndAddress: 0x10c0, UnwindInfoAddress: 0x10000},
		{BeginAddress: 0x10c0, EndAddress: 0x1100, UnwindInfoAddress: 0x180},
	})
	mapper = RvaMapperFunc(func(rva uint32) []byte {
		if uint64(rva) >= uint64(len(xdata)) {
			return nil
		}
		return xdata[rva:]
	})
	return exceptionData, mapper
}

func TestRuleForAddress(t *testing.T) {

	exceptionData, mapper := testModule()
	unwinder := NewSehUnwinderX86_64(exceptionData, mapper, 0, nil)

	tests := []struct {
		name string
		rva  uint32
		want UnwindRuleX86_64
	}{
		{
			// Past the prologue: the full rule.
			"funcA body", 0x103f,
			UnwindRuleX86_64{Kind: RuleOffsetSpAndRestoreBp,
				SpOffsetBy8: 12, BpStorageOffsetBy8: 9},
		},
		{
			// Mid-prologue: the alloc and the rbp push have not executed
			// yet, only the rbx push counts.
			"funcA mid-prologue", 0x1003,
			UnwindRuleX86_64{Kind: RuleOffsetSp, SpOffsetBy8: 2},
		},
		{
			// At the first byte nothing of the prologue has executed.
			"funcA entry", 0x1000,
			UnwindRuleX86_64{Kind: RuleOffsetSp, SpOffsetBy8: 1},
		},
		{
			// The chained parent record contributes all its operations.
			"funcB chained", 0x1050,
			UnwindRuleX86_64{Kind: RuleOffsetSpAndRestoreBp,
				SpOffsetBy8: 6, BpStorageOffsetBy8: 4},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := unwinder.RuleForAddress(tt.rva)
			if err != nil {
				t.Fatalf("RuleForAddress(%#x) failed, reason: %v", tt.rva, err)
			}
			if rule != tt.want {
				t.Errorf("RuleForAddress(%#x) got %v, want %v",
					tt.rva, rule, tt.want)
			}
		})
	}
}

func TestRuleForAddressErrors(t *testing.T) {

	exceptionData, mapper := testModule()
	unwinder := NewSehUnwinderX86_64(exceptionData, mapper, 0, nil)

	// Root unwind info the mapper cannot produce.
	_, err := unwinder.RuleForAddress(0x1090)
	if !errors.Is(err, ErrUnwindRvaMappingFailed) {
		t.Errorf("funcC got %v, want ErrUnwindRvaMappingFailed", err)
	}

	// Chained unwind info the mapper cannot produce.
	_, err = unwinder.RuleForAddress(0x10d0)
	if !errors.Is(err, ErrOutsideBoundary) {
		t.Errorf("funcD got %v, want ErrOutsideBoundary", err)
	}

	// Uncovered address.
	_, err = unwinder.RuleForAddress(0x2000)
	if !errors.Is(err, ErrUnwindInfoForAddressFailed) {
		t.Errorf("uncovered got %v, want ErrUnwindInfoForAddressFailed", err)
	}

	// Trailing bytes in the exception data.
	bad := NewSehUnwinderX86_64(exceptionData[:len(exceptionData)-1],
		mapper, 0, nil)
	_, err = bad.RuleForAddress(0x1000)
	if !errors.Is(err, ErrInvalidRuntimeFunction) {
		t.Errorf("truncated table got %v, want ErrInvalidRuntimeFunction", err)
	}
}

func TestRuleForAddressChainLoop(t *testing.T) {

	// A record chained to itself must hit the depth cap instead of
	// spinning forever.
	xdata := make([]byte, 0x40)
	copy(xdata, buildUnwindInfo(1, UnwFlagChainInfo, 0, 0, 0, nil,
		buildRuntimeFunctions([]ImageRuntimeFunctionEntry{
			{BeginAddress: 0x1000, EndAddress: 0x1040, UnwindInfoAddress: 0},
		})))
	exceptionData := buildRuntimeFunctions([]ImageRuntimeFunctionEntry{
		{BeginAddress: 0x1000, EndAddress: 0x1040, UnwindInfoAddress: 0},
	})
	mapper := RvaMapperFunc(func(rva uint32) []byte {
		if uint64(rva) >= uint64(len(xdata)) {
			return nil
		}
		return xdata[rva:]
	})

	unwinder := NewSehUnwinderX86_64(exceptionData, mapper, 0, nil)
	_, err := unwinder.RuleForAddress(0x1000)
	if !errors.Is(err, ErrUnwindChainTooDeep) {
		t.Fatalf("got %v, want ErrUnwindChainTooDeep", err)
	}
}

func TestUnwindFrameFallback(t *testing.T) {

	exceptionData, mapper := testModule()
	const base = uint64(0x140000000)
	unwinder := NewSehUnwinderX86_64(exceptionData, mapper, base, nil)

	// An address no RUNTIME_FUNCTION covers resolves to the leaf-frame
	// rule instead of an error.
	regs := NewUnwindRegsX86_64(base+0x2000, 0x100, 0x200)
	result, err := unwinder.UnwindFrame(&regs, true, stackReader(nil))
	if err != nil {
		t.Fatalf("UnwindFrame failed, reason: %v", err)
	}
	if result.Kind != UnwindResultExecRule ||
		result.Rule != RuleIfUncoveredBySehX86_64() {
		t.Fatalf("fallback assertion failed, got %+v", result)
	}

	// An instruction pointer below the module base cannot be an RVA.
	regs = NewUnwindRegsX86_64(base-8, 0x100, 0x200)
	_, err = unwinder.UnwindFrame(&regs, true, stackReader(nil))
	if !errors.Is(err, ErrConversion) {
		t.Fatalf("got %v, want ErrConversion", err)
	}
}

func TestUnwindFrameRoundTrip(t *testing.T) {

	exceptionData, mapper := testModule()
	const base = uint64(0x140000000)
	unwinder := NewSehUnwinderX86_64(exceptionData, mapper, base, nil)

	// A two frame stack: funcA's frame at sp 0x100 returning into funcB,
	// whose own return address slot holds zero.
	stack := make([]uint64, 64)
	stack[(0x100+72)/8] = 0x600         // funcA's saved rbp
	stack[(0x100+88)/8] = base + 0x1050 // return address into funcB
	stack[(0x160+32)/8] = 0x700         // funcB's saved rbp
	stack[(0x160+40)/8] = 0             // end of the chain
	read := stackReader(stack)

	regs := NewUnwindRegsX86_64(base+0x103f, 0x100, 0x500)
	result, err := unwinder.UnwindFrame(&regs, true, read)
	if err != nil {
		t.Fatalf("UnwindFrame failed, reason: %v", err)
	}
	ra, ok, err := result.Rule.Exec(true, &regs, read)
	if err != nil || !ok || ra != base+0x1050 {
		t.Fatalf("frame 1 got (%#x, %v, %v), want (%#x, true, nil)",
			ra, ok, err, base+0x1050)
	}
	if regs != NewUnwindRegsX86_64(base+0x1050, 0x160, 0x600) {
		t.Fatalf("frame 1 regs assertion failed, got %v", regs)
	}

	// Feeding the advanced registers back resolves the caller's rule, and
	// its execution reports the end of the chain.
	result, err = unwinder.UnwindFrame(&regs, false, read)
	if err != nil {
		t.Fatalf("UnwindFrame failed, reason: %v", err)
	}
	want := UnwindRuleX86_64{Kind: RuleOffsetSpAndRestoreBp,
		SpOffsetBy8: 6, BpStorageOffsetBy8: 4}
	if result.Rule != want {
		t.Fatalf("frame 2 rule assertion failed, got %v, want %v",
			result.Rule, want)
	}
	_, ok, err = result.Rule.Exec(false, &regs, read)
	if err != nil || ok {
		t.Fatalf("chain end got (ok=%v, err=%v), want (false, nil)", ok, err)
	}
}

func TestUnwindFrameARM64Stub(t *testing.T) {

	exceptionData, mapper := testModule()
	unwinder := NewSehUnwinderARM64(exceptionData, mapper, 0)

	regs := NewUnwindRegsARM64(0x100400, 0x100, 0x200)
	_, err := unwinder.UnwindFrame(&regs, true, stackReader(nil))
	if !errors.Is(err, ErrUnwindInfoForAddressFailed) {
		t.Fatalf("got %v, want ErrUnwindInfoForAddressFailed", err)
	}
	if got := RuleIfUncoveredBySehARM64(); got.Kind != RuleARM64NoOp {
		t.Fatalf("fallback rule assertion failed, got %+v", got)
	}
}
