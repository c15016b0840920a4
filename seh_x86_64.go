// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

import (
	"errors"
	"math"
	"os"

	"github.com/saferwall/winunwind/log"
)

// maxUnwindChainDepth caps the number of chained UNWIND_INFO records a
// single function may reference. Well-formed images chain once or twice.
const maxUnwindChainDepth = 16

// unwindInfoChunk is the synthesizer's view of one record in an unwind
// info chain: its frame register declaration plus its decoded operations,
// ordered from last-applied to first-applied.
type unwindInfoChunk struct {
	frameRegister       uint8
	frameRegisterOffset uint32
	operations          []UnwindOperation
}

func scaleBy8U16(v int64) (uint16, error) {
	if v%8 != 0 || v < 0 || v/8 > math.MaxUint16 {
		return 0, ErrConversion
	}
	return uint16(v / 8), nil
}

func scaleBy8I16(v int64) (int16, error) {
	if v%8 != 0 || v/8 > math.MaxInt16 || v/8 < math.MinInt16 {
		return 0, ErrConversion
	}
	return int16(v / 8), nil
}

// synthesizeUnwindRuleX86_64 folds an unwind info chain into one compact
// rule. The accumulator tracks where the caller's stack pointer and saved
// base pointer live relative to the current sp, or relative to bp once a
// frame register is established.
func synthesizeUnwindRuleX86_64(chunks []unwindInfoChunk) (UnwindRuleX86_64, error) {
	useBp := false
	// new_sp - sp, or new_sp - bp once useBp is set.
	spOffset := int64(0)
	// &saved_bp - sp, or &saved_bp - bp once useBp is set.
	var bpOffset *int64

	for _, chunk := range chunks {
		if chunk.frameRegister != 0 && chunk.frameRegister != rbp {
			return UnwindRuleX86_64{}, ErrConversion
		}
		for _, op := range chunk.operations {
			switch op.Kind {
			case OpPushNonVolatile:
				if op.Register == rbp {
					saved := spOffset
					bpOffset = &saved
				}
				spOffset += 8
			case OpAlloc:
				spOffset += int64(op.AllocSize)
			case OpSetFPRegister:
				spOffset = -int64(chunk.frameRegisterOffset)
				useBp = true
			case OpSaveNonVolatile:
				if op.Register != rbp {
					break
				}
				switch op.Offset.Kind {
				case FrameOffsetFromRSP:
					saved := int64(op.Offset.Offset)
					bpOffset = &saved
				case FrameOffsetFromFP:
					// A frame-pointer-relative bp save slot cannot be
					// expressed against the accumulator.
					return UnwindRuleX86_64{}, ErrConversion
				}
			case OpPushMachineFrame:
				// Interrupt and exception frames are not modeled; the
				// accumulator is left untouched.
			case OpSaveXMM, OpSaveXMM128, OpEpilog, OpNoop:
			}
		}
	}

	// The return address pushed by the call instruction.
	spOffset += 8

	if useBp {
		if bpOffset == nil {
			return UnwindRuleX86_64{}, ErrConversion
		}
		spBy8, err := scaleBy8U16(spOffset)
		if err != nil {
			return UnwindRuleX86_64{}, err
		}
		bpBy8, err := scaleBy8I16(*bpOffset)
		if err != nil {
			return UnwindRuleX86_64{}, err
		}
		return UnwindRuleX86_64{
			Kind:               RuleUseBasePointer,
			SpOffsetBy8:        spBy8,
			BpStorageOffsetBy8: bpBy8,
		}, nil
	}

	spBy8, err := scaleBy8U16(spOffset)
	if err != nil {
		return UnwindRuleX86_64{}, err
	}
	if bpOffset != nil {
		bpBy8, err := scaleBy8I16(*bpOffset)
		if err != nil {
			return UnwindRuleX86_64{}, err
		}
		return UnwindRuleX86_64{
			Kind:               RuleOffsetSpAndRestoreBp,
			SpOffsetBy8:        spBy8,
			BpStorageOffsetBy8: bpBy8,
		}, nil
	}
	return UnwindRuleX86_64{Kind: RuleOffsetSp, SpOffsetBy8: spBy8}, nil
}

// SehUnwinderOptions configures a SEH unwinder.
type SehUnwinderOptions struct {
	// A custom logger.
	Logger log.Logger
}

// SehUnwinderX86_64 resolves x86-64 SEH unwind metadata. It keeps a
// reference to the exception data (.pdata bytes), without copying it, and
// resolves UNWIND_INFO records through the caller's RVA mapper; bytes the
// mapper returns are only read during the call that obtained them.
type SehUnwinderX86_64 struct {
	exceptionData []byte
	rvaMapper     RvaMapper
	baseAVMA      uint64
	logger        *log.Helper
}

// NewSehUnwinderX86_64 returns an unwinder over the given exception
// directory bytes. baseAVMA is the address the module is loaded at; it
// anchors the translation from absolute instruction pointers to RVAs.
func NewSehUnwinderX86_64(exceptionData []byte, rvaMapper RvaMapper,
	baseAVMA uint64, opts *SehUnwinderOptions) *SehUnwinderX86_64 {

	if opts == nil {
		opts = &SehUnwinderOptions{}
	}

	var helper *log.Helper
	if opts.Logger == nil {
		helper = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError)))
	} else {
		helper = log.NewHelper(opts.Logger)
	}

	return &SehUnwinderX86_64{
		exceptionData: exceptionData,
		rvaMapper:     rvaMapper,
		baseAVMA:      baseAVMA,
		logger:        helper,
	}
}

// RuleIfUncoveredBySehX86_64 is the rule to execute for addresses the
// exception table does not cover: such code is either a leaf function or a
// stub, where the return address sits directly at sp.
func RuleIfUncoveredBySehX86_64() UnwindRuleX86_64 {
	return UnwindRuleX86_64{Kind: RuleJustReturn}
}

// UnwindFrame resolves the unwind rule for the frame regs points into.
// An address the exception table does not cover resolves to the fallback
// rule rather than an error, so the result is always executable; every
// other metadata failure is returned as is. The registers are not touched;
// executing the returned rule is the caller's move.
func (u *SehUnwinderX86_64) UnwindFrame(regs *UnwindRegsX86_64,
	isFirstFrame bool, readStack StackReadFunc) (UnwindResultX86_64, error) {

	ip := regs.IP()
	if ip < u.baseAVMA || ip-u.baseAVMA > math.MaxUint32 {
		return UnwindResultX86_64{}, ErrConversion
	}

	rule, err := u.RuleForAddress(uint32(ip - u.baseAVMA))
	if err != nil {
		if errors.Is(err, ErrUnwindInfoForAddressFailed) {
			u.logger.Debugf("no unwind info covers rva %#x, assuming leaf frame",
				ip-u.baseAVMA)
			return UnwindResultX86_64{
				Kind: UnwindResultExecRule,
				Rule: RuleIfUncoveredBySehX86_64(),
			}, nil
		}
		return UnwindResultX86_64{}, err
	}
	return UnwindResultX86_64{Kind: UnwindResultExecRule, Rule: rule}, nil
}

// RuleForAddress synthesizes the unwind rule covering the given
// module-relative address: RUNTIME_FUNCTION lookup, unwind info chain
// walk, then the fold into a compact rule. Unlike UnwindFrame it does not
// substitute the fallback rule for uncovered addresses.
func (u *SehUnwinderX86_64) RuleForAddress(rva uint32) (UnwindRuleX86_64, error) {

	table, err := NewRuntimeFunctionTable(u.exceptionData)
	if err != nil {
		return UnwindRuleX86_64{}, err
	}
	entry, err := table.Lookup(rva)
	if err != nil {
		return UnwindRuleX86_64{}, err
	}
	funcOffset := rva - entry.BeginAddress

	chunks := make([]unwindInfoChunk, 0, 2)
	infoRVA := entry.UnwindInfoAddress
	for depth := 0; ; depth++ {
		if depth == maxUnwindChainDepth {
			return UnwindRuleX86_64{}, ErrUnwindChainTooDeep
		}
		data := u.rvaMapper.Map(infoRVA)
		if data == nil {
			if depth == 0 {
				return UnwindRuleX86_64{}, ErrUnwindRvaMappingFailed
			}
			// A chained record the mapper cannot produce means the
			// metadata itself is broken.
			return UnwindRuleX86_64{}, ErrOutsideBoundary
		}
		info, err := ParseUnwindInfo(data)
		if err != nil {
			return UnwindRuleX86_64{}, err
		}

		ops := info.Operations
		if depth == 0 {
			// Operations past the current position in the prologue have
			// not executed yet and must not contribute. Only the head of
			// the chain is subject to the cursor; chained records cover
			// code past their own prologue by construction.
			for len(ops) > 0 && uint32(ops[0].CodeOffset) > funcOffset {
				ops = ops[1:]
			}
		}
		chunks = append(chunks, unwindInfoChunk{
			frameRegister:       info.FrameRegister,
			frameRegisterOffset: info.FrameRegisterOffset,
			operations:          ops,
		})

		if !info.IsChained() {
			break
		}
		infoRVA = info.FunctionEntry.UnwindInfoAddress
	}

	return synthesizeUnwindRuleX86_64(chunks)
}
