// Copyright 2022 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package winunwind

import (
	"encoding/binary"
	"errors"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/saferwall/winunwind/log"
)

// Image signatures and machine types.
const (
	// The DOS MZ executable magic.
	ImageDOSSignature = 0x5A4D // MZ

	// The PE\0\0 signature that precedes the COFF file header.
	ImageNTSignature = 0x00004550

	// Optional header magic values for PE32 and PE32+.
	ImageNtOptionalHeader32Magic = 0x10b
	ImageNtOptionalHeader64Magic = 0x20b

	// Machine types of interest to the unwinder.
	ImageFileMachineAMD64 = uint16(0x8664) // x64
	ImageFileMachineARM64 = uint16(0xaa64) // ARM64 little endian

	// Index of the exception table in the data directory array.
	ImageDirectoryEntryException = 3
)

// Errors returned while loading an image.
var (

	// ErrInvalidImageSize is returned when the file is too small to hold
	// the mandatory PE headers.
	ErrInvalidImageSize = errors.New("not a PE file, smaller than the headers")

	// ErrDOSMagicNotFound is returned when the MZ magic is missing.
	ErrDOSMagicNotFound = errors.New("DOS Header magic not found")

	// ErrInvalidElfanewValue is returned when e_lfanew points outside the
	// file.
	ErrInvalidElfanewValue = errors.New(
		"invalid e_lfanew value. Probably not a PE file")

	// ErrImageNtSignatureNotFound is returned when the PE magic signature
	// is not found.
	ErrImageNtSignatureNotFound = errors.New(
		"not a valid PE signature. Magic not found")

	// ErrImageNtOptionalHeaderMagicNotFound is returned when the optional
	// header magic is different from PE32/PE32+.
	ErrImageNtOptionalHeaderMagicNotFound = errors.New(
		"not a valid PE signature. Optional Header magic not found")

	// ErrNoExceptionData is returned when the image has no exception data
	// directory.
	ErrNoExceptionData = errors.New("image has no exception directory")
)

// headers: 0x40 byte DOS stub, PE signature, 20 byte file header and the
// smallest optional header.
const minImageSize = 0x40 + 4 + 20 + 96

// ImageSectionHeader is one entry of the section table
// (IMAGE_SECTION_HEADER).
type ImageSectionHeader struct {
	Name                 [8]byte `json:"name"`
	VirtualSize          uint32  `json:"virtual_size"`
	VirtualAddress       uint32  `json:"virtual_address"`
	SizeOfRawData        uint32  `json:"size_of_raw_data"`
	PointerToRawData     uint32  `json:"pointer_to_raw_data"`
	PointerToRelocations uint32  `json:"pointer_to_relocations"`
	PointerToLineNumbers uint32  `json:"pointer_to_line_numbers"`
	NumberOfRelocations  uint16  `json:"number_of_relocations"`
	NumberOfLineNumbers  uint16  `json:"number_of_line_numbers"`
	Characteristics      uint32  `json:"characteristics"`
}

// String returns the section name with trailing NULs stripped.
func (h ImageSectionHeader) String() string {
	n := 0
	for n < len(h.Name) && h.Name[n] != 0 {
		n++
	}
	return string(h.Name[:n])
}

// DataDirectory points one of the optional header's directory entries at
// its table.
type DataDirectory struct {
	VirtualAddress uint32 `json:"virtual_address"`
	Size           uint32 `json:"size"`
}

// ImageOptions configures image loading.
type ImageOptions struct {
	// A custom logger.
	Logger log.Logger
}

// Image is a minimal view of a PE file: the headers and section table
// needed to locate exception data and to resolve RVAs into mapped file
// bytes. It implements RvaMapper.
type Image struct {
	Machine            uint16               `json:"machine"`
	Is64               bool                 `json:"is_64"`
	Sections           []ImageSectionHeader `json:"sections"`
	ExceptionDirectory DataDirectory        `json:"exception_directory"`

	data   mmap.MMap
	size   uint32
	f      *os.File
	opts   *ImageOptions
	logger *log.Helper
}

// NewImage memory-maps the named PE file.
func NewImage(name string, opts *ImageOptions) (*Image, error) {

	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}

	// Memory map the file instead of using read/write.
	data, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		f.Close()
		return nil, err
	}

	img := newImage(data, opts)
	img.f = f
	return img, nil
}

// NewImageBytes wraps an in-memory PE file.
func NewImageBytes(data []byte, opts *ImageOptions) (*Image, error) {
	return newImage(data, opts), nil
}

func newImage(data []byte, opts *ImageOptions) *Image {
	img := Image{}
	if opts != nil {
		img.opts = opts
	} else {
		img.opts = &ImageOptions{}
	}

	if img.opts.Logger == nil {
		img.logger = log.NewHelper(log.NewFilter(log.NewStdLogger(os.Stdout),
			log.FilterLevel(log.LevelError)))
	} else {
		img.logger = log.NewHelper(img.opts.Logger)
	}

	img.data = data
	img.size = uint32(len(data))
	return &img
}

// Close unmaps and closes the underlying file.
func (img *Image) Close() error {
	if img.f != nil {
		_ = img.data.Unmap()
		return img.f.Close()
	}
	return nil
}

func (img *Image) readU16(offset uint32) (uint16, error) {
	if offset > img.size || img.size-offset < 2 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint16(img.data[offset:]), nil
}

func (img *Image) readU32(offset uint32) (uint32, error) {
	if offset > img.size || img.size-offset < 4 {
		return 0, ErrOutsideBoundary
	}
	return binary.LittleEndian.Uint32(img.data[offset:]), nil
}

// Parse walks the DOS header, the NT headers and the section table, and
// records the exception data directory.
func (img *Image) Parse() error {

	if img.size < minImageSize {
		return ErrInvalidImageSize
	}

	if binary.LittleEndian.Uint16(img.data) != ImageDOSSignature {
		return ErrDOSMagicNotFound
	}
	ntOffset := binary.LittleEndian.Uint32(img.data[0x3c:])
	if ntOffset < 4 || ntOffset > img.size-4 {
		return ErrInvalidElfanewValue
	}

	signature, err := img.readU32(ntOffset)
	if err != nil || signature != ImageNTSignature {
		return ErrImageNtSignatureNotFound
	}

	// IMAGE_FILE_HEADER.
	fileHeaderOffset := ntOffset + 4
	img.Machine, err = img.readU16(fileHeaderOffset)
	if err != nil {
		return err
	}
	numberOfSections, err := img.readU16(fileHeaderOffset + 2)
	if err != nil {
		return err
	}
	sizeOfOptionalHeader, err := img.readU16(fileHeaderOffset + 16)
	if err != nil {
		return err
	}

	// IMAGE_OPTIONAL_HEADER.
	optionalOffset := fileHeaderOffset + 20
	magic, err := img.readU16(optionalOffset)
	if err != nil {
		return err
	}

	var dirOffset, dirCountOffset uint32
	switch magic {
	case ImageNtOptionalHeader64Magic:
		img.Is64 = true
		dirCountOffset = optionalOffset + 108
		dirOffset = optionalOffset + 112
	case ImageNtOptionalHeader32Magic:
		img.Is64 = false
		dirCountOffset = optionalOffset + 92
		dirOffset = optionalOffset + 96
	default:
		return ErrImageNtOptionalHeaderMagicNotFound
	}

	numberOfDirs, err := img.readU32(dirCountOffset)
	if err != nil {
		return err
	}
	if numberOfDirs > ImageDirectoryEntryException {
		va, err := img.readU32(dirOffset + 8*ImageDirectoryEntryException)
		if err != nil {
			return err
		}
		size, err := img.readU32(dirOffset + 8*ImageDirectoryEntryException + 4)
		if err != nil {
			return err
		}
		img.ExceptionDirectory = DataDirectory{VirtualAddress: va, Size: size}
	} else {
		img.logger.Debugf("image declares only %d data directories", numberOfDirs)
	}

	// Section table.
	sectionOffset := optionalOffset + uint32(sizeOfOptionalHeader)
	img.Sections = make([]ImageSectionHeader, 0, numberOfSections)
	for i := uint32(0); i < uint32(numberOfSections); i++ {
		base := sectionOffset + 40*i
		if base > img.size || img.size-base < 40 {
			return ErrOutsideBoundary
		}
		var hdr ImageSectionHeader
		copy(hdr.Name[:], img.data[base:base+8])
		hdr.VirtualSize = binary.LittleEndian.Uint32(img.data[base+8:])
		hdr.VirtualAddress = binary.LittleEndian.Uint32(img.data[base+12:])
		hdr.SizeOfRawData = binary.LittleEndian.Uint32(img.data[base+16:])
		hdr.PointerToRawData = binary.LittleEndian.Uint32(img.data[base+20:])
		hdr.PointerToRelocations = binary.LittleEndian.Uint32(img.data[base+24:])
		hdr.PointerToLineNumbers = binary.LittleEndian.Uint32(img.data[base+28:])
		hdr.NumberOfRelocations = binary.LittleEndian.Uint16(img.data[base+32:])
		hdr.NumberOfLineNumbers = binary.LittleEndian.Uint16(img.data[base+34:])
		hdr.Characteristics = binary.LittleEndian.Uint32(img.data[base+36:])
		img.Sections = append(img.Sections, hdr)
	}

	return nil
}

// Map resolves an RVA into the mapped file bytes, valid up to the end of
// the containing section's raw data. An RVA below the first section
// resolves into the header region, matching how the loader maps headers.
// Map returns nil for unmapped addresses, making Image an RvaMapper.
func (img *Image) Map(rva uint32) []byte {
	for _, section := range img.Sections {
		size := section.VirtualSize
		if size == 0 {
			size = section.SizeOfRawData
		}
		if rva < section.VirtualAddress || rva-section.VirtualAddress >= size {
			continue
		}
		delta := rva - section.VirtualAddress
		if delta >= section.SizeOfRawData {
			// Zero-filled tail of the section, nothing on disk.
			return nil
		}
		start := section.PointerToRawData + delta
		end := section.PointerToRawData + section.SizeOfRawData
		if start >= img.size {
			return nil
		}
		if end > img.size {
			end = img.size
		}
		return img.data[start:end]
	}
	// Below the first section only the loader-mapped headers remain.
	headerTop := img.size
	for _, section := range img.Sections {
		if section.VirtualAddress < headerTop {
			headerTop = section.VirtualAddress
		}
	}
	if rva < headerTop {
		return img.data[rva:]
	}
	return nil
}

// ExceptionData returns the raw bytes of the exception data directory, the
// RUNTIME_FUNCTION array the unwinder consumes.
func (img *Image) ExceptionData() ([]byte, error) {
	dir := img.ExceptionDirectory
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return nil, ErrNoExceptionData
	}
	data := img.Map(dir.VirtualAddress)
	if data == nil {
		return nil, ErrOutsideBoundary
	}
	if uint32(len(data)) < dir.Size {
		return nil, ErrOutsideBoundary
	}
	return data[:dir.Size], nil
}
