// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package diskinfo

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
)

// The structural self-check treats every inconsistency between the primary
// and backup GPT as fatal. Partition tools repair a stale backup table
// silently; an image that needs such a repair was assembled incorrectly.

const (
	SectorSize = 512

	gptSignature  = "EFI PART"
	gptHeaderSize = 92
)

type gptHeader struct {
	Signature      [8]byte
	Revision       uint32
	HeaderSize     uint32
	HeaderCrc      uint32
	Reserved       uint32
	CurrentLba     uint64
	AlternateLba   uint64
	FirstUsableLba uint64
	LastUsableLba  uint64
	DiskGuid       [16]byte
	EntriesLba     uint64
	EntriesCount   uint32
	EntrySize      uint32
	EntriesCrc     uint32
}

// ValidateGpt performs a structural self-check of the disk image's GPT:
// primary and backup headers must be intact, internally consistent, and must
// describe identical partition entry arrays.
func ValidateGpt(imagePath string) error {
	imageFile, err := os.Open(imagePath)
	if err != nil {
		return fmt.Errorf("failed to open disk image (%s):\n%w", imagePath, err)
	}
	defer imageFile.Close()

	imageInfo, err := imageFile.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat disk image (%s):\n%w", imagePath, err)
	}
	if imageInfo.Size()%SectorSize != 0 {
		return fmt.Errorf("disk image size (%d) is not sector aligned", imageInfo.Size())
	}
	lastLba := uint64(imageInfo.Size()/SectorSize) - 1

	primary, primaryEntries, err := readGptHeader(imageFile, 1)
	if err != nil {
		return fmt.Errorf("primary GPT header is invalid:\n%w", err)
	}

	if primary.CurrentLba != 1 {
		return fmt.Errorf("primary GPT header has wrong current LBA (%d)", primary.CurrentLba)
	}
	if primary.AlternateLba != lastLba {
		return fmt.Errorf("primary GPT header points at backup LBA (%d), expected last LBA (%d)",
			primary.AlternateLba, lastLba)
	}

	backup, backupEntries, err := readGptHeader(imageFile, lastLba)
	if err != nil {
		return fmt.Errorf("backup GPT header is invalid:\n%w", err)
	}

	if backup.CurrentLba != lastLba {
		return fmt.Errorf("backup GPT header has wrong current LBA (%d), expected (%d)",
			backup.CurrentLba, lastLba)
	}
	if backup.AlternateLba != 1 {
		return fmt.Errorf("backup GPT header points at primary LBA (%d), expected (1)", backup.AlternateLba)
	}

	if primary.DiskGuid != backup.DiskGuid {
		return fmt.Errorf("primary and backup GPT headers disagree on disk GUID")
	}
	if primary.EntriesCount != backup.EntriesCount || primary.EntrySize != backup.EntrySize {
		return fmt.Errorf("primary and backup GPT headers disagree on entry array geometry")
	}
	if primary.EntriesCrc != backup.EntriesCrc || !bytes.Equal(primaryEntries, backupEntries) {
		return fmt.Errorf("primary and backup GPT partition entry arrays differ")
	}

	return nil
}

// readGptHeader reads and verifies the GPT header at the given LBA, along
// with the partition entry array it describes.
func readGptHeader(imageFile *os.File, headerLba uint64) (*gptHeader, []byte, error) {
	headerSector := make([]byte, SectorSize)
	_, err := imageFile.ReadAt(headerSector, int64(headerLba)*SectorSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read header at LBA (%d):\n%w", headerLba, err)
	}

	header := &gptHeader{}
	err = binary.Read(bytes.NewReader(headerSector), binary.LittleEndian, header)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode header at LBA (%d):\n%w", headerLba, err)
	}

	if string(header.Signature[:]) != gptSignature {
		return nil, nil, fmt.Errorf("missing GPT signature at LBA (%d)", headerLba)
	}
	if header.HeaderSize < gptHeaderSize || header.HeaderSize > SectorSize {
		return nil, nil, fmt.Errorf("implausible GPT header size (%d)", header.HeaderSize)
	}

	// The header CRC is computed over the header with its CRC field zeroed.
	crcInput := make([]byte, header.HeaderSize)
	copy(crcInput, headerSector[:header.HeaderSize])
	binary.LittleEndian.PutUint32(crcInput[16:20], 0)
	if crc := crc32.ChecksumIEEE(crcInput); crc != header.HeaderCrc {
		return nil, nil, fmt.Errorf("GPT header CRC mismatch at LBA (%d): computed (%08x), stored (%08x)",
			headerLba, crc, header.HeaderCrc)
	}

	if header.EntrySize == 0 || header.EntriesCount == 0 {
		return nil, nil, fmt.Errorf("GPT header at LBA (%d) describes no partition entries", headerLba)
	}

	entries := make([]byte, uint64(header.EntriesCount)*uint64(header.EntrySize))
	_, err = imageFile.ReadAt(entries, int64(header.EntriesLba)*SectorSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read partition entries at LBA (%d):\n%w", header.EntriesLba, err)
	}

	if crc := crc32.ChecksumIEEE(entries); crc != header.EntriesCrc {
		return nil, nil, fmt.Errorf("GPT partition entry array CRC mismatch for header at LBA (%d)", headerLba)
	}

	return header, entries, nil
}
