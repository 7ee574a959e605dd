// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

// Package testutils provides helpers for building synthetic disk images in
// unit tests.
package testutils

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"unicode/utf16"
)

const (
	SectorSize = 512

	gptEntrySize    = 128
	gptEntriesCount = 128
	// 128 entries * 128 bytes = 32 sectors.
	gptEntriesSectors = gptEntriesCount * gptEntrySize / SectorSize
)

// TestPartition describes one partition of a synthetic test image.
type TestPartition struct {
	Name     string
	StartLba uint64
	SizeLba  uint64
}

// CreateGptDiskImage writes a disk image with a valid GPT (protective MBR,
// primary and backup headers, CRC-correct entry arrays) containing the given
// partitions. sizeLba is the total image size in 512-byte sectors.
func CreateGptDiskImage(path string, sizeLba uint64, partitions []TestPartition) error {
	if sizeLba < 2*(1+gptEntriesSectors)+1 {
		return fmt.Errorf("image size (%d sectors) too small for GPT structures", sizeLba)
	}

	lastLba := sizeLba - 1
	firstUsable := uint64(2 + gptEntriesSectors)
	lastUsable := lastLba - gptEntriesSectors - 1

	image := make([]byte, sizeLba*SectorSize)

	writeProtectiveMbr(image, sizeLba)

	diskGuid := make([]byte, 16)
	_, err := rand.Read(diskGuid)
	if err != nil {
		return err
	}

	entries, err := buildEntryArray(partitions)
	if err != nil {
		return err
	}
	entriesCrc := crc32.ChecksumIEEE(entries)

	// Entry arrays: primary at LBA 2, backup immediately before the backup header.
	backupEntriesLba := lastLba - gptEntriesSectors
	copy(image[2*SectorSize:], entries)
	copy(image[backupEntriesLba*SectorSize:], entries)

	primary := buildHeader(1, lastLba, firstUsable, lastUsable, diskGuid, 2, entriesCrc)
	copy(image[1*SectorSize:], primary)

	backup := buildHeader(lastLba, 1, firstUsable, lastUsable, diskGuid, backupEntriesLba, entriesCrc)
	copy(image[lastLba*SectorSize:], backup)

	return os.WriteFile(path, image, 0o644)
}

func writeProtectiveMbr(image []byte, sizeLba uint64) {
	// Single 0xEE partition covering the whole disk.
	entry := image[446:462]
	entry[4] = 0xEE
	binary.LittleEndian.PutUint32(entry[8:12], 1)
	protectedSectors := sizeLba - 1
	if protectedSectors > 0xFFFFFFFF {
		protectedSectors = 0xFFFFFFFF
	}
	binary.LittleEndian.PutUint32(entry[12:16], uint32(protectedSectors))
	image[510] = 0x55
	image[511] = 0xAA
}

func buildEntryArray(partitions []TestPartition) ([]byte, error) {
	// Linux filesystem data partition type GUID, in on-disk byte order.
	partType := []byte{
		0xAF, 0x3D, 0xC6, 0x0F, 0x83, 0x84, 0x72, 0x47,
		0x8E, 0x79, 0x3D, 0x69, 0xD8, 0x47, 0x7D, 0xE4,
	}

	entries := make([]byte, gptEntriesCount*gptEntrySize)
	for i, partition := range partitions {
		if i >= gptEntriesCount {
			return nil, fmt.Errorf("too many partitions (%d)", len(partitions))
		}

		entry := entries[i*gptEntrySize : (i+1)*gptEntrySize]
		copy(entry[0:16], partType)

		partGuid := make([]byte, 16)
		_, err := rand.Read(partGuid)
		if err != nil {
			return nil, err
		}
		copy(entry[16:32], partGuid)

		binary.LittleEndian.PutUint64(entry[32:40], partition.StartLba)
		binary.LittleEndian.PutUint64(entry[40:48], partition.StartLba+partition.SizeLba-1)

		nameChars := utf16.Encode([]rune(partition.Name))
		if len(nameChars) > 36 {
			return nil, fmt.Errorf("partition name (%s) too long", partition.Name)
		}
		for j, char := range nameChars {
			binary.LittleEndian.PutUint16(entry[56+2*j:58+2*j], char)
		}
	}

	return entries, nil
}

func buildHeader(currentLba, alternateLba, firstUsable, lastUsable uint64, diskGuid []byte,
	entriesLba uint64, entriesCrc uint32,
) []byte {
	header := make([]byte, SectorSize)
	copy(header[0:8], "EFI PART")
	binary.LittleEndian.PutUint32(header[8:12], 0x00010000) // revision 1.0
	binary.LittleEndian.PutUint32(header[12:16], 92)
	binary.LittleEndian.PutUint64(header[24:32], currentLba)
	binary.LittleEndian.PutUint64(header[32:40], alternateLba)
	binary.LittleEndian.PutUint64(header[40:48], firstUsable)
	binary.LittleEndian.PutUint64(header[48:56], lastUsable)
	copy(header[56:72], diskGuid)
	binary.LittleEndian.PutUint64(header[72:80], entriesLba)
	binary.LittleEndian.PutUint32(header[80:84], gptEntriesCount)
	binary.LittleEndian.PutUint32(header[84:88], gptEntrySize)
	binary.LittleEndian.PutUint32(header[88:92], entriesCrc)

	headerCrc := crc32.ChecksumIEEE(header[:92])
	binary.LittleEndian.PutUint32(header[16:20], headerCrc)

	return header
}

// CorruptBackupEntries flips a byte inside the backup GPT entry array of the
// image at path, leaving the primary structures intact.
func CorruptBackupEntries(path string) error {
	image, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	lastLba := uint64(len(image)/SectorSize) - 1
	backupEntriesOffset := (lastLba - gptEntriesSectors) * SectorSize
	image[backupEntriesOffset+40] ^= 0xFF

	return os.WriteFile(path, image, 0o644)
}

// FillPartition writes a repeating pattern over a partition's byte range,
// so tests can verify byte-exact staging.
func FillPartition(path string, startLba, sizeLba uint64, pattern byte) error {
	imageFile, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer imageFile.Close()

	data := bytes.Repeat([]byte{pattern}, int(sizeLba*SectorSize))
	_, err = imageFile.WriteAt(data, int64(startLba*SectorSize))
	return err
}
