// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/substrate-os/image-assembly-tools/internal/logger"
)

const (
	verityDataBlockSize = 4096
	verityHashBlockSize = 4096
	veritySaltSize      = 32
	verityAlgorithm     = "sha256"

	verityDigestSize      = sha256.Size
	verityDigestsPerBlock = verityHashBlockSize / verityDigestSize
)

// verityDescriptor captures the parameters and root hash of a built
// integrity tree. The root hash is the single value the bootloader needs to
// verify the whole root filesystem.
type verityDescriptor struct {
	RootHash      string
	Salt          []byte
	DataBlocks    uint64
	DataBlockSize uint32
	HashBlockSize uint32
	Algorithm     string
	TreeSize      uint64
}

// verity superblock, format version 1.
// From: https://gitlab.com/cryptsetup/cryptsetup/-/wikis/DMVerity
type veritySuperBlock struct {
	Signature     [8]uint8
	Version       uint32
	HashType      uint32
	Uuid          [16]uint8
	Algorithm     [32]uint8
	DataBlockSize uint32
	HashBlockSize uint32
	DataBlocks    uint64
	SaltSize      uint16
	Pad1          [6]uint8
	Salt          [256]uint8
	Pad2          [168]uint8
}

// newVeritySalt returns a fresh random salt.
func newVeritySalt() []byte {
	salt := make([]byte, 0, veritySaltSize)
	first := uuid.New()
	second := uuid.New()
	salt = append(salt, first[:]...)
	salt = append(salt, second[:]...)
	return salt
}

// buildVerityTree computes the Merkle hash tree over the finalized root
// working image and serializes it (superblock plus hash levels, top level
// first) to treePath. The serialized tree must fit the hash partition's
// allotted capacity; nothing is written if it does not.
func buildVerityTree(dataPath string, treePath string, salt []byte, capacity uint64) (*verityDescriptor, error) {
	logger.Log.Infof("Building integrity tree over (%s)", dataPath)

	dataFile, err := os.Open(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open root image (%s):\n%w", dataPath, err)
	}
	defer dataFile.Close()

	dataInfo, err := dataFile.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat root image (%s):\n%w", dataPath, err)
	}
	if dataInfo.Size() == 0 || dataInfo.Size()%verityDataBlockSize != 0 {
		return nil, fmt.Errorf("root image size (%d) is not a positive multiple of the data block size (%d)",
			dataInfo.Size(), verityDataBlockSize)
	}
	dataBlocks := uint64(dataInfo.Size()) / verityDataBlockSize

	levels, err := buildHashLevels(dataFile, dataBlocks, salt)
	if err != nil {
		return nil, err
	}

	totalHashBlocks := uint64(0)
	for _, level := range levels {
		totalHashBlocks += uint64(len(level)) / verityHashBlockSize
	}
	// One extra hash block holds the superblock.
	treeSize := (1 + totalHashBlocks) * verityHashBlockSize
	if treeSize > capacity {
		return nil, wrapError(ErrCapacityExceeded,
			"serialized tree (%d bytes) exceeds hash partition capacity (%d bytes)", treeSize, capacity)
	}

	topLevel := levels[len(levels)-1]
	rootHash := saltedDigest(salt, topLevel)

	descriptor := &verityDescriptor{
		RootHash:      hex.EncodeToString(rootHash),
		Salt:          salt,
		DataBlocks:    dataBlocks,
		DataBlockSize: verityDataBlockSize,
		HashBlockSize: verityHashBlockSize,
		Algorithm:     verityAlgorithm,
		TreeSize:      treeSize,
	}

	err = writeVerityTree(treePath, descriptor, levels, capacity)
	if err != nil {
		return nil, err
	}

	logger.Log.Infof("Integrity tree root hash: %s", descriptor.RootHash)
	return descriptor, nil
}

// buildHashLevels computes the tree bottom-up: level 0 holds the digests of
// the data blocks, each further level holds the digests of the hash blocks
// below it, until a level fits a single hash block.
func buildHashLevels(dataFile io.Reader, dataBlocks uint64, salt []byte) ([][]byte, error) {
	level0, err := digestBlocks(dataFile, dataBlocks, salt)
	if err != nil {
		return nil, err
	}

	levels := [][]byte{level0}
	for {
		current := levels[len(levels)-1]
		currentBlocks := uint64(len(current)) / verityHashBlockSize
		if currentBlocks == 1 {
			return levels, nil
		}

		next, err := digestBlocks(bytes.NewReader(current), currentBlocks, salt)
		if err != nil {
			return nil, err
		}
		levels = append(levels, next)
	}
}

// digestBlocks reads blockCount blocks from reader and packs their salted
// digests into zero-padded hash blocks.
func digestBlocks(reader io.Reader, blockCount uint64, salt []byte) ([]byte, error) {
	hashBlocks := (blockCount + verityDigestsPerBlock - 1) / verityDigestsPerBlock
	packed := make([]byte, hashBlocks*verityHashBlockSize)

	block := make([]byte, verityDataBlockSize)
	for i := uint64(0); i < blockCount; i++ {
		_, err := io.ReadFull(reader, block)
		if err != nil {
			return nil, fmt.Errorf("failed to read block (%d):\n%w", i, err)
		}

		digest := saltedDigest(salt, block)
		blockIndex := i / verityDigestsPerBlock
		digestIndex := i % verityDigestsPerBlock
		offset := blockIndex*verityHashBlockSize + digestIndex*verityDigestSize
		copy(packed[offset:], digest)
	}

	return packed, nil
}

// saltedDigest computes the format-1 digest H(salt || data).
func saltedDigest(salt []byte, data []byte) []byte {
	hasher := sha256.New()
	hasher.Write(salt)
	hasher.Write(data)
	return hasher.Sum(nil)
}

// writeVerityTree serializes the superblock and hash levels, top level
// first, padded with zeros to the full partition capacity.
func writeVerityTree(treePath string, descriptor *verityDescriptor, levels [][]byte, capacity uint64) error {
	treeFile, err := os.OpenFile(treePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create tree file (%s):\n%w", treePath, err)
	}
	defer treeFile.Close()

	superblock := veritySuperBlock{
		Version:       1,
		HashType:      1,
		DataBlockSize: descriptor.DataBlockSize,
		HashBlockSize: descriptor.HashBlockSize,
		DataBlocks:    descriptor.DataBlocks,
		SaltSize:      uint16(len(descriptor.Salt)),
	}
	copy(superblock.Signature[:], "verity\x00\x00")
	copy(superblock.Algorithm[:], descriptor.Algorithm)
	copy(superblock.Salt[:], descriptor.Salt)
	treeUuid := uuid.New()
	copy(superblock.Uuid[:], treeUuid[:])

	superblockBlock := bytes.NewBuffer(make([]byte, 0, verityHashBlockSize))
	err = binary.Write(superblockBlock, binary.LittleEndian, &superblock)
	if err != nil {
		return fmt.Errorf("failed to encode verity superblock:\n%w", err)
	}
	superblockBlock.Write(make([]byte, verityHashBlockSize-superblockBlock.Len()))

	_, err = treeFile.Write(superblockBlock.Bytes())
	if err != nil {
		return fmt.Errorf("failed to write verity superblock:\n%w", err)
	}

	for i := len(levels) - 1; i >= 0; i-- {
		_, err = treeFile.Write(levels[i])
		if err != nil {
			return fmt.Errorf("failed to write hash level (%d):\n%w", i, err)
		}
	}

	written := uint64(verityHashBlockSize)
	for _, level := range levels {
		written += uint64(len(level))
	}
	_, err = treeFile.Write(make([]byte, capacity-written))
	if err != nil {
		return fmt.Errorf("failed to pad tree file:\n%w", err)
	}

	return treeFile.Close()
}
