// Copyright (c) Substrate OS Project Developers.
// Licensed under the MIT License.

package imageassemblerlib

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/substrate-os/image-assembly-tools/imageassemblerapi"
)

// compressFile compresses src to dst with the selected codec. zstd is the
// default.
func compressFile(src string, dst string, compression imageassemblerapi.CompressionType) error {
	srcFile, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open (%s):\n%w", src, err)
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create (%s):\n%w", dst, err)
	}
	defer dstFile.Close()

	var writer io.WriteCloser
	switch compression {
	case imageassemblerapi.CompressionTypeGzip:
		writer, err = pgzip.NewWriterLevel(dstFile, pgzip.BestCompression)
		if err != nil {
			return fmt.Errorf("failed to create gzip writer:\n%w", err)
		}
	case imageassemblerapi.CompressionTypeZstd, imageassemblerapi.CompressionTypeNone:
		writer, err = zstd.NewWriter(dstFile, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
		if err != nil {
			return fmt.Errorf("failed to create zstd writer:\n%w", err)
		}
	default:
		return fmt.Errorf("unsupported compression type (%s)", compression)
	}

	_, err = io.Copy(writer, srcFile)
	if err != nil {
		writer.Close()
		return fmt.Errorf("failed to compress (%s):\n%w", src, err)
	}

	err = writer.Close()
	if err != nil {
		return fmt.Errorf("failed to finalize compressed file (%s):\n%w", dst, err)
	}

	return dstFile.Close()
}

// compressionSuffix returns the artifact filename suffix for the codec.
func compressionSuffix(compression imageassemblerapi.CompressionType) string {
	if compression == imageassemblerapi.CompressionTypeGzip {
		return string(imageassemblerapi.CompressionTypeGzip)
	}
	return string(imageassemblerapi.CompressionTypeZstd)
}
