// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
)

// GetClientBinaryInfo resolves the executable of a process and hashes it.
func GetClientBinaryInfo(pid int32) (binaryPath string, binaryHash string, err error) {
	if pid <= 0 {
		return "", "", fmt.Errorf("unknown client process")
	}

	binaryPath, err = getBinaryPath(pid)
	if err != nil {
		return "", "", fmt.Errorf("reading binary path: %w", err)
	}

	binaryHash, err = HashFile(binaryPath)
	if err != nil {
		return "", "", fmt.Errorf("hashing client binary: %w", err)
	}

	return binaryPath, binaryHash, nil
}

// VerifyClientBinary checks that the executable of pid hashes to one of the
// allowed SHA256 digests.
func VerifyClientBinary(pid int32, allowed []string) (string, error) {
	path, hash, err := GetClientBinaryInfo(pid)
	if err != nil {
		return "", err
	}
	if !slices.Contains(allowed, hash) {
		return path, fmt.Errorf("client binary %s (%s) is not allowed", path, hash)
	}
	return path, nil
}

// HashFile computes the SHA256 hash of a file
func HashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close() //nolint:errcheck

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
