// SPDX-FileCopyrightText: Copyright 2025 Carabiner Systems, Inc
// SPDX-License-Identifier: Apache-2.0

package common

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestHashFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob")
	if err := os.WriteFile(path, []byte("abc"), 0o600); err != nil {
		t.Fatal(err)
	}

	hash, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile failed: %v", err)
	}
	// sha256("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if hash != want {
		t.Errorf("Expected %s, got %s", want, hash)
	}
}

func TestVerifyClientBinary(t *testing.T) {
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("process binaries cannot be resolved on this platform")
	}

	pid := int32(os.Getpid()) //nolint:gosec
	_, hash, err := GetClientBinaryInfo(pid)
	if err != nil {
		t.Fatalf("GetClientBinaryInfo failed: %v", err)
	}

	if _, err := VerifyClientBinary(pid, []string{hash}); err != nil {
		t.Errorf("Expected own binary to verify: %v", err)
	}
	if _, err := VerifyClientBinary(pid, []string{"deadbeef"}); err == nil {
		t.Errorf("Expected verification failure for unlisted binary")
	}
	if _, _, err := GetClientBinaryInfo(0); err == nil {
		t.Errorf("Expected error for unknown pid")
	}
}
