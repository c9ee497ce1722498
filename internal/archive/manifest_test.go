// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTree(t *testing.T, root string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Join(root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "greeting.txt"), []byte("hi\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested\n"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestBuildExtract_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	manifest, err := Build(src, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	if len(manifest.Entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(manifest.Entries))
	}

	dst := t.TempDir()
	if err := Extract(manifest, dst); err != nil {
		t.Fatalf("Extract() error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dst, "sub", "nested.txt"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(got) != "nested\n" {
		t.Errorf("nested.txt = %q, want %q", got, "nested\n")
	}
}

func TestBuild_Deterministic(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	first, err := Build(src, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	second, err := Build(src, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	firstPayload, err := Encode(first, CompressionZstd)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	secondPayload, err := Encode(second, CompressionZstd)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	if firstPayload.Hash != secondPayload.Hash {
		t.Error("two Build+Encode passes over identical content produced different hashes")
	}
}

func TestBuild_FilterExcludesSubtree(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	manifest, err := Build(src, func(relPath string) bool {
		return relPath != "sub"
	})
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	for _, entry := range manifest.Entries {
		if entry.Path == "sub" || entry.Path == "sub/nested.txt" {
			t.Errorf("filtered-out path %q present in manifest", entry.Path)
		}
	}
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	manifest, err := Build(src, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}

	for _, tag := range []CompressionTag{CompressionNone, CompressionLZ4, CompressionZstd} {
		payload, err := Encode(manifest, tag)
		if err != nil {
			t.Fatalf("Encode(%s) error: %v", tag, err)
		}
		decoded, err := Decode(payload)
		if err != nil {
			t.Fatalf("Decode(%s) error: %v", tag, err)
		}
		if len(decoded.Entries) != len(manifest.Entries) {
			t.Fatalf("Decode(%s) entries = %d, want %d", tag, len(decoded.Entries), len(manifest.Entries))
		}
	}
}

func TestDecode_ChecksumMismatch(t *testing.T) {
	src := t.TempDir()
	writeTree(t, src)

	manifest, err := Build(src, nil)
	if err != nil {
		t.Fatalf("Build() error: %v", err)
	}
	payload, err := Encode(manifest, CompressionZstd)
	if err != nil {
		t.Fatalf("Encode() error: %v", err)
	}
	payload.Compressed[0] ^= 0xFF

	if _, err := Decode(payload); err == nil {
		t.Error("Decode() with corrupted payload should return error")
	}
}
