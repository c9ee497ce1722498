// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/EricSanchezok/awcp/internal/codec"
)

// EntryKind distinguishes the filesystem object types a manifest can
// carry.
type EntryKind uint8

const (
	KindFile EntryKind = iota
	KindDirectory
	KindSymlink
)

// Entry describes one filesystem object relative to the root of a
// materialized tree.
type Entry struct {
	// Path is slash-separated and relative to the tree root.
	Path string    `cbor:"path"`
	Kind EntryKind `cbor:"kind"`
	Mode uint32    `cbor:"mode"`

	// Content holds the file's bytes. Empty for directories and
	// symlinks.
	Content []byte `cbor:"content,omitempty"`

	// SymlinkTarget holds the link target. Empty unless Kind is
	// KindSymlink.
	SymlinkTarget string `cbor:"symlink_target,omitempty"`
}

// Manifest is an ordered, CBOR-encodable snapshot of a directory
// tree. Entries are sorted by Path so that two walks of
// byte-identical trees always produce byte-identical manifests.
type Manifest struct {
	Entries []Entry `cbor:"entries"`
}

// Filter reports whether the file or directory at relPath (slash
// separated, relative to the walked root) should be included in the
// manifest. Called for every entry, files and directories alike; a
// directory that returns false is skipped along with its contents.
type Filter func(relPath string) bool

// Build walks root and produces a Manifest of everything filter
// admits. A nil filter admits everything.
func Build(root string, filter Filter) (*Manifest, error) {
	if filter == nil {
		filter = func(string) bool { return true }
	}

	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		relPath, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		relPath = filepath.ToSlash(relPath)

		if !filter(relPath) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("reading symlink %s: %w", path, err)
			}
			entries = append(entries, Entry{
				Path:          relPath,
				Kind:          KindSymlink,
				Mode:          uint32(info.Mode().Perm()),
				SymlinkTarget: target,
			})
		case d.IsDir():
			entries = append(entries, Entry{
				Path: relPath,
				Kind: KindDirectory,
				Mode: uint32(info.Mode().Perm()),
			})
		default:
			content, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("reading %s: %w", path, err)
			}
			entries = append(entries, Entry{
				Path:    relPath,
				Kind:    KindFile,
				Mode:    uint32(info.Mode().Perm()),
				Content: content,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return &Manifest{Entries: entries}, nil
}

// Extract materializes the manifest under root, creating directories
// as needed. Extract overwrites existing files at the same path but
// never removes files that are not named in the manifest — callers
// that need a clean tree should extract into an empty directory.
func Extract(manifest *Manifest, root string) error {
	// Directories first, so files and symlinks that live inside them
	// never race a missing parent.
	for _, entry := range manifest.Entries {
		if entry.Kind != KindDirectory {
			continue
		}
		target := filepath.Join(root, filepath.FromSlash(entry.Path))
		if err := os.MkdirAll(target, fs.FileMode(entry.Mode)|0o700); err != nil {
			return fmt.Errorf("creating directory %s: %w", entry.Path, err)
		}
	}

	for _, entry := range manifest.Entries {
		target := filepath.Join(root, filepath.FromSlash(entry.Path))
		switch entry.Kind {
		case KindDirectory:
			continue
		case KindSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("creating parent of symlink %s: %w", entry.Path, err)
			}
			os.Remove(target)
			if err := os.Symlink(entry.SymlinkTarget, target); err != nil {
				return fmt.Errorf("creating symlink %s: %w", entry.Path, err)
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("creating parent of %s: %w", entry.Path, err)
			}
			mode := fs.FileMode(entry.Mode)
			if mode == 0 {
				mode = 0o644
			}
			if err := os.WriteFile(target, entry.Content, mode); err != nil {
				return fmt.Errorf("writing %s: %w", entry.Path, err)
			}
		}
	}
	return nil
}

// Payload is the compressed, checksummed wire form of a Manifest —
// the content carried inline in an "inline archive" Transport Handle.
type Payload struct {
	Compression      CompressionTag `cbor:"compression"`
	UncompressedSize int            `cbor:"uncompressed_size"`
	Hash             Hash           `cbor:"hash"`
	Compressed       []byte         `cbor:"compressed"`
}

// Encode CBOR-encodes the manifest using Core Deterministic Encoding,
// compresses the result with tag, and hashes the compressed bytes.
func Encode(manifest *Manifest, tag CompressionTag) (*Payload, error) {
	raw, err := codec.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("encoding manifest: %w", err)
	}
	compressed, actualTag, err := Compress(raw, tag)
	if err != nil {
		return nil, fmt.Errorf("compressing manifest: %w", err)
	}
	return &Payload{
		Compression:      actualTag,
		UncompressedSize: len(raw),
		Hash:             HashPayload(compressed),
		Compressed:       compressed,
	}, nil
}

// Decode verifies the payload's checksum, decompresses it, and
// decodes the CBOR manifest.
func Decode(payload *Payload) (*Manifest, error) {
	if got := HashPayload(payload.Compressed); got != payload.Hash {
		return nil, fmt.Errorf("archive: payload checksum mismatch: got %s, want %s", got, payload.Hash)
	}
	raw, err := Decompress(payload.Compressed, payload.Compression, payload.UncompressedSize)
	if err != nil {
		return nil, fmt.Errorf("decompressing manifest: %w", err)
	}
	var manifest Manifest
	if err := codec.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("decoding manifest: %w", err)
	}
	return &manifest, nil
}
