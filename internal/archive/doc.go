// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

// Package archive implements a content-addressed, compressed
// materialization format: a directory tree is walked into an ordered
// CBOR manifest of file/symlink/directory entries, the manifest is
// compressed with a selectable algorithm, and the result is hashed
// with a domain-separated BLAKE3 keyed hash.
//
// This is the payload format the "inline" transport adapter
// (transport/inline) uses for its Transport Handle: the "inline
// base64 archive + checksum" example handle described in the
// protocol's data model. The manifest's CBOR encoding uses Core
// Deterministic Encoding (internal/codec), so two materializations of
// byte-identical directory content always produce byte-identical
// archive bytes — required for the snapshot-apply idempotence law.
package archive
