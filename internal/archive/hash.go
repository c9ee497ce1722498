// Copyright 2026 The AWCP Authors
// SPDX-License-Identifier: Apache-2.0

package archive

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Hash is a 32-byte BLAKE3 digest.
type Hash [32]byte

// String returns the lowercase hex encoding of the hash.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ParseHash decodes the hex encoding produced by Hash.String. Used to
// read a checksum back out of a wire-format transport handle.
func ParseHash(s string) (Hash, error) {
	var h Hash
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("archive: parsing hash: %w", err)
	}
	if len(decoded) != len(h) {
		return h, fmt.Errorf("archive: hash must be %d bytes, got %d", len(h), len(decoded))
	}
	copy(h[:], decoded)
	return h, nil
}

// domainKey is a 32-byte key for BLAKE3 keyed hashing. Domain
// separation ensures the same input bytes produce different hashes
// in different contexts.
type domainKey [32]byte

// payloadDomainKey separates archive-payload hashes (the compressed,
// on-the-wire bytes a transport handle checksums) from any other use
// of BLAKE3 elsewhere in the process.
var payloadDomainKey = domainKey{
	'a', 'w', 'c', 'p', '.', 'a', 'r', 'c', 'h', 'i', 'v', 'e', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd', 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// HashPayload computes the payload-domain BLAKE3 keyed hash of
// compressed archive bytes. This is the checksum embedded in an
// inline transport handle and re-verified by the Executor before
// extracting the manifest.
func HashPayload(data []byte) Hash {
	hasher, err := blake3.NewKeyed(payloadDomainKey[:])
	if err != nil {
		panic("archive: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var out Hash
	copy(out[:], hasher.Sum(nil))
	return out
}
