// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package blobstore

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

// Digest is a 32-byte BLAKE3 keyed hash of blob content.
type Digest [32]byte

// digestKey separates blob digests from any other BLAKE3 use. The
// bytes are the ASCII domain name zero-padded to 32 bytes.
var digestKey = [32]byte{
	'p', 'a', 'n', 't', 'r', 'y', '.', 'b', 'l', 'o', 'b', 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// DigestOf computes the digest of data.
func DigestOf(data []byte) Digest {
	hasher, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("blobstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(data)
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the lowercase hex encoding.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ParseDigest decodes a hex digest produced by String.
func ParseDigest(text string) (Digest, error) {
	var digest Digest
	raw, err := hex.DecodeString(text)
	if err != nil {
		return Digest{}, fmt.Errorf("blobstore: parsing digest: %w", err)
	}
	if len(raw) != len(digest) {
		return Digest{}, fmt.Errorf("blobstore: digest has %d bytes, want %d", len(raw), len(digest))
	}
	copy(digest[:], raw)
	return digest, nil
}

// Verify reports whether data matches the hex digest recorded for it.
// An empty recorded digest matches anything; rows written before
// digests existed carry none.
func Verify(data []byte, recorded string) (bool, error) {
	if recorded == "" {
		return true, nil
	}
	want, err := ParseDigest(recorded)
	if err != nil {
		return false, err
	}
	return DigestOf(data) == want, nil
}
