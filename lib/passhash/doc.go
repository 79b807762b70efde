// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package passhash hashes and verifies account credentials with
// argon2id.
//
// Hashes are encoded in the PHC-style string format
//
//	$argon2id$v=19$m=<KiB>,t=<passes>,p=<threads>$<salt>$<key>
//
// with unpadded standard base64 for salt and key, so the parameters
// travel with the hash and can be raised without invalidating stored
// credentials.
//
// Verify accepts values that are not argon2id hashes and compares them
// to the candidate as plaintext in constant time. This exists for
// databases written before hashing was introduced; callers are
// expected to re-hash such credentials after a successful login (see
// [NeedsRehash]).
package passhash
