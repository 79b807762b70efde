// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package passhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const prefix = "$argon2id$"

// ErrMalformedHash is returned when a value carries the argon2id
// prefix but cannot be parsed.
var ErrMalformedHash = errors.New("passhash: malformed argon2id hash")

// Params are the argon2id cost parameters.
type Params struct {
	// Time is the number of passes over memory.
	Time uint32 `yaml:"time"`

	// Memory is the memory cost in KiB.
	Memory uint32 `yaml:"memory"`

	// Threads is the degree of parallelism.
	Threads uint8 `yaml:"threads"`

	// KeyLength is the derived key size in bytes.
	KeyLength uint32 `yaml:"key_length"`

	// SaltLength is the random salt size in bytes.
	SaltLength uint32 `yaml:"salt_length"`
}

// DefaultParams returns the RFC 9106 second recommended option: 3
// passes, 64 MiB, 4 lanes.
func DefaultParams() Params {
	return Params{
		Time:       3,
		Memory:     64 * 1024,
		Threads:    4,
		KeyLength:  32,
		SaltLength: 16,
	}
}

// Validate reports parameter combinations argon2 cannot use.
func (p Params) Validate() error {
	var errs []error
	if p.Time == 0 {
		errs = append(errs, fmt.Errorf("time must be at least 1"))
	}
	if p.Threads == 0 {
		errs = append(errs, fmt.Errorf("threads must be at least 1"))
	}
	if p.Memory < 8*uint32(p.Threads) {
		errs = append(errs, fmt.Errorf("memory must be at least 8 KiB per thread"))
	}
	if p.KeyLength < 16 {
		errs = append(errs, fmt.Errorf("key_length must be at least 16"))
	}
	if p.SaltLength < 8 {
		errs = append(errs, fmt.Errorf("salt_length must be at least 8"))
	}
	return errors.Join(errs...)
}

// Hash derives an encoded argon2id hash of password with a fresh
// random salt.
func Hash(password string, params Params) (string, error) {
	salt := make([]byte, params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("passhash: generating salt: %w", err)
	}
	key := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLength)

	return fmt.Sprintf("%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		prefix, argon2.Version,
		params.Memory, params.Time, params.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify reports whether password matches stored. stored is either an
// encoded argon2id hash or a legacy plaintext credential.
func Verify(password, stored string) (bool, error) {
	if !IsHash(stored) {
		return subtle.ConstantTimeCompare([]byte(password), []byte(stored)) == 1, nil
	}

	params, salt, key, err := decode(stored)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(password), salt, params.Time, params.Memory, params.Threads, params.KeyLength)
	return subtle.ConstantTimeCompare(key, computed) == 1, nil
}

// IsHash reports whether stored looks like an argon2id encoded hash.
func IsHash(stored string) bool {
	return strings.HasPrefix(stored, prefix)
}

// NeedsRehash reports whether stored should be replaced by a fresh
// Hash with params: it is plaintext, malformed, or was produced with
// different cost parameters.
func NeedsRehash(stored string, params Params) bool {
	if !IsHash(stored) {
		return true
	}
	current, _, key, err := decode(stored)
	if err != nil {
		return true
	}
	return current.Time != params.Time ||
		current.Memory != params.Memory ||
		current.Threads != params.Threads ||
		uint32(len(key)) != params.KeyLength
}

func decode(stored string) (Params, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	fields := strings.Split(stored, "$")
	if len(fields) != 6 {
		return Params{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: version: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return Params{}, nil, nil, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	var params Params
	for _, setting := range strings.Split(fields[3], ",") {
		name, value, found := strings.Cut(setting, "=")
		if !found {
			return Params{}, nil, nil, fmt.Errorf("%w: parameter %q", ErrMalformedHash, setting)
		}
		parsed, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return Params{}, nil, nil, fmt.Errorf("%w: parameter %q: %v", ErrMalformedHash, setting, err)
		}
		switch name {
		case "m":
			params.Memory = uint32(parsed)
		case "t":
			params.Time = uint32(parsed)
		case "p":
			if parsed > 255 {
				return Params{}, nil, nil, fmt.Errorf("%w: parallelism %d", ErrMalformedHash, parsed)
			}
			params.Threads = uint8(parsed)
		default:
			return Params{}, nil, nil, fmt.Errorf("%w: unknown parameter %q", ErrMalformedHash, name)
		}
	}
	if params.Time == 0 || params.Threads == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: missing cost parameters", ErrMalformedHash)
	}

	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: salt: %v", ErrMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return Params{}, nil, nil, fmt.Errorf("%w: key: %v", ErrMalformedHash, err)
	}
	if len(key) == 0 {
		return Params{}, nil, nil, fmt.Errorf("%w: empty key", ErrMalformedHash)
	}
	params.KeyLength = uint32(len(key))
	params.SaltLength = uint32(len(salt))
	return params, salt, key, nil
}
