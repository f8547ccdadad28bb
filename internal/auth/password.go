package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/term"
)

var (
	ErrMalformedHash    = errors.New("auth: malformed password hash")
	ErrEmptyPassword    = errors.New("password cannot be empty")
	ErrPasswordMismatch = errors.New("passwords do not match")
)

const saltLength = 16

// argonParams are the cost settings stored in a PHC-formatted hash.
type argonParams struct {
	memory  uint32 // KiB
	time    uint32
	threads uint8
	keyLen  uint32
}

var hashParams = argonParams{memory: 64 * 1024, time: 3, threads: 4, keyLen: 32}

// validate rejects costs argon2.IDKey cannot run with and memory costs too
// large to allocate.
func (p argonParams) validate() error {
	switch {
	case p.time == 0:
		return fmt.Errorf("%w: t must be positive", ErrMalformedHash)
	case p.threads == 0:
		return fmt.Errorf("%w: p must be positive", ErrMalformedHash)
	case p.memory < 8*uint32(p.threads):
		return fmt.Errorf("%w: m must be at least 8*p KiB", ErrMalformedHash)
	case p.memory > 4*1024*1024:
		return fmt.Errorf("%w: m above 4 GiB", ErrMalformedHash)
	case p.keyLen < 16:
		return fmt.Errorf("%w: key shorter than 16 bytes", ErrMalformedHash)
	}
	return nil
}

func (p argonParams) key(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, p.time, p.memory, p.threads, p.keyLen)
}

func (p argonParams) encode(salt, key []byte) string {
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.memory, p.time, p.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key))
}

// HashPassword returns password as an argon2id PHC string,
// $argon2id$v=19$m=65536,t=3,p=4$<salt>$<key>, for the auth.users config.
func HashPassword(password string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	return hashParams.encode(salt, hashParams.key(password, salt)), nil
}

// VerifyPassword reports whether password matches encoded. A hash that does
// not parse yields an error wrapping ErrMalformedHash.
func VerifyPassword(password, encoded string) (bool, error) {
	p, salt, want, err := parseHash(encoded)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(want, p.key(password, salt)) == 1, nil
}

func parseHash(encoded string) (argonParams, []byte, []byte, error) {
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[0] != "" {
		return argonParams{}, nil, nil, fmt.Errorf("%w: want 5 $-separated fields", ErrMalformedHash)
	}
	if fields[1] != "argon2id" {
		return argonParams{}, nil, nil, fmt.Errorf("%w: algorithm %q", ErrMalformedHash, fields[1])
	}
	if fields[2] != "v="+strconv.Itoa(argon2.Version) {
		return argonParams{}, nil, nil, fmt.Errorf("%w: version %q", ErrMalformedHash, fields[2])
	}
	p, err := parseCosts(fields[3])
	if err != nil {
		return argonParams{}, nil, nil, err
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil || len(salt) == 0 {
		return argonParams{}, nil, nil, fmt.Errorf("%w: salt encoding", ErrMalformedHash)
	}
	key, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil {
		return argonParams{}, nil, nil, fmt.Errorf("%w: key encoding", ErrMalformedHash)
	}
	p.keyLen = uint32(len(key))
	if err := p.validate(); err != nil {
		return argonParams{}, nil, nil, err
	}
	return p, salt, key, nil
}

// parseCosts reads "m=<KiB>,t=<passes>,p=<lanes>".
func parseCosts(s string) (argonParams, error) {
	var p argonParams
	seen := 0
	for _, kv := range strings.Split(s, ",") {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			return argonParams{}, fmt.Errorf("%w: cost %q", ErrMalformedHash, kv)
		}
		bits := 32
		if name == "p" {
			bits = 8
		}
		n, err := strconv.ParseUint(val, 10, bits)
		if err != nil {
			return argonParams{}, fmt.Errorf("%w: cost %q", ErrMalformedHash, kv)
		}
		switch name {
		case "m":
			p.memory = uint32(n)
		case "t":
			p.time = uint32(n)
		case "p":
			p.threads = uint8(n)
		default:
			return argonParams{}, fmt.Errorf("%w: cost %q", ErrMalformedHash, kv)
		}
		seen++
	}
	if seen != 3 {
		return argonParams{}, fmt.Errorf("%w: want m, t and p costs", ErrMalformedHash)
	}
	return p, nil
}

// PromptPassword reads a line from the terminal with echo off. The prompt
// goes to stderr so stdout carries only command output.
func PromptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return string(pw), nil
}

// PromptAndConfirmPassword asks twice and returns the password once both
// entries agree.
func PromptAndConfirmPassword() (string, error) {
	pw, err := PromptPassword("Password: ")
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", ErrEmptyPassword
	}
	confirm, err := PromptPassword("Confirm password: ")
	if err != nil {
		return "", err
	}
	if subtle.ConstantTimeCompare([]byte(pw), []byte(confirm)) != 1 {
		return "", ErrPasswordMismatch
	}
	return pw, nil
}
