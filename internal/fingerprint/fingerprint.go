// Package fingerprint computes the MD5 digests recorded in info files.
//
// Digests are 32 hex characters. A handful of sentinel strings stand in for
// states that have no content hash; two of them (Directory, Ignore) form the
// nonsum set, for which equality does not imply equal content and the engine
// falls back to timestamp comparison.
package fingerprint

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"

	"golang.org/x/xerrors"
)

const (
	Missing   = "missing"
	Directory = "directory"
	Empty     = "empty"
	Ignore    = "ignore"
)

// String fingerprints the UTF-8 bytes of s.
func String(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// Stanza fingerprints a recipe body. A nil body means no recipe matched.
func Stanza(body *string) string {
	if body == nil {
		return Missing
	}
	if *body == "" {
		return Empty
	}
	return String(*body)
}

// File fingerprints the contents of the file at path, reading in 4096-byte
// chunks. Nonexistent paths, directories and zero-byte files map to their
// sentinels.
func File(path string) (string, error) {
	fi, err := os.Stat(path)
	if os.IsNotExist(err) {
		return Missing, nil
	}
	if err != nil {
		return "", xerrors.Errorf("fingerprint %s: %w", path, err)
	}
	if fi.IsDir() {
		return Directory, nil
	}
	if fi.Size() == 0 {
		return Empty, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", xerrors.Errorf("fingerprint %s: %w", path, err)
	}
	defer f.Close()

	d := md5.New()
	buf := make([]byte, 4096)
	if _, err := io.CopyBuffer(d, f, buf); err != nil {
		return "", xerrors.Errorf("fingerprint %s: %w", path, err)
	}
	return hex.EncodeToString(d.Sum(nil)), nil
}

// Nonsum reports whether sum is a sentinel that carries no content
// information.
func Nonsum(sum string) bool {
	return sum == Directory || sum == Ignore
}
