// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization for signing and hashing warrant artifacts.
package canonicalize

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
	"golang.org/x/text/unicode/norm"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags are honored. Every
// string (keys included) is then normalized to Unicode NFC, and the result
// is handed to the RFC 8785 transform, which fixes key order, number
// formatting and string escaping.
func JCS(v any) ([]byte, error) {
	return transform(v, true)
}

// Exact is JCS without NFC normalization: canonically equivalent strings
// with different code points produce different output. Signature
// payloads use it so every byte of a signed field is covered.
func Exact(v any) ([]byte, error) {
	return transform(v, false)
}

func transform(v any, nfc bool) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	if nfc {
		var generic any
		decoder := json.NewDecoder(bytes.NewReader(intermediate))
		decoder.UseNumber()
		if err := decoder.Decode(&generic); err != nil {
			return nil, fmt.Errorf("jcs: intermediate decode failed: %w", err)
		}
		if intermediate, err = json.Marshal(normalize(generic)); err != nil {
			return nil, fmt.Errorf("jcs: normalize failed: %w", err)
		}
	}

	out, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Equal reports whether a and b have the same canonical form.
// 5 and 5.0 are equal, as are maps that differ only in key order.
func Equal(a, b any) bool {
	ca, errA := JCS(a)
	cb, errB := JCS(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ca, cb)
}

func normalize(v any) any {
	switch t := v.(type) {
	case string:
		return norm.NFC.String(t)
	case []any:
		out := make([]any, len(t))
		for i, elem := range t {
			out[i] = normalize(elem)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, elem := range t {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	default:
		return v
	}
}
