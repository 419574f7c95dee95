package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gowebpki/jcs"
)

// maxSafeInteger is the largest integer a float64 holds exactly (2^53).
const maxSafeInteger = 1 << 53

// ErrUnsafeInteger is returned for bodies carrying an integer outside
// +/-2^53. Canonical JSON renders numbers as float64, so two such integers
// could collapse to one hash and replay each other's response.
var ErrUnsafeInteger = errors.New("integer outside the exactly representable range")

type hashedRequest struct {
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body"`
}

// HashRequest returns the hex SHA-256 digest of the RFC 8785 canonical form of
// (method, path, body). Object keys are sorted at every depth, so bodies that
// differ only in key order hash identically. An empty body hashes as null.
// Numbers are compared by their float64 value, so 1 and 1.0 hash the same;
// integers beyond +/-2^53 are rejected with ErrUnsafeInteger.
func HashRequest(method, path string, body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		trimmed = []byte("null")
	}
	if !json.Valid(trimmed) {
		return "", fmt.Errorf("hashing request: body is not valid JSON")
	}
	if err := checkIntegers(trimmed); err != nil {
		return "", fmt.Errorf("hashing request: %w", err)
	}

	raw, err := json.Marshal(hashedRequest{Method: method, Path: path, Body: trimmed})
	if err != nil {
		return "", fmt.Errorf("hashing request: %w", err)
	}

	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalizing request: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func checkIntegers(body []byte) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		num, ok := tok.(json.Number)
		if !ok || strings.ContainsAny(num.String(), ".eE") {
			continue
		}
		n, err := strconv.ParseInt(num.String(), 10, 64)
		if err != nil || n > maxSafeInteger || n < -maxSafeInteger {
			return fmt.Errorf("%w: %s", ErrUnsafeInteger, num)
		}
	}
}
