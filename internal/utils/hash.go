package utils

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

const HashFieldName = "sha256"

// CanonicalJSON serializes a record body deterministically. encoding/json
// emits map keys in sorted order at every nesting level, which makes the
// plain marshal canonical for map-shaped bodies.
func CanonicalJSON(body map[string]any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize record body: %w", err)
	}
	return data, nil
}

// HashRecordBody computes the content hash of a record body: the SHA-256 of
// its canonical JSON, excluding any existing hash field. The input map is not
// modified.
func HashRecordBody(body map[string]any) (string, error) {
	if _, ok := body[HashFieldName]; ok {
		stripped := make(map[string]any, len(body)-1)
		for key, value := range body {
			if key != HashFieldName {
				stripped[key] = value
			}
		}
		body = stripped
	}

	data, err := CanonicalJSON(body)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum), nil
}

// StampRecordHash computes the content hash and writes it into the body under
// the sha256 key.
func StampRecordHash(body map[string]any) (string, error) {
	hash, err := HashRecordBody(body)
	if err != nil {
		return "", err
	}
	body[HashFieldName] = hash
	return hash, nil
}

// ValidateHash checks if a hash string is a 64 character lowercase hex string.
func ValidateHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}

	for _, char := range hash {
		if !((char >= '0' && char <= '9') || (char >= 'a' && char <= 'f')) {
			return false
		}
	}

	return true
}
