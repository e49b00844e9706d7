package service

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Fingerprinter derives the duplicate-detection key of an upload. Two uploads
// with the same fingerprint are duplicates.
type Fingerprinter func(filename string, data []byte) string

// ContentFingerprint treats byte-identical uploads as duplicates.
func ContentFingerprint(_ string, data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// FilenameFingerprint treats uploads with the same base name as duplicates.
func FilenameFingerprint(filename string, _ []byte) string {
	return "name:" + strings.ToLower(filepath.Base(filename))
}

// UniqueFingerprint never reports a duplicate.
func UniqueFingerprint(_ string, _ []byte) string {
	return "upload:" + uuid.NewString()
}

// FingerprinterFor maps a DUPLICATE_POLICY value to its function.
func FingerprinterFor(policy string) (Fingerprinter, error) {
	switch policy {
	case "", "content":
		return ContentFingerprint, nil
	case "filename":
		return FilenameFingerprint, nil
	case "none":
		return UniqueFingerprint, nil
	}
	return nil, fmt.Errorf("unknown duplicate policy %q", policy)
}
