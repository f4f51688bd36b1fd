// Package engine drives partner transfers: Inbound pulls new files from
// every enabled partner, Outbound routes staged files to their partner.
// Both run strictly sequentially and isolate failures per file and per
// partner.
package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

// ProcessedPrefix is prepended to a remote file name once it has been
// retrieved. Names carrying it are never selected again.
const ProcessedPrefix = "X"

// FileState is the last state a file reached during a run.
type FileState string

// Outbound states, in order. A file that fails a transition keeps the
// state it last reached.
const (
	StateStaged     FileState = "staged"
	StateIdentified FileState = "identified"
	StateRouted     FileState = "routed"
	StateDelivered  FileState = "delivered"
	StateArchived   FileState = "archived"
)

// Inbound states.
const (
	StateListed     FileState = "listed"
	StateDownloaded FileState = "downloaded"
	StateMarked     FileState = "marked"
)

// fileSHA256 hashes a local file.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hashing file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
