// Package edi extracts routing data from X12 interchange envelopes. It only
// looks at the ISA header line and never interprets the document body.
package edi

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const (
	// EnvelopePrefix opens every X12 interchange.
	EnvelopePrefix = "ISA*"

	// ElementSeparator delimits ISA elements.
	ElementSeparator = "*"

	// ReceiverIDIndex is ISA08, the interchange receiver ID.
	ReceiverIDIndex = 8

	// MaxHeaderBytes bounds how much of a file is read to find the first line.
	MaxHeaderBytes = 4096
)

// ErrFormat is returned when a file does not carry a usable ISA header.
var ErrFormat = errors.New("envelope format error")

// RoutingID reads the first line of the file at path and returns ISA08.
func RoutingID(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	line, err := FirstLine(f)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return ParseHeader(line)
}

// FirstLine returns the first line of r without its terminator, reading at
// most MaxHeaderBytes. A file without a newline yields its (bounded) content.
func FirstLine(r io.Reader) (string, error) {
	br := bufio.NewReaderSize(io.LimitReader(r, MaxHeaderBytes), MaxHeaderBytes)
	line, err := br.ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// ParseHeader extracts ISA08 from an ISA header line.
func ParseHeader(line string) (string, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, EnvelopePrefix) {
		return "", fmt.Errorf("%w: not a recognized envelope", ErrFormat)
	}

	fields := strings.Split(line, ElementSeparator)
	if len(fields) <= ReceiverIDIndex {
		return "", fmt.Errorf("%w: incomplete envelope header (%d elements)", ErrFormat, len(fields))
	}

	id := strings.TrimSpace(fields[ReceiverIDIndex])
	if id == "" {
		return "", fmt.Errorf("%w: empty interchange receiver ID", ErrFormat)
	}
	return id, nil
}
