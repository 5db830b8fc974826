package gateway

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// FileParser turns uploaded bytes into embeddable text. Returning an error
// tells the client the file type is not supported.
type FileParser interface {
	Parse(data []byte, filename string) (string, error)
}

// TextFileParser accepts plain-text formats and rejects everything else.
type TextFileParser struct {
	// MaxBytes caps accepted uploads; zero means 1 MiB.
	MaxBytes int
}

var textExtensions = map[string]bool{
	".txt":  true,
	".md":   true,
	".csv":  true,
	".json": true,
	".log":  true,
}

func (p *TextFileParser) Parse(data []byte, filename string) (string, error) {
	maxBytes := p.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if len(data) > maxBytes {
		return "", fmt.Errorf("file %q too large: %d bytes", filename, len(data))
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !textExtensions[ext] {
		return "", fmt.Errorf("unsupported file type: %q", ext)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("file %q is not valid UTF-8", filename)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("file %q is empty", filename)
	}
	return text, nil
}
