package gateway

import (
	"bytes"
	"testing"
)

func TestTextFileParser(t *testing.T) {
	p := &TextFileParser{}

	tests := []struct {
		name     string
		filename string
		data     []byte
		want     string
		wantErr  bool
	}{
		{"markdown", "notes.MD", []byte("# Title\n\nbody\n"), "# Title\n\nbody", false},
		{"plain text", "a.txt", []byte("  hello  "), "hello", false},
		{"unknown extension", "binary.exe", []byte("hello"), "", true},
		{"no extension", "README", []byte("hello"), "", true},
		{"invalid utf8", "a.txt", []byte{0xff, 0xfe, 0x01}, "", true},
		{"empty after trim", "a.txt", []byte("   \n\t"), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.Parse(tt.data, tt.filename)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded with %q", tt.filename, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q): %v", tt.filename, err)
			}
			if got != tt.want {
				t.Fatalf("Parse = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTextFileParserSizeCap(t *testing.T) {
	p := &TextFileParser{MaxBytes: 8}
	if _, err := p.Parse(bytes.Repeat([]byte("a"), 9), "a.txt"); err == nil {
		t.Fatal("oversize upload accepted")
	}
	if _, err := p.Parse([]byte("12345678"), "a.txt"); err != nil {
		t.Fatalf("upload at the cap rejected: %v", err)
	}
}
