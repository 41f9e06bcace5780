// Package parser turns text-bearing documents into plain page text.
package parser

import (
	"fmt"
	"io"
	"mime"
	"strings"
)

// Parser converts raw document bytes into plain text.
type Parser interface {
	Parse(r io.Reader) (string, error)
}

// DOCXType is the MIME type of Word documents.
const DOCXType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// SupportedTypes lists the text document MIME types this package can parse.
var SupportedTypes = map[string]bool{
	"text/plain":      true,
	"text/markdown":   true,
	"text/x-markdown": true,
	"text/csv":        true,
	"text/html":       true,
	DOCXType:          true,
}

// ForMIME returns the parser for a MIME type. Parameters such as charset are
// ignored.
func ForMIME(mimeType string) (Parser, error) {
	switch BaseType(mimeType) {
	case "text/plain":
		return &TextParser{}, nil
	case "text/markdown", "text/x-markdown":
		return &MarkdownParser{}, nil
	case "text/csv":
		return &CSVParser{}, nil
	case "text/html":
		return &HTMLParser{}, nil
	case DOCXType:
		return &DOCXParser{}, nil
	default:
		return nil, fmt.Errorf("unsupported text type: %s", mimeType)
	}
}

// IsSupported reports whether ForMIME has a parser for mimeType.
func IsSupported(mimeType string) bool {
	return SupportedTypes[BaseType(mimeType)]
}

// BaseType lowercases a MIME type and strips its parameters.
func BaseType(mimeType string) string {
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	return strings.ToLower(strings.TrimSpace(mimeType))
}

// joinBlocks joins non-empty trimmed blocks with blank lines.
func joinBlocks(blocks []string) string {
	var sb strings.Builder
	for _, b := range blocks {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(b)
	}
	return sb.String()
}
