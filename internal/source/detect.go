package source

import (
	"net/http"
	"path/filepath"
	"strings"

	"github.com/dgallion1/dococr/internal/parser"
)

var byExtension = map[string]string{
	".png":      "image/png",
	".jpg":      "image/jpeg",
	".jpeg":     "image/jpeg",
	".gif":      "image/gif",
	".bmp":      "image/bmp",
	".tif":      "image/tiff",
	".tiff":     "image/tiff",
	".webp":     "image/webp",
	".pdf":      "application/pdf",
	".txt":      "text/plain",
	".md":       "text/markdown",
	".markdown": "text/markdown",
	".csv":      "text/csv",
	".html":     "text/html",
	".htm":      "text/html",
	".docx":     parser.DOCXType,
}

// DetectMIME picks the MIME type for an upload. A specific declared type
// wins; a missing or generic one falls back to the file extension and then
// to content sniffing.
func DetectMIME(filename, declared string, data []byte) string {
	mt := parser.BaseType(declared)
	if mt != "" && mt != "application/octet-stream" {
		return mt
	}
	if byExt, ok := byExtension[strings.ToLower(filepath.Ext(filename))]; ok {
		return byExt
	}
	return parser.BaseType(http.DetectContentType(data))
}
