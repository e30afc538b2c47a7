package mountkit

import (
	"mime"
	"net/http"
	"path"
	"strings"
)

// Media types used across providers.
const (
	MIMETypeOctetStream = "application/octet-stream"
	MIMETypeTextPlain   = "text/plain; charset=utf-8"
	MIMETypeISO9660     = "application/x-iso9660-image"
)

// extensionToMIME covers extensions whose system mapping is missing or
// inconsistent between hosts. It is consulted before the mime package.
var extensionToMIME = map[string]string{
	".txt":    MIMETypeTextPlain,
	".log":    MIMETypeTextPlain,
	".md":     "text/markdown; charset=utf-8",
	".csv":    "text/csv; charset=utf-8",
	".yaml":   "application/yaml",
	".yml":    "application/yaml",
	".toml":   "application/toml",
	".json":   "application/json",
	".go":     "text/x-go; charset=utf-8",
	".mod":    MIMETypeTextPlain,
	".sum":    MIMETypeTextPlain,
	".sh":     "text/x-shellscript; charset=utf-8",
	".iso":    MIMETypeISO9660,
	".img":    MIMETypeOctetStream,
	".qcow2":  MIMETypeOctetStream,
	".gz":     "application/gzip",
	".tgz":    "application/gzip",
	".xz":     "application/x-xz",
	".zst":    "application/zstd",
	".bz2":    "application/x-bzip2",
	".tar":    "application/x-tar",
	".zip":    "application/zip",
	".deb":    "application/vnd.debian.binary-package",
	".rpm":    "application/x-rpm",
	".sig":    "application/pgp-signature",
	".asc":    "application/pgp-signature",
	".sha256": MIMETypeTextPlain,
	".pdf":    "application/pdf",
	".woff2":  "font/woff2",
}

// GuessContentType returns the media type for a file name. The extension
// table wins, then the system mime table, then sniffing data when given.
func GuessContentType(name string, data []byte) string {
	ext := strings.ToLower(path.Ext(name))
	if ext != "" {
		if ct, ok := extensionToMIME[ext]; ok {
			return ct
		}
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	if len(data) > 0 {
		return http.DetectContentType(data)
	}
	return MIMETypeOctetStream
}
