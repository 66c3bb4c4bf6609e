package domain

import (
	"mime"
	"net/http"
	"net/url"
	"path"
	"regexp"
)

// DefaultContentType is used when the response carries no content type.
const DefaultContentType = "application/octet-stream"

// looseFilename recovers a filename from dispositions mime cannot parse.
var looseFilename = regexp.MustCompile(`(?i)filename="?([^";]+)"?`)

// Infer derives the upload name and content type for a fetched response.
// It looks at the Content-Disposition filename, then the last path segment
// of sourceURL, then falls back to file_<fallbackID>.
func Infer(header http.Header, sourceURL, fallbackID string) Metadata {
	meta := Metadata{
		FileName:    "file_" + fallbackID,
		ContentType: header.Get("Content-Type"),
	}
	if meta.ContentType == "" {
		meta.ContentType = DefaultContentType
	}

	if name := dispositionFilename(header.Get("Content-Disposition")); name != "" {
		meta.FileName = unescape(name)
	} else if seg := lastSegment(sourceURL); seg != "" {
		meta.FileName = unescape(seg)
	}
	return meta
}

func dispositionFilename(cd string) string {
	if cd == "" {
		return ""
	}
	if _, params, err := mime.ParseMediaType(cd); err == nil {
		return params["filename"]
	}
	if m := looseFilename.FindStringSubmatch(cd); m != nil {
		return m[1]
	}
	return ""
}

func lastSegment(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	switch seg := path.Base(u.EscapedPath()); seg {
	case ".", "/":
		return ""
	default:
		return seg
	}
}

// unescape percent-decodes s, keeping it as-is when it is not valid encoding.
func unescape(s string) string {
	if out, err := url.PathUnescape(s); err == nil {
		return out
	}
	return s
}
