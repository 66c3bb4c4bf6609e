package domain

import (
	"net/http"
	"testing"
)

func header(kv ...string) http.Header {
	h := http.Header{}
	for i := 0; i+1 < len(kv); i += 2 {
		h.Set(kv[i], kv[i+1])
	}
	return h
}

func TestInfer(t *testing.T) {
	tests := []struct {
		name     string
		header   http.Header
		url      string
		wantName string
		wantType string
	}{
		{
			name:     "quoted disposition filename",
			header:   header("Content-Disposition", `attachment; filename="file.txt"`, "Content-Type", "text/plain"),
			url:      "http://example.com/file.txt",
			wantName: "file.txt",
			wantType: "text/plain",
		},
		{
			name:     "disposition wins over url",
			header:   header("Content-Disposition", `attachment; filename="report.csv"`),
			url:      "http://example.com/download?id=7",
			wantName: "report.csv",
			wantType: DefaultContentType,
		},
		{
			name:     "percent-encoded disposition filename",
			header:   header("Content-Disposition", `attachment; filename="my%20file.txt"`),
			url:      "http://example.com/x",
			wantName: "my file.txt",
			wantType: DefaultContentType,
		},
		{
			name:     "rfc 5987 filename",
			header:   header("Content-Disposition", `attachment; filename*=UTF-8''na%C3%AFve.txt`),
			url:      "http://example.com/x",
			wantName: "naïve.txt",
			wantType: DefaultContentType,
		},
		{
			name:     "malformed disposition still yields filename",
			header:   header("Content-Disposition", `attachment;; filename="broken.bin"`),
			url:      "http://example.com/x",
			wantName: "broken.bin",
			wantType: DefaultContentType,
		},
		{
			name:     "disposition without filename falls back to url",
			header:   header("Content-Disposition", "inline"),
			url:      "http://example.com/a/b/photo.jpg",
			wantName: "photo.jpg",
			wantType: DefaultContentType,
		},
		{
			name:     "url path ignores query",
			header:   header("Content-Type", "application/pdf"),
			url:      "http://example.com/path/to/document.pdf?query=param",
			wantName: "document.pdf",
			wantType: "application/pdf",
		},
		{
			name:     "percent-encoded path segment",
			header:   header(),
			url:      "http://example.com/files/annual%20report.pdf",
			wantName: "annual report.pdf",
			wantType: DefaultContentType,
		},
		{
			name:     "no path falls back to id",
			header:   header(),
			url:      "http://example.com",
			wantName: "file_abc",
			wantType: DefaultContentType,
		},
		{
			name:     "root path falls back to id",
			header:   header(),
			url:      "http://example.com/?q=1",
			wantName: "file_abc",
			wantType: DefaultContentType,
		},
		{
			name:     "content type kept verbatim",
			header:   header("Content-Type", "text/html; charset=utf-8"),
			url:      "http://example.com/index.html",
			wantName: "index.html",
			wantType: "text/html; charset=utf-8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Infer(tt.header, tt.url, "abc")
			if got.FileName != tt.wantName {
				t.Errorf("FileName = %q, want %q", got.FileName, tt.wantName)
			}
			if got.ContentType != tt.wantType {
				t.Errorf("ContentType = %q, want %q", got.ContentType, tt.wantType)
			}
		})
	}
}

func TestInfer_Deterministic(t *testing.T) {
	h := header("Content-Disposition", `attachment; filename="same.txt"`, "Content-Type", "text/plain")
	first := Infer(h, "http://example.com/other.txt", "id-1")
	for i := 0; i < 5; i++ {
		if got := Infer(h, "http://example.com/other.txt", "id-1"); got != first {
			t.Fatalf("Infer() = %+v, want %+v", got, first)
		}
	}
	if h.Get("Content-Disposition") != `attachment; filename="same.txt"` {
		t.Error("Infer() mutated the header")
	}
}
