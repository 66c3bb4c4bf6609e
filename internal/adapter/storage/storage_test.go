package storage

import "testing"

func TestSafeName(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{"dir\\evil.txt", "evil.txt"},
		{"with\x00nul\n.txt", "withnul.txt"},
		{"trailing/", "trailing"},
		{"  ", "file"},
		{"..", "file"},
		{"", "file"},
		{"my file (1).txt", "my file (1).txt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeName(tt.name); got != tt.want {
				t.Errorf("SafeName(%q) = %q, want %q", tt.name, got, tt.want)
			}
		})
	}
}
