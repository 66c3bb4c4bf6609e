package domain

import "testing"

func TestValidID(t *testing.T) {
	const id = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	tests := []struct {
		id   string
		want bool
	}{
		{id, true},
		{"3F2504E0-4F89-41D3-9A0C-0305E82C3301", true},
		{"", false},
		{"abc", false},
		{"{" + id + "}", false},
		{"urn:uuid:" + id, false},
		{"3f2504e04f8941d39a0c0305e82c3301", false},
		{"3f2504e0-4f89-41d3-9a0c-0305e82c330g", false},
	}
	for _, tt := range tests {
		if got := ValidID(tt.id); got != tt.want {
			t.Errorf("ValidID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
