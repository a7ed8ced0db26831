package tabresolver

import "testing"

func TestScore(t *testing.T) {
	target, err := normalize("https://example.com/app/dashboard")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}

	tests := []struct {
		name      string
		candidate string
		want      int
	}{
		{"exact", "https://example.com/app/dashboard", 100},
		{"exact case insensitive host", "HTTPS://Example.com/app/dashboard", 100},
		{"same host and path with trailing slash", "https://example.com/app/dashboard/", 90},
		{"path prefix", "https://example.com/app/dashboard/settings", 70},
		{"same host only", "https://example.com/other/page", 50},
		{"substring", "https://other.org/redirect?to=https://example.com/app/dashboard", 30},
		{"unrelated", "https://other.org/page", 0},
		{"unparseable", "http://[::1", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := score(tt.candidate, target)
			if got != tt.want {
				t.Fatalf("score(%q) = %d, want %d", tt.candidate, got, tt.want)
			}
		})
	}
}
