package glob

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, path string
		want          bool
	}{
		{"src/**", "src/auth/login.go", true},
		{"src/**", "src", true},
		{"src/**", "tests/auth/login_test.go", false},
		{"src/**/*.go", "src/main.go", true},
		{"src/**/*.go", "src/a/b/main.go", true},
		{"src/*.go", "src/a/main.go", false},
		{"src/", "src/a/main.go", true},
		{"README.md", "./README.md", true},
		{"src/[a-z]*.go", "src/Main.go", false},
	}
	for _, tt := range tests {
		got, err := Match(tt.pattern, tt.path)
		if err != nil {
			t.Errorf("Match(%q, %q) error: %v", tt.pattern, tt.path, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Match(%q, %q) = %v, want %v", tt.pattern, tt.path, got, tt.want)
		}
	}
}
