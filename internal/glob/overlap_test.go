package glob

import "testing"

func TestPatternsOverlap(t *testing.T) {
	tests := []struct {
		a, b    string
		overlap bool
	}{
		{"*.go", "*.go", true},
		{"*.go", "*.rs", false},
		{"foo.go", "foo.go", true},
		{"foo.go", "bar.go", false},
		{"*.go", "main.go", true},
		{"internal/*.go", "internal/http.go", true},
		{"internal/*.go", "pkg/*.go", false},
		{"src/[a-z]*.go", "src/main.go", true},
		{"src/[A-Z]*.go", "src/main.go", false},
		{"src/**", "src/auth/**", true},
		{"src/auth/**", "src/**", true},
		{"src/**", "tests/auth/**", false},
		{"src/**", "src/auth/login.go", true},
		{"src/**/*.go", "src/main.go", true},
		{"src/**/*.go", "src/a/b/c.rs", false},
		{"**", "anything/at/all.txt", true},
		{"src/", "src/auth/login.go", true},
		{"./src/auth/", "src/auth/**", true},
		{"src/*", "src/auth/**", true},
		{"src/auth/*.go", "src/billing/**", false},
		{"docs/**", "docs", true},
	}
	for _, tt := range tests {
		got, err := PatternsOverlap(tt.a, tt.b)
		if err != nil {
			t.Errorf("PatternsOverlap(%q, %q) error: %v", tt.a, tt.b, err)
			continue
		}
		if got != tt.overlap {
			t.Errorf("PatternsOverlap(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.overlap)
		}
	}
}

func TestPatternsOverlapSymmetric(t *testing.T) {
	patterns := []string{"src/**", "src/auth/**", "src/*.go", "tests/**", "**/*.md", "README.md", "src/auth/login.go"}
	for _, a := range patterns {
		for _, b := range patterns {
			ab, err := PatternsOverlap(a, b)
			if err != nil {
				t.Fatalf("overlap %q %q: %v", a, b, err)
			}
			ba, err := PatternsOverlap(b, a)
			if err != nil {
				t.Fatalf("overlap %q %q: %v", b, a, err)
			}
			if ab != ba {
				t.Fatalf("asymmetric overlap for %q / %q: %v vs %v", a, b, ab, ba)
			}
		}
	}
}

func TestNormalize(t *testing.T) {
	tests := map[string]string{
		"src/":          "src/**",
		"./src//auth/":  "src/auth/**",
		"src/**":        "src/**",
		" internal/x ":  "internal/x",
		`src\auth\a.go`: `src\auth\a.go`,
	}
	for in, want := range tests {
		if got := Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := []string{"src/**", "internal/http/*.go", "README.md", "src/[a-z]*.go"}
	for _, p := range valid {
		if err := Validate(p); err != nil {
			t.Errorf("Validate(%q) unexpected error: %v", p, err)
		}
	}
	invalid := []string{"", "   ", "/etc/passwd", "../outside/**", "src/a**b", "src/{a,b}.go", "src/[a-"}
	for _, p := range invalid {
		if err := Validate(p); err == nil {
			t.Errorf("Validate(%q) expected error", p)
		}
	}
}

func TestValidateComplexity(t *testing.T) {
	// Normal pattern should pass
	if err := ValidateComplexity("internal/http/*.go"); err != nil {
		t.Fatalf("normal pattern rejected: %v", err)
	}

	// Overly complex pattern with many wildcards
	complex := "?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?/?"
	if err := ValidateComplexity(complex); err == nil {
		t.Fatal("expected complexity error for pattern with many wildcards")
	}
}
