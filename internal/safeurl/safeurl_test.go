package safeurl

import "testing"

func TestIsHTTPOrHTTPS(t *testing.T) {
	cases := map[string]bool{
		"https://image.tmdb.org/t/p/w500/abc.jpg": true,
		"http://localhost:8081/internal/raw/1":    true,
		"file:///etc/passwd":                      false,
		"ftp://host/file":                         false,
		"://bad":                                  false,
	}
	for u, want := range cases {
		if got := IsHTTPOrHTTPS(u); got != want {
			t.Errorf("IsHTTPOrHTTPS(%q)=%v want %v", u, got, want)
		}
	}
}

func TestRedact(t *testing.T) {
	got := Redact("https://api.example.org/3/search/movie?api_key=secret&query=heat")
	if want := "https://api.example.org/3/search/movie?api_key=REDACTED&query=heat"; got != want {
		t.Fatalf("Redact=%q want %q", got, want)
	}
	if got := Redact("https://api.example.org/3/movie/603"); got != "https://api.example.org/3/movie/603" {
		t.Fatalf("clean URL changed: %q", got)
	}
}
