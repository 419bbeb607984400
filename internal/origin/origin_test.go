package origin

import (
	"net/http/httptest"
	"testing"
)

func TestNormalizeHeader(t *testing.T) {
	t.Run("normalizes scheme and host, drops default port", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("HTTPS://Example.COM:443")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "https://example.com" {
			t.Fatalf("normalized=%q, want %q", normalized, "https://example.com")
		}
		if host != "example.com" {
			t.Fatalf("host=%q, want %q", host, "example.com")
		}
	})

	t.Run("keeps non-default port and allows trailing slash", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://localhost:5173/")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://localhost:5173" {
			t.Fatalf("normalized=%q, want %q", normalized, "http://localhost:5173")
		}
		if host != "localhost:5173" {
			t.Fatalf("host=%q, want %q", host, "localhost:5173")
		}
	})

	t.Run("ipv6 literal", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("http://[::1]:8080")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "http://[::1]:8080" || host != "[::1]:8080" {
			t.Fatalf("normalized=%q host=%q", normalized, host)
		}
	})

	t.Run("allows null origin", func(t *testing.T) {
		normalized, host, ok := NormalizeHeader("null")
		if !ok {
			t.Fatalf("expected ok=true")
		}
		if normalized != "null" || host != "" {
			t.Fatalf("normalized=%q host=%q, want normalized=%q host=%q", normalized, host, "null", "")
		}
	})

	t.Run("rejects malformed origins", func(t *testing.T) {
		cases := []string{
			"",
			"ftp://example.com",
			"https://example.com/path",
			"https://example.com/?q=1",
			"https://user@example.com",
			"https://example.com/#frag",
			"https://example.com:0",
			"https://example.com:70000",
			"http://::1",
			"example.com",
		}
		for _, c := range cases {
			if _, _, ok := NormalizeHeader(c); ok {
				t.Fatalf("expected ok=false for %q", c)
			}
		}
	})
}

func TestPolicy_Allows(t *testing.T) {
	normalized, host, ok := NormalizeHeader("https://app.example.com")
	if !ok {
		t.Fatalf("NormalizeHeader ok=false")
	}

	t.Run("default is same host:port only", func(t *testing.T) {
		var p Policy
		if !p.Allows(normalized, host, "app.example.com") {
			t.Fatalf("expected same-host to be allowed")
		}
		if !p.Allows(normalized, host, "APP.example.com:443") {
			t.Fatalf("expected default port to be equivalent")
		}
		if p.Allows(normalized, host, "app.example.com:8443") {
			t.Fatalf("expected different port to be rejected")
		}
		if p.Allows("null", "", "app.example.com") {
			t.Fatalf("expected null origin to be rejected by same-host policy")
		}
	})

	t.Run("wildcard", func(t *testing.T) {
		p, err := NewPolicy([]string{"*"})
		if err != nil {
			t.Fatalf("NewPolicy: %v", err)
		}
		if !p.AllowsAny() {
			t.Fatalf("AllowsAny=false, want true")
		}
		if !p.Allows(normalized, host, "whatever:1234") {
			t.Fatalf("expected * to allow any origin")
		}
	})

	t.Run("explicit list", func(t *testing.T) {
		p, err := ParseList(" https://APP.example.com:443 , https://app.example.com,")
		if err != nil {
			t.Fatalf("ParseList: %v", err)
		}
		if got := p.Entries(); len(got) != 1 || got[0] != "https://app.example.com" {
			t.Fatalf("Entries=%v, want [https://app.example.com]", got)
		}
		if !p.Allows(normalized, host, "relay.example.com") {
			t.Fatalf("expected explicit origin to be allowed")
		}
		other, otherHost, _ := NormalizeHeader("https://other.example.com")
		if p.Allows(other, otherHost, "relay.example.com") {
			t.Fatalf("expected non-matching origin to be rejected")
		}
	})

	t.Run("null when configured", func(t *testing.T) {
		p, err := NewPolicy([]string{"null"})
		if err != nil {
			t.Fatalf("NewPolicy: %v", err)
		}
		if !p.Allows("null", "", "relay.example.com") {
			t.Fatalf("expected null origin to be allowed when configured")
		}
	})

	t.Run("invalid entry", func(t *testing.T) {
		if _, err := NewPolicy([]string{"example.com"}); err == nil {
			t.Fatalf("expected error for bare hostname")
		}
	})
}

func TestPolicy_Check(t *testing.T) {
	var p Policy

	r := httptest.NewRequest("GET", "http://relay.example.com/ws", nil)
	if got, ok := p.Check(r); !ok || got != "" {
		t.Fatalf("Check without Origin = (%q, %v), want (\"\", true)", got, ok)
	}

	r.Header.Set("Origin", "http://relay.example.com")
	if got, ok := p.Check(r); !ok || got != "http://relay.example.com" {
		t.Fatalf("Check same-host = (%q, %v)", got, ok)
	}

	r.Header.Set("Origin", "https://evil.example")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected cross-origin request to be rejected")
	}

	r.Header.Set("Origin", "not a url")
	if _, ok := p.Check(r); ok {
		t.Fatalf("expected malformed origin to be rejected")
	}
}
