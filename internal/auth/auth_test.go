package auth

import (
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestTokenSource_Env(t *testing.T) {
	t.Setenv("PIMSYNC_TEST_TOKEN", "  abc  ")
	p := NewProvider([]Credential{{AccountID: "a", TokenEnv: "PIMSYNC_TEST_TOKEN"}})

	ts, err := p.TokenSource("a")
	if err != nil {
		t.Fatalf("TokenSource: %v", err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok.AccessToken != "abc" || tok.Type() != "Bearer" {
		t.Errorf("token = %q %q", tok.Type(), tok.AccessToken)
	}

	again, _ := p.TokenSource("a")
	if again != ts {
		t.Error("TokenSource not cached per account")
	}
}

func TestTokenSource_FileBasic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("hunter2\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p := NewProvider([]Credential{{AccountID: "a", Username: "ann", Scheme: SchemeBasic, TokenFile: path}})

	ts, err := p.TokenSource("a")
	if err != nil {
		t.Fatal(err)
	}
	tok, err := ts.Token()
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	want := base64.StdEncoding.EncodeToString([]byte("ann:hunter2"))
	if tok.Type() != "Basic" || tok.AccessToken != want {
		t.Errorf("token = %q %q, want Basic %q", tok.Type(), tok.AccessToken, want)
	}
	if tok.Expiry.IsZero() {
		t.Error("file token has no expiry; rotation would never be picked up")
	}
}

func TestTokenSource_Missing(t *testing.T) {
	p := NewProvider([]Credential{
		{AccountID: "none"},
		{AccountID: "empty", TokenEnv: "PIMSYNC_TEST_UNSET_TOKEN"},
	})

	ts, err := p.TokenSource("none")
	if err != nil || ts != nil {
		t.Errorf("no credential: ts=%v err=%v, want nil, nil", ts, err)
	}

	ts, err = p.TokenSource("empty")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ts.Token(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("err = %v, want ErrNoCredential", err)
	}

	if _, err := p.TokenSource("ghost"); err == nil {
		t.Error("expected error for unknown account")
	}
}

func TestParseScheme(t *testing.T) {
	for in, want := range map[string]Scheme{"": SchemeBearer, "Bearer": SchemeBearer, "basic": SchemeBasic} {
		got, err := ParseScheme(in)
		if err != nil || got != want {
			t.Errorf("ParseScheme(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseScheme("digest"); err == nil {
		t.Error("expected error for digest")
	}
}
