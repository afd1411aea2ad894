package auth

import (
	"errors"
	"testing"
)

func TestMintAndVerify(t *testing.T) {
	v := NewVerifier("test-secret")

	token, err := v.Mint("user-1", "Alice")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	claims, err := v.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" {
		t.Errorf("expected user-1, got %q", claims.UserID)
	}
	if claims.DisplayName != "Alice" {
		t.Errorf("expected Alice, got %q", claims.DisplayName)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := NewVerifier("secret-a").Mint("user-1", "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}

	if _, err := NewVerifier("secret-b").Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	v := NewVerifier("test-secret")
	if _, err := v.Verify("not-a-token"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestFromBearer(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi", false},
		{"bearer abc.def.ghi", "abc.def.ghi", false},
		{"abc.def.ghi", "abc.def.ghi", false},
		{"Basic dXNlcg==", "", true},
		{"", "", true},
	}
	for _, c := range cases {
		got, err := FromBearer(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("FromBearer(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("FromBearer(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("FromBearer(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
