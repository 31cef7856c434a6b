package auth

import (
	"strings"
	"testing"
)

func TestMintAndVerify(t *testing.T) {
	token, err := Mint("s3cret", "alice", "client-1", "prod")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	claims, err := Verify(token, "s3cret", "prod")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if claims.User != "alice" {
		t.Fatalf("User = %q", claims.User)
	}
	if claims.ContainerID != "client-1" {
		t.Fatalf("ContainerID = %q", claims.ContainerID)
	}
	if claims.VirtualHost != "prod" {
		t.Fatalf("VirtualHost = %q", claims.VirtualHost)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	token, err := Mint("s3cret", "alice", "client-1", "prod")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Verify(token, "other", "prod"); err == nil {
		t.Fatal("Verify accepted a token signed with a different secret")
	}
}

func TestVerifyRejectsWrongVirtualHost(t *testing.T) {
	token, err := Mint("s3cret", "alice", "client-1", "prod")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if _, err := Verify(token, "s3cret", "staging"); err == nil {
		t.Fatal("Verify accepted a token bound to another vhost")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	for _, tok := range []string{"", "not-a-token", strings.Repeat("x", 200)} {
		if _, err := Verify(tok, "s3cret", "prod"); err == nil {
			t.Fatalf("Verify accepted %q", tok)
		}
	}
}
