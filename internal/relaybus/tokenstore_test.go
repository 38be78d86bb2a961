package relaybus

import (
	"os"
	"path/filepath"
	"testing"
)

func TestSeedWorkspaceTokenPrefersEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	t.Setenv(WorkspaceTokenEnvVar, "env-token")

	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	token, fromCache, err := ts.SeedWorkspaceToken()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if token != "env-token" || fromCache {
		t.Fatalf("expected env token, got %q fromCache=%v", token, fromCache)
	}
}

func TestSeedWorkspaceTokenFallsBackToCache(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	os.Unsetenv(WorkspaceTokenEnvVar)

	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	first, _, err := ts.SeedWorkspaceToken()
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	ts2, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("reload token store: %v", err)
	}
	second, fromCache, err := ts2.SeedWorkspaceToken()
	if err != nil {
		t.Fatalf("seed reload: %v", err)
	}
	if !fromCache || second != first {
		t.Fatalf("expected cached token %q, got %q fromCache=%v", first, second, fromCache)
	}
}

func TestAgentTokenRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tokens.json")
	ts, err := NewTokenStore(path)
	if err != nil {
		t.Fatalf("new token store: %v", err)
	}
	if err := ts.SetAgentToken("Alice", "tok-123"); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok := ts.AgentToken("Alice")
	if !ok || got != "tok-123" {
		t.Fatalf("unexpected agent token: %q %v", got, ok)
	}
}
