package auth

import "testing"

// ─── Edge secret hashing (Argon2id, intentionally slow) ─────────────

func BenchmarkVerifyPassword(b *testing.B) {
	hash, err := HashPassword("edge-secret-correct-horse")
	if err != nil {
		b.Fatalf("HashPassword: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		VerifyPassword("edge-secret-correct-horse", hash) //nolint:errcheck // benchmark
	}
}

// ─── Admin tokens (per-request hot path) ────────────────────────────

func BenchmarkParseToken(b *testing.B) {
	token, err := GenerateAccessToken("bench", RoleAdmin, testSecret, 15)
	if err != nil {
		b.Fatalf("GenerateAccessToken: %v", err)
	}

	b.ResetTimer()
	for b.Loop() {
		ParseToken(token, testSecret) //nolint:errcheck // benchmark
	}
}
