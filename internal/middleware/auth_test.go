package middleware

import (
	"testing"
	"time"
)

func TestSessions_Expire(t *testing.T) {
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	s := NewSessions(time.Hour)
	s.now = func() time.Time { return now }

	token := s.Create()
	if !s.Valid(token) {
		t.Fatal("fresh token rejected")
	}
	if s.Valid("") || s.Valid("other") {
		t.Error("unknown token accepted")
	}

	now = now.Add(2 * time.Hour)
	if s.Valid(token) {
		t.Error("expired token accepted")
	}

	s.Create()
	if _, ok := s.tokens[token]; ok {
		t.Error("expired token not dropped on Create")
	}
}

func TestSessions_Revoke(t *testing.T) {
	s := NewSessions(time.Hour)
	token := s.Create()
	s.Revoke(token)
	if s.Valid(token) {
		t.Error("revoked token accepted")
	}
}
