package shared

import (
	"strings"
	"testing"
)

func TestRedact_BearerToken(t *testing.T) {
	input := "Bearer abc123def456ghi789jkl0"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "Bearer [REDACTED]" {
		t.Fatalf("expected 'Bearer [REDACTED]', got %q", result)
	}
}

func TestRedact_APIKey(t *testing.T) {
	input := `api_key=abcdef1234567890abcdef`
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_GeminiKey(t *testing.T) {
	input := "key is AIzaSyA1234567890abcdefghijklmnopqrstuvwx"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
}

func TestRedact_TelegramBotToken(t *testing.T) {
	input := "notify failed for bot 123456789:AAHdqTcvCH1vGWJxfSeofSAs0K5PALDsaw1"
	result := Redact(input)
	if result == input {
		t.Fatalf("expected redaction, got %q", result)
	}
	if result != "notify failed for bot [REDACTED]" {
		t.Fatalf("got %q", result)
	}
}

func TestRedact_ShutdownTokenHeader(t *testing.T) {
	input := "X-Shutdown-Token: a1b2c3d4e5f6g7h8"
	result := Redact(input)
	if result != "X-Shutdown-Token: [REDACTED]" {
		t.Fatalf("got %q", result)
	}
}

func TestRedact_FleetEnvAssignment(t *testing.T) {
	result := Redact("spawning with SHUTDOWN_TOKEN=a1b2c3d4e5 set")
	if result != "spawning with SHUTDOWN_TOKEN=[REDACTED] set" {
		t.Fatalf("got %q", result)
	}
	result = Redact("loaded FLEETBRIDGE_AUTH_TOKEN=super-secret-value from env")
	if strings.Contains(result, "super-secret-value") {
		t.Fatalf("token value survived: %q", result)
	}
}

func TestRedact_NoSecret(t *testing.T) {
	input := "this is a normal log message"
	result := Redact(input)
	if result != input {
		t.Fatalf("expected no redaction, got %q", result)
	}
}

func TestRedact_Empty(t *testing.T) {
	result := Redact("")
	if result != "" {
		t.Fatalf("expected empty, got %q", result)
	}
}

func TestRedactEnvValue_Sensitive(t *testing.T) {
	cases := []struct {
		key, value string
		expect     string
	}{
		{"GEMINI_API_KEY", "some-secret", "[REDACTED]"},
		{"auth_token", "abc123", "[REDACTED]"},
		{"password", "s3cret", "[REDACTED]"},
		{"BIND_ADDR", "127.0.0.1:8080", "127.0.0.1:8080"},
		{"LOG_LEVEL", "info", "info"},
	}
	for _, tc := range cases {
		got := RedactEnvValue(tc.key, tc.value)
		if got != tc.expect {
			t.Errorf("RedactEnvValue(%q, %q) = %q, want %q", tc.key, tc.value, got, tc.expect)
		}
	}
}
