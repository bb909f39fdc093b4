package main

import (
	"testing"

	"barstock/backend/internal/config"
)

func TestValidateSecurityConfigRejectsWeakPINs(t *testing.T) {
	for _, pin := range []string{"", "12345", "123456", "999999", "987654"} {
		if err := validateSecurityConfig(config.Config{SupervisorPIN: pin}); err == nil {
			t.Fatalf("expected PIN %q to be rejected", pin)
		}
	}
}

func TestValidateSecurityConfigAcceptsStrongPIN(t *testing.T) {
	if err := validateSecurityConfig(config.Config{SupervisorPIN: "739154"}); err != nil {
		t.Fatalf("expected strong PIN to pass, got %v", err)
	}
}
