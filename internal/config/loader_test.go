package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/relay/internal/config"
)

func TestValidate_UnknownSTTProviderIsSoftWarning(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  stt:
    default:
      name: some-future-provider
`
	// Unknown provider names are logged, not rejected — the registry is the
	// authority on what is actually available at runtime.
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MissingBackendsAreSoftWarnings(t *testing.T) {
	t.Parallel()
	// A config with no store/cache/broker settings is still structurally
	// valid; those are deployment concerns, not schema concerns.
	_, err := config.LoadFromReader(strings.NewReader("{}"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	sttNames := config.ValidProviderNames["stt"]
	found := false
	for _, n := range sttNames {
		if n == "deepgram" {
			found = true
			break
		}
	}
	if !found {
		t.Error(`ValidProviderNames["stt"] should contain "deepgram"`)
	}
}
