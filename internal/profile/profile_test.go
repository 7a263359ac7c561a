package profile

import (
	"strings"
	"testing"
)

func TestValidateName(t *testing.T) {
	valid := []string{"default", "work", "a", "my-profile_2"}
	for _, name := range valid {
		if err := ValidateName(name); err != nil {
			t.Errorf("ValidateName(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{"", "UPPER", "has space", "dot.name", strings.Repeat("a", 65)}
	for _, name := range invalid {
		if err := ValidateName(name); err == nil {
			t.Errorf("ValidateName(%q) = nil, want error", name)
		}
	}
}

func TestPathsAreScopedToProfile(t *testing.T) {
	if !strings.Contains(Dir("work"), "profiles/work") {
		t.Errorf("Dir = %q, want profiles/work segment", Dir("work"))
	}
	if !strings.HasSuffix(CacheDBPath("work"), "pigeon.db") {
		t.Errorf("CacheDBPath = %q", CacheDBPath("work"))
	}
	if !strings.HasSuffix(LogPath("work"), "pigeond.log") {
		t.Errorf("LogPath = %q", LogPath("work"))
	}
	if !strings.HasSuffix(ConfigPath(), "config.toml") {
		t.Errorf("ConfigPath = %q", ConfigPath())
	}
}

func TestResolvePrecedence(t *testing.T) {
	// Flag override always wins.
	if got := Resolve("explicit"); got != "explicit" {
		t.Errorf("Resolve(explicit) = %q", got)
	}
}
