package storage

import (
	"testing"

	"github.com/skywang16/orbitx/internal/errdef"
)

func TestConfigStore_DefaultsAndRoundTrip(t *testing.T) {
	paths := testPaths(t)
	store, err := OpenConfigStore(paths)
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}

	appearance, err := store.GetSection(SectionAppearance)
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if appearance["theme"] != "dark" {
		t.Errorf("default theme = %v", appearance["theme"])
	}

	if err := store.UpdateSection(SectionAppearance, map[string]any{
		"theme":     "solarized",
		"font_size": 16.0,
	}); err != nil {
		t.Fatalf("UpdateSection: %v", err)
	}

	// Reload from disk: the update survives the round trip.
	reloaded, err := OpenConfigStore(paths)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	appearance, err = reloaded.GetSection(SectionAppearance)
	if err != nil {
		t.Fatalf("GetSection after reload: %v", err)
	}
	if appearance["theme"] != "solarized" {
		t.Errorf("theme after reload = %v", appearance["theme"])
	}
	if got, ok := appearance["font_size"].(float64); !ok || got != 16.0 {
		t.Errorf("font_size after reload = %v", appearance["font_size"])
	}
	// Untouched keys keep their defaults.
	if appearance["dark_theme"] != "dark" {
		t.Errorf("dark_theme = %v", appearance["dark_theme"])
	}
}

func TestConfigStore_ValidationRejectsBadValues(t *testing.T) {
	store, err := OpenConfigStore(testPaths(t))
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}

	tests := []struct {
		name    string
		section ConfigSection
		values  map[string]any
	}{
		{"font size too small", SectionAppearance, map[string]any{"font_size": 2}},
		{"wrong type", SectionAppearance, map[string]any{"follow_system": "yes"}},
		{"negative scrollback", SectionTerminal, map[string]any{"scrollback": -1}},
		{"shortcut not a string", SectionShortcuts, map[string]any{"copy": 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.UpdateSection(tt.section, tt.values)
			if errdef.KindOf(err) != errdef.KindValidation {
				t.Errorf("kind = %v, want validation", errdef.KindOf(err))
			}
		})
	}
}

func TestConfigStore_ChangeEventEmitted(t *testing.T) {
	store, err := OpenConfigStore(testPaths(t))
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}

	var got []StorageEvent
	store.AddListener(func(ev StorageEvent) { got = append(got, ev) })

	if err := store.UpdateSection(SectionApp, map[string]any{"language": "de"}); err != nil {
		t.Fatalf("UpdateSection: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "config_changed" || got[0].Section != SectionApp {
		t.Errorf("events = %#v", got)
	}
}

func TestConfigStore_ResetSection(t *testing.T) {
	store, err := OpenConfigStore(testPaths(t))
	if err != nil {
		t.Fatalf("OpenConfigStore: %v", err)
	}
	if err := store.UpdateSection(SectionApp, map[string]any{"language": "fr"}); err != nil {
		t.Fatalf("UpdateSection: %v", err)
	}
	if err := store.ResetSection(SectionApp); err != nil {
		t.Fatalf("ResetSection: %v", err)
	}
	app, err := store.GetSection(SectionApp)
	if err != nil {
		t.Fatalf("GetSection: %v", err)
	}
	if app["language"] != "en" {
		t.Errorf("language after reset = %v", app["language"])
	}
}
