// Package theme resolves the active terminal theme from configuration and
// the OS dark-mode signal. Pure logic: the desktop shell supplies the OS
// signal and renders the result.
package theme

import (
	"github.com/skywang16/orbitx/internal/errdef"
	"github.com/skywang16/orbitx/internal/storage"
)

// Settings is the appearance slice the service operates on.
type Settings struct {
	Theme        string
	DarkTheme    string
	LightTheme   string
	FollowSystem bool
	Themes       []string
}

// settingsFromSection maps the appearance config table onto Settings.
func settingsFromSection(section map[string]any) Settings {
	s := Settings{
		Theme:      "dark",
		DarkTheme:  "dark",
		LightTheme: "light",
	}
	if v, ok := section["theme"].(string); ok && v != "" {
		s.Theme = v
	}
	if v, ok := section["dark_theme"].(string); ok && v != "" {
		s.DarkTheme = v
	}
	if v, ok := section["light_theme"].(string); ok && v != "" {
		s.LightTheme = v
	}
	if v, ok := section["follow_system"].(bool); ok {
		s.FollowSystem = v
	}
	if list, ok := section["themes"].([]any); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				s.Themes = append(s.Themes, name)
			}
		}
	}
	return s
}

// Resolve returns the effective theme name for the given settings.
func Resolve(s Settings, systemDark bool) string {
	if !s.FollowSystem {
		return s.Theme
	}
	if systemDark {
		return s.DarkTheme
	}
	return s.LightTheme
}

// Validate checks that every referenced theme exists in the theme list. An
// empty theme list skips the check (themes resolved elsewhere).
func Validate(s Settings) error {
	if len(s.Themes) == 0 {
		return nil
	}
	known := make(map[string]bool, len(s.Themes))
	for _, name := range s.Themes {
		known[name] = true
	}
	for _, ref := range []string{s.Theme, s.DarkTheme, s.LightTheme} {
		if ref != "" && !known[ref] {
			return errdef.New(errdef.KindConfig, "theme %q is not in the theme list", ref)
		}
	}
	return nil
}

// Service resolves the active theme from the live config store.
type Service struct {
	config *storage.ConfigStore
}

func NewService(config *storage.ConfigStore) *Service {
	return &Service{config: config}
}

// Active returns the effective theme given the OS dark-mode signal.
func (s *Service) Active(systemDark bool) (string, error) {
	section, err := s.config.GetSection(storage.SectionAppearance)
	if err != nil {
		return "", err
	}
	settings := settingsFromSection(section)
	if err := Validate(settings); err != nil {
		return "", err
	}
	return Resolve(settings, systemDark), nil
}
