package arcgis

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/ini.v1"

	"github.com/mr1hm/go-fire-dispatch/internal/config"
)

// Profile holds the portal credentials stored under one section of a
// profile file:
//
//	[profile_emergency]
//	url = https://www.arcgis.com
//	username = dispatcher
//	password = secret
type Profile struct {
	Name     string
	URL      string
	Username string
	Password string
}

func LoadProfile(path, name string) (*Profile, error) {
	cfg, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("error reading profile file: %w", err)
	}

	sec, err := cfg.GetSection(name)
	if err != nil {
		return nil, fmt.Errorf("profile %q not found in %s", name, path)
	}

	return &Profile{
		Name:     name,
		URL:      sec.Key("url").String(),
		Username: sec.Key("username").String(),
		Password: sec.Key("password").String(),
	}, nil
}

// resolveProfile loads the configured profile and applies env overrides.
// A missing profile file is fine when the env provides everything.
func resolveProfile(c config.ArcGISConfig) (*Profile, error) {
	p, err := LoadProfile(c.ProfileFile, c.Profile)
	if err != nil {
		if _, statErr := os.Stat(c.ProfileFile); !errors.Is(statErr, os.ErrNotExist) {
			return nil, err
		}
		p = &Profile{Name: c.Profile}
	}

	if c.URL != "" {
		p.URL = c.URL
	}
	if c.Username != "" {
		p.Username = c.Username
	}
	if c.Password != "" {
		p.Password = c.Password
	}

	switch {
	case p.URL == "":
		return nil, fmt.Errorf("profile %q has no portal url", p.Name)
	case p.Username == "" || p.Password == "":
		return nil, fmt.Errorf("profile %q has no credentials", p.Name)
	}
	return p, nil
}
