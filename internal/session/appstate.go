package session

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadAppState reads a cookie list written by the login collaborator. The
// file may be JSON or YAML; both decode through the YAML parser. Entries that
// use "name" instead of "key" are accepted.
func LoadAppState(path string) ([]Cookie, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read app state: %w", err)
	}
	return ParseAppState(data)
}

// ParseAppState decodes an app state document.
func ParseAppState(data []byte) ([]Cookie, error) {
	var entries []struct {
		Cookie `yaml:",inline"`
		Name   string `yaml:"name"`
	}
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse app state: %w", err)
	}

	cookies := make([]Cookie, 0, len(entries))
	for _, e := range entries {
		c := e.Cookie
		if c.Key == "" {
			c.Key = e.Name
		}
		if c.Key == "" {
			continue
		}
		cookies = append(cookies, c)
	}
	return cookies, nil
}
