package survey

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog lists the surveys the viewer can switch between.
type Catalog struct {
	Default string  `yaml:"default"`
	Surveys []Entry `yaml:"surveys"`
}

// Entry is one survey of the catalog. Properties are inlined so the viewer
// can start without fetching the remote properties file.
type Entry struct {
	ID         string            `yaml:"id"`
	URL        string            `yaml:"url"`
	Format     string            `yaml:"format"`
	Properties map[string]string `yaml:"properties"`
}

// LoadCatalog reads a YAML catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Surveys) == 0 {
		return nil, errors.New("catalog has no surveys")
	}
	seen := map[string]struct{}{}
	for i, e := range c.Surveys {
		if strings.TrimSpace(e.ID) == "" {
			return nil, fmt.Errorf("catalog entry %d: missing id", i)
		}
		if _, dup := seen[e.ID]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate id %q", i, e.ID)
		}
		seen[e.ID] = struct{}{}
	}
	if c.Default == "" {
		c.Default = c.Surveys[0].ID
	}
	return &c, nil
}

// Find returns the entry with the given id, or the default one for "".
func (c *Catalog) Find(id string) (Entry, bool) {
	if id == "" {
		id = c.Default
	}
	for _, e := range c.Surveys {
		if e.ID == id {
			return e, true
		}
	}
	return Entry{}, false
}

// Config builds the survey configuration of the entry.
func (e Entry) Config() (Config, error) {
	return New(Properties(e.Properties), Options{ID: e.ID, RootURL: e.URL, Format: e.Format})
}
