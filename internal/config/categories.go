package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// DefaultCategory is the entry that must always exist in the category table
const DefaultCategory = "default"

// CategoryTable is an immutable snapshot of the category name -> relative
// path mapping. The classifier reads it; nothing mutates it after load.
type CategoryTable struct {
	entries map[string]string
	order   []string
}

type categoriesFile struct {
	Categories yaml.MapSlice `yaml:"categories"`
}

// LoadCategories parses the category table from a YAML file. A missing file
// yields the built-in defaults; a present file must contain a `default`
// entry.
func LoadCategories(path string) (*CategoryTable, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return defaultCategoryTable(), nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open categories file: %w", err)
	}
	defer f.Close()

	var parsed categoriesFile
	if err := yaml.NewDecoder(f).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse categories file: %w", err)
	}

	table := &CategoryTable{entries: make(map[string]string)}
	for _, item := range parsed.Categories {
		name, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("category name must be a string, got %v", item.Key)
		}
		rel, ok := item.Value.(string)
		if !ok {
			return nil, fmt.Errorf("category %q path must be a string, got %v", name, item.Value)
		}
		if _, dup := table.entries[name]; dup {
			return nil, fmt.Errorf("duplicate category %q", name)
		}
		table.entries[name] = rel
		table.order = append(table.order, name)
	}

	if _, ok := table.entries[DefaultCategory]; !ok {
		return nil, fmt.Errorf("categories file %s has no %q entry", path, DefaultCategory)
	}

	return table, nil
}

func defaultCategoryTable() *CategoryTable {
	return &CategoryTable{
		entries: map[string]string{
			DefaultCategory: "default",
			"video":         "video",
			"music":         "music",
		},
		order: []string{DefaultCategory, "video", "music"},
	}
}

// Path returns the relative path for a category and whether it exists
func (t *CategoryTable) Path(name string) (string, bool) {
	p, ok := t.entries[name]
	return p, ok
}

// DefaultPath returns the relative path of the default category
func (t *CategoryTable) DefaultPath() string {
	return t.entries[DefaultCategory]
}

// Names returns category names in file order
func (t *CategoryTable) Names() []string {
	out := make([]string, len(t.order))
	copy(out, t.order)
	return out
}
