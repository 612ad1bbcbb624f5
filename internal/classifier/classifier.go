package classifier

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bilidown/bilidown/internal/config"
	"github.com/bilidown/bilidown/internal/models"
)

// Part markers recognized in raw titles. Ordered; each is removed in turn
// before the remainder becomes the series folder name.
var defaultMarkerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[Pp]art\s*\d+`),
	regexp.MustCompile(`第\s*\d+\s*[话集]`),
	regexp.MustCompile(`第\s*\d+\s*[Pp]`),
	regexp.MustCompile(`[Pp]\s*\d+`),
}

var (
	invalidFileChars = regexp.MustCompile(`[\\/*?:"<>|]`)
	multiSpace       = regexp.MustCompile(`\s+`)
)

// Result is the computed destination for a task's final artifact
type Result struct {
	CategoryPath string // Relative category root
	SeriesName   string // Series subfolder, empty when grouping is off
	DestDir      string // CategoryPath joined with SeriesName
}

// Classifier computes destination folders from video metadata. Pure: the
// category table is an injected read-only snapshot, no I/O happens here.
type Classifier struct {
	categories *config.CategoryTable
	patterns   []*regexp.Regexp
}

// New creates a classifier over a category snapshot with the built-in part
// marker patterns
func New(categories *config.CategoryTable) *Classifier {
	return &Classifier{
		categories: categories,
		patterns:   defaultMarkerPatterns,
	}
}

// WithPatterns replaces the marker pattern table, for locale-specific forms
// beyond the defaults
func (c *Classifier) WithPatterns(patterns []*regexp.Regexp) *Classifier {
	c.patterns = patterns
	return c
}

// Classify resolves the destination directory for a video. An absent or
// unknown category falls back to the default entry; a table without a
// default entry is a configuration error, distinct from download failures.
func (c *Classifier) Classify(rawTitle string, partIndex int, selectedCategory string, groupSeries bool) (Result, error) {
	categoryPath, ok := c.categories.Path(selectedCategory)
	if !ok {
		categoryPath, ok = c.categories.Path(config.DefaultCategory)
		if !ok {
			return Result{}, models.NewTaskError(models.FailureConfig,
				fmt.Errorf("category table has no %q entry", config.DefaultCategory))
		}
	}

	result := Result{CategoryPath: categoryPath, DestDir: categoryPath}
	if !groupSeries {
		return result, nil
	}

	result.SeriesName = c.SeriesName(rawTitle)
	if result.SeriesName != "" {
		result.DestDir = filepath.Join(categoryPath, result.SeriesName)
	}
	return result, nil
}

// SeriesName derives the series folder name from a raw title by stripping
// part markers and cleaning whitespace and disallowed filesystem characters.
// A title reduced to nothing falls back to the sanitized original, so an
// empty path segment is never produced.
func (c *Classifier) SeriesName(rawTitle string) string {
	title := rawTitle
	for _, pattern := range c.patterns {
		title = pattern.ReplaceAllString(title, "")
	}
	title = SanitizeName(title)
	if title == "" {
		title = SanitizeName(rawTitle)
	}
	return title
}

// SanitizeName makes a string safe as a single path segment: disallowed
// characters become underscores, runs of whitespace collapse to one space
func SanitizeName(name string) string {
	name = invalidFileChars.ReplaceAllString(name, "_")
	name = multiSpace.ReplaceAllString(name, " ")
	name = strings.Trim(name, " ._")
	return name
}
