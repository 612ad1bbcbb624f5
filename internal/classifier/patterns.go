package classifier

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// LoadPatterns reads extra part-marker patterns from a file, one regular
// expression per line. Lines starting with # are comments. The returned
// slice is the defaults followed by the file's patterns, so user patterns
// only ever extend the recognized set.
func LoadPatterns(path string) ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, len(defaultMarkerPatterns))
	copy(patterns, defaultMarkerPatterns)

	// If file doesn't exist, return the defaults
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return patterns, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		re, err := regexp.Compile(line)
		if err != nil {
			return nil, fmt.Errorf("invalid marker pattern %q: %w", line, err)
		}
		patterns = append(patterns, re)
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return patterns, nil
}
