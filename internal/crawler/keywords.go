package crawler

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
)

var spaceRuns = regexp.MustCompile(`\s+`)

// Normalize lowercases a keyword and collapses whitespace runs into single
// spaces. Normalizing twice yields the same string, so values read back from
// the database can be passed through again safely.
func Normalize(keyword string) string {
	return strings.TrimSpace(spaceRuns.ReplaceAllString(strings.ToLower(keyword), " "))
}

// NegativeRule excludes keywords from enumeration. A literal rule matches the
// whole keyword exactly; a pattern rule matches anywhere in it.
type NegativeRule struct {
	raw     string
	pattern *regexp.Regexp
}

// Matches reports whether the normalized keyword is excluded by this rule.
func (r NegativeRule) Matches(keyword string) bool {
	if r.pattern != nil {
		return r.pattern.MatchString(keyword)
	}
	return r.raw == keyword
}

// ParseNegativeRules reads exclusion rules, one per line. Blank lines and
// lines starting with # are ignored. A line wrapped in slashes (/.../) is a
// regular expression; anything else is a literal keyword.
func ParseNegativeRules(lines []string) ([]NegativeRule, error) {
	var rules []NegativeRule
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if len(line) > 1 && strings.HasPrefix(line, "/") && strings.HasSuffix(line, "/") {
			expr := line[1 : len(line)-1]
			pattern, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("invalid rule on line %d: %w", i+1, err)
			}
			rules = append(rules, NegativeRule{raw: line, pattern: pattern})
			continue
		}
		rules = append(rules, NegativeRule{raw: Normalize(line)})
	}
	return rules, nil
}

// LoadKeywordFile reads a keyword or rule file, one entry per line. A missing
// file is not an error, it just contributes nothing.
func LoadKeywordFile(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open keyword file %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read keyword file %s: %w", path, err)
	}
	return lines, nil
}

// EnumerateKeywords merges the keyword sources into one sorted, deduplicated,
// normalized list with negative rules applied. Sources are the base keyword
// file, keywords attached to stored products, and the extend file.
func EnumerateKeywords(sources [][]string, rules []NegativeRule) []string {
	seen := make(map[string]bool)
	var keywords []string

	for _, source := range sources {
		for _, raw := range source {
			kw := Normalize(raw)
			if kw == "" || seen[kw] {
				continue
			}
			seen[kw] = true
			if excluded(kw, rules) {
				continue
			}
			keywords = append(keywords, kw)
		}
	}

	sort.Strings(keywords)
	return keywords
}

func excluded(keyword string, rules []NegativeRule) bool {
	for _, r := range rules {
		if r.Matches(keyword) {
			return true
		}
	}
	return false
}
