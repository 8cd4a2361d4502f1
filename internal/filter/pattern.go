package filter

import (
	"fmt"
	"regexp"
)

// InvalidPatternError is returned by Compile when a pattern is not a valid
// regular expression. It only disables the watch that owns the pattern.
type InvalidPatternError struct {
	Pattern string
	Err     error
}

func (e *InvalidPatternError) Error() string {
	return fmt.Sprintf("invalid pattern %q: %v", e.Pattern, e.Err)
}

func (e *InvalidPatternError) Unwrap() error {
	return e.Err
}

// Pattern is a compiled line matcher with optional exclusions.
type Pattern struct {
	re      *regexp.Regexp
	exclude []*regexp.Regexp
}

// Compile builds a Pattern. A line matches when re matches it and none of the
// exclude expressions do.
func Compile(pattern string, exclude []string) (*Pattern, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, &InvalidPatternError{Pattern: pattern, Err: err}
	}

	p := &Pattern{re: re}
	for _, ex := range exclude {
		exRe, err := regexp.Compile(ex)
		if err != nil {
			return nil, &InvalidPatternError{Pattern: ex, Err: err}
		}
		p.exclude = append(p.exclude, exRe)
	}
	return p, nil
}

func (p *Pattern) String() string {
	return p.re.String()
}

func (p *Pattern) Matches(line string) bool {
	if !p.re.MatchString(line) {
		return false
	}
	return !p.excluded(line)
}

// Extract reports whether line matches and returns the non-empty named
// capture groups of the pattern.
func (p *Pattern) Extract(line string) (map[string]string, bool) {
	matches := p.re.FindStringSubmatch(line)
	if matches == nil || p.excluded(line) {
		return nil, false
	}

	var fields map[string]string
	for i, name := range p.re.SubexpNames() {
		if i == 0 || name == "" || matches[i] == "" {
			continue
		}
		if fields == nil {
			fields = make(map[string]string)
		}
		fields[name] = matches[i]
	}
	return fields, true
}

func (p *Pattern) excluded(line string) bool {
	for _, ex := range p.exclude {
		if ex.MatchString(line) {
			return true
		}
	}
	return false
}
