package channels

import (
	"fmt"
	"regexp"
	"strings"
)

var placeholderPattern = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Pattern is a compiled channel-name template. Templates are literal names
// with `{name}` placeholders, each binding a single dot-free segment, e.g.
// `private-user.{userId}` or `presence-chat.{roomId}`.
type Pattern struct {
	template string
	re       *regexp.Regexp
	names    []string
}

// CompilePattern compiles a template into an anchored matcher. Literal
// portions are taken verbatim, placeholders match `[^.]+`.
func CompilePattern(template string) (*Pattern, error) {
	if template == "" {
		return nil, fmt.Errorf("empty channel pattern")
	}

	var sb strings.Builder
	var names []string
	sb.WriteString("^")

	last := 0
	for _, loc := range placeholderPattern.FindAllStringSubmatchIndex(template, -1) {
		sb.WriteString(regexp.QuoteMeta(template[last:loc[0]]))
		sb.WriteString(`([^.]+)`)
		names = append(names, template[loc[2]:loc[3]])
		last = loc[1]
	}
	sb.WriteString(regexp.QuoteMeta(template[last:]))
	sb.WriteString("$")

	re, err := regexp.Compile(sb.String())
	if err != nil {
		return nil, fmt.Errorf("invalid channel pattern %q: %w", template, err)
	}
	return &Pattern{template: template, re: re, names: names}, nil
}

// Match reports whether name conforms to the template and returns the
// placeholder bindings when it does.
func (p *Pattern) Match(name string) (map[string]string, bool) {
	groups := p.re.FindStringSubmatch(name)
	if groups == nil {
		return nil, false
	}
	params := make(map[string]string, len(p.names))
	for i, key := range p.names {
		params[key] = groups[i+1]
	}
	return params, true
}

// Template returns the original template string.
func (p *Pattern) Template() string {
	return p.template
}
