package ldapserver

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"ctldap/internal/directory"
)

// Filter evaluates whether a directory entry matches a parsed search filter.
// Attribute names are matched case-insensitively, and equality and substring
// assertions compare values case-insensitively: upstream data casing is not
// guaranteed to align with what directory clients send.
type Filter interface {
	Matches(e directory.Entry) bool
}

type presentFilter struct{ attr string }

func (f presentFilter) Matches(e directory.Entry) bool {
	return len(attrValues(e, f.attr)) > 0
}

type equalityFilter struct{ attr, value string }

func (f equalityFilter) Matches(e directory.Entry) bool {
	for _, v := range attrValues(e, f.attr) {
		if strings.EqualFold(v, f.value) {
			return true
		}
	}
	return false
}

type substringFilter struct {
	attr string
	re   *regexp.Regexp
}

func (f substringFilter) Matches(e directory.Entry) bool {
	for _, v := range attrValues(e, f.attr) {
		if f.re.MatchString(v) {
			return true
		}
	}
	return false
}

type geFilter struct{ attr, value string }

func (f geFilter) Matches(e directory.Entry) bool {
	for _, v := range attrValues(e, f.attr) {
		if strings.Compare(strings.ToLower(v), strings.ToLower(f.value)) >= 0 {
			return true
		}
	}
	return false
}

type leFilter struct{ attr, value string }

func (f leFilter) Matches(e directory.Entry) bool {
	for _, v := range attrValues(e, f.attr) {
		if strings.Compare(strings.ToLower(v), strings.ToLower(f.value)) <= 0 {
			return true
		}
	}
	return false
}

type andFilter struct{ subs []Filter }

func (f andFilter) Matches(e directory.Entry) bool {
	for _, s := range f.subs {
		if !s.Matches(e) {
			return false
		}
	}
	return true
}

type orFilter struct{ subs []Filter }

func (f orFilter) Matches(e directory.Entry) bool {
	for _, s := range f.subs {
		if s.Matches(e) {
			return true
		}
	}
	return false
}

type notFilter struct{ sub Filter }

func (f notFilter) Matches(e directory.Entry) bool { return !f.sub.Matches(e) }

// attrValues returns the entry's values for the attribute, matching the
// attribute name case-insensitively.
func attrValues(e directory.Entry, name string) []string {
	if vals, ok := e.Attributes[name]; ok {
		return vals
	}
	for k, vals := range e.Attributes {
		if strings.EqualFold(k, name) {
			return vals
		}
	}
	return nil
}

// ParseFilter parses an RFC 4515 filter string.
func ParseFilter(s string) (Filter, error) {
	f, rest, err := parseFilter(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("unexpected trailing filter content %q", rest)
	}
	return f, nil
}

func parseFilter(s string) (Filter, string, error) {
	if !strings.HasPrefix(s, "(") {
		return nil, "", errors.New("filter must start with '('")
	}
	s = s[1:]
	if s == "" {
		return nil, "", errors.New("unterminated filter")
	}

	switch s[0] {
	case '&', '|':
		op := s[0]
		s = s[1:]
		var subs []Filter
		for strings.HasPrefix(s, "(") {
			sub, rest, err := parseFilter(s)
			if err != nil {
				return nil, "", err
			}
			subs = append(subs, sub)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, "", errors.New("unterminated composite filter")
		}
		if op == '&' {
			return andFilter{subs: subs}, s[1:], nil
		}
		return orFilter{subs: subs}, s[1:], nil
	case '!':
		sub, rest, err := parseFilter(s[1:])
		if err != nil {
			return nil, "", err
		}
		if !strings.HasPrefix(rest, ")") {
			return nil, "", errors.New("unterminated not filter")
		}
		return notFilter{sub: sub}, rest[1:], nil
	}

	end := strings.IndexByte(s, ')')
	if end < 0 {
		return nil, "", errors.New("unterminated filter item")
	}
	item, rest := s[:end], s[end+1:]

	f, err := parseItem(item)
	if err != nil {
		return nil, "", err
	}
	return f, rest, nil
}

func parseItem(item string) (Filter, error) {
	eq := strings.IndexByte(item, '=')
	if eq <= 0 {
		return nil, fmt.Errorf("malformed filter item %q", item)
	}
	attr, raw := item[:eq], item[eq+1:]

	switch {
	case strings.HasSuffix(attr, ">"):
		value, err := unescapeValue(raw)
		if err != nil {
			return nil, err
		}
		return geFilter{attr: attr[:len(attr)-1], value: value}, nil
	case strings.HasSuffix(attr, "<"):
		value, err := unescapeValue(raw)
		if err != nil {
			return nil, err
		}
		return leFilter{attr: attr[:len(attr)-1], value: value}, nil
	case strings.HasSuffix(attr, "~"):
		value, err := unescapeValue(raw)
		if err != nil {
			return nil, err
		}
		return equalityFilter{attr: attr[:len(attr)-1], value: value}, nil
	}
	// Extensible match rules are not supported; match on the bare attribute.
	if i := strings.IndexByte(attr, ':'); i >= 0 {
		attr = attr[:i]
	}

	if raw == "*" {
		return presentFilter{attr: attr}, nil
	}
	if !strings.Contains(raw, "*") {
		value, err := unescapeValue(raw)
		if err != nil {
			return nil, err
		}
		return equalityFilter{attr: attr, value: value}, nil
	}
	return parseSubstrings(attr, raw)
}

// parseSubstrings builds the substring matcher: fragments with escaped
// metacharacters, anchored where an initial or final fragment is present,
// compiled case-insensitively.
func parseSubstrings(attr, raw string) (Filter, error) {
	segments := strings.Split(raw, "*")
	var re strings.Builder
	re.WriteString("(?i)")
	if segments[0] != "" {
		initial, err := unescapeValue(segments[0])
		if err != nil {
			return nil, err
		}
		re.WriteString("^" + regexp.QuoteMeta(initial))
	}
	re.WriteString(".*")
	for _, seg := range segments[1 : len(segments)-1] {
		if seg == "" {
			continue
		}
		any, err := unescapeValue(seg)
		if err != nil {
			return nil, err
		}
		re.WriteString(regexp.QuoteMeta(any) + ".*")
	}
	if last := segments[len(segments)-1]; last != "" {
		final, err := unescapeValue(last)
		if err != nil {
			return nil, err
		}
		re.WriteString(regexp.QuoteMeta(final) + "$")
	}
	compiled, err := regexp.Compile(re.String())
	if err != nil {
		return nil, fmt.Errorf("compile substring filter: %w", err)
	}
	return substringFilter{attr: attr, re: compiled}, nil
}

// unescapeValue decodes RFC 4515 \XX hex escapes.
func unescapeValue(s string) (string, error) {
	if !strings.Contains(s, `\`) {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			b.WriteByte(s[i])
			continue
		}
		if i+3 > len(s) {
			return "", errors.New("truncated escape sequence")
		}
		code, err := strconv.ParseUint(s[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape sequence %q", s[i:i+3])
		}
		b.WriteByte(byte(code))
		i += 2
	}
	return b.String(), nil
}
