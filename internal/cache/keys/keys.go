package keys

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/geo-export-cache/internal/core/model"
)

const (
	infoPrefix = "info:"
	genSuffix  = ":gen"
	rowsPrefix = "rows:"
)

func Info(table string) string       { return infoPrefix + sanitize(table) }
func Generating(table string) string { return infoPrefix + sanitize(table) + genSuffix }
func Rows(table string) string       { return rowsPrefix + sanitize(table) }

// Fingerprint hashes the request-shaping parameters of q. Map order, field
// order and whitespace in the where clause do not change the result.
func Fingerprint(q model.Query) model.Fingerprint {
	return model.Fingerprint(fmt.Sprintf("%016x", xxhash.Sum64String(canonical(q))))
}

// TaskHash is the dedup key of a build task.
func TaskHash(t model.TaskDescriptor) model.TaskHash {
	var b strings.Builder
	b.WriteString(string(t.Kind))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(t.Identity.Host))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(t.Identity.Item))
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(t.Identity.Layer))
	b.WriteByte('|')
	b.WriteString(string(t.Fingerprint))
	return model.TaskHash(fmt.Sprintf("%016x", xxhash.Sum64String(b.String())))
}

func canonical(q model.Query) string {
	parts := []string{
		"format=" + strings.ToLower(strings.TrimSpace(q.Format)),
		"where=" + normalizeFilters(q.Where),
		"geometry=" + collapseASCIIWhitespace(q.Geometry),
		"precision=" + strconv.Itoa(q.Precision),
		"scheme=" + strings.ToLower(strings.TrimSpace(q.Scheme)),
	}

	fields := make([]string, 0, len(q.Fields))
	for _, f := range q.Fields {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	sort.Strings(fields)
	parts = append(parts, "fields="+strings.Join(fields, ","))

	opts := make([]string, 0, len(q.Options))
	for k, v := range q.Options {
		opts = append(opts, strings.TrimSpace(k)+"="+strings.TrimSpace(v))
	}
	sort.Strings(opts)
	parts = append(parts, "opts="+strings.Join(opts, "&"))

	return strings.Join(parts, "|")
}

var punctSpace = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	// Remove spaces around these punctuation tokens.
	return punctSpace.ReplaceAllString(s, "$1")
}

// sanitize keeps key segments within [A-Za-z0-9:_-].
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isASCIIWhitespace(r):
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isASCIIWhitespace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isASCIIWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r >= '0' && r <= '9')
}
