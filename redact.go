package harcap

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// RedactedValue replaces masked header values, query values and JSON
// fields.
const RedactedValue = "[REDACTED]"

// DefaultRedactHeaders are masked unless the configuration overrides them.
var DefaultRedactHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"}

// Redactor masks sensitive values before a flow is stored. A nil Redactor
// masks nothing.
type Redactor struct {
	headers map[string]struct{} // canonical header names
	keys    map[string]struct{} // lowercased JSON keys and query names
}

// NewRedactor masks the named headers and, in JSON bodies and query
// strings, every field whose key matches one of keys (case-insensitive,
// at any depth).
func NewRedactor(headers, keys []string) *Redactor {
	r := &Redactor{
		headers: make(map[string]struct{}, len(headers)),
		keys:    make(map[string]struct{}, len(keys)),
	}
	for _, h := range headers {
		r.headers[http.CanonicalHeaderKey(h)] = struct{}{}
	}
	for _, k := range keys {
		r.keys[strings.ToLower(k)] = struct{}{}
	}
	return r
}

// Header masks h in place.
func (r *Redactor) Header(h http.Header) {
	if r == nil {
		return
	}
	for name, values := range h {
		if _, ok := r.headers[http.CanonicalHeaderKey(name)]; !ok {
			continue
		}
		for i := range values {
			values[i] = RedactedValue
		}
	}
}

// Query masks q in place.
func (r *Redactor) Query(q url.Values) {
	if r == nil || len(r.keys) == 0 {
		return
	}
	for name, values := range q {
		if _, ok := r.keys[strings.ToLower(name)]; !ok {
			continue
		}
		for i := range values {
			values[i] = RedactedValue
		}
	}
}

// URL returns raw with the values of matching query parameters masked.
// Parameter order is kept; raw is returned unchanged when nothing matches
// or it does not parse.
func (r *Redactor) URL(raw string) string {
	if r == nil || len(r.keys) == 0 {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.RawQuery == "" {
		return raw
	}

	parts := strings.Split(u.RawQuery, "&")
	changed := false
	for i, part := range parts {
		name, _, _ := strings.Cut(part, "=")
		key, err := url.QueryUnescape(name)
		if err != nil {
			key = name
		}
		if _, ok := r.keys[strings.ToLower(key)]; !ok {
			continue
		}
		parts[i] = name + "=" + url.QueryEscape(RedactedValue)
		changed = true
	}
	if !changed {
		return raw
	}
	u.RawQuery = strings.Join(parts, "&")
	return u.String()
}

// Body masks matching fields of a JSON body. Non-JSON bodies are returned
// unchanged.
func (r *Redactor) Body(contentType string, body []byte) []byte {
	if r == nil || len(r.keys) == 0 || len(body) == 0 {
		return body
	}
	ct := strings.ToLower(contentType)
	if ct != "" && !strings.Contains(ct, "json") {
		return body
	}
	if !gjson.ValidBytes(body) {
		return body
	}

	var paths []string
	r.collect(gjson.ParseBytes(body), "", &paths)
	if len(paths) == 0 {
		return body
	}

	out := body
	for _, p := range paths {
		masked, err := sjson.SetBytes(out, p, RedactedValue)
		if err != nil {
			continue
		}
		out = masked
	}
	return out
}

func (r *Redactor) collect(v gjson.Result, prefix string, paths *[]string) {
	switch {
	case v.IsObject():
		v.ForEach(func(key, val gjson.Result) bool {
			p := joinPath(prefix, escapePathComponent(key.String()))
			if _, ok := r.keys[strings.ToLower(key.String())]; ok {
				*paths = append(*paths, p)
				return true
			}
			r.collect(val, p, paths)
			return true
		})
	case v.IsArray():
		i := 0
		v.ForEach(func(_, val gjson.Result) bool {
			r.collect(val, joinPath(prefix, strconv.Itoa(i)), paths)
			i++
			return true
		})
	}
}

func joinPath(prefix, part string) string {
	if prefix == "" {
		return part
	}
	return prefix + "." + part
}

// escapePathComponent escapes gjson/sjson path metacharacters.
func escapePathComponent(s string) string {
	var sb strings.Builder
	for _, c := range s {
		switch c {
		case '.', '*', '?', '|', '#', '@', '\\', '!', '=', '<', '>', '%':
			sb.WriteByte('\\')
		}
		sb.WriteRune(c)
	}
	return sb.String()
}
