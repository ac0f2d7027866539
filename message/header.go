package message

import "strings"

// knownHeaders recognizes the header names the spec calls out as typed
// events (§4.4); anything else is still emitted, just without special
// handling beyond Name/Value.
var knownHeaders = map[string]bool{
	"subject":                  true,
	"from":                     true,
	"to":                       true,
	"date":                     true,
	"message-id":               true,
	"content-type":             true,
	"content-transfer-encoding": true,
	"content-disposition":      true,
}

// Header is one RFC-822-style header field, "Name: value", with
// continuation lines already folded into Value by HeaderBuffer.
type Header struct {
	Name  string
	Value string

	// Known reports whether Name is one of the fields the spec calls out
	// by name (Subject, From, To, Date, Message-ID, Content-Type,
	// Content-Transfer-Encoding, Content-Disposition); §4.4 emits these as
	// typed events, everything else generically. ContentType is the only
	// field carrying further structure today — the other six are Known but
	// otherwise plain Name/Value, which is enough for a handler to type-switch
	// on Name without scanning every header in the message.
	Known bool

	// ContentType is populated iff Name is "Content-Type"; see
	// parseContentType.
	ContentType *ContentType
}

// ContentType is the parsed form of a "Content-Type: type/subtype;
// key=value; ..." header (§4.4 "Content-Type parsing").
type ContentType struct {
	// Type is the full "type/subtype" token, lowercased.
	Type string
	// Params is the key=value parameter map, quoted-string aware.
	Params map[string]string
}

// IsMultipart reports whether this Content-Type names a multipart/* type.
func (ct *ContentType) IsMultipart() bool {
	return strings.HasPrefix(ct.Type, "multipart/")
}

// Subtype returns the part of Type after "multipart/", e.g. "mixed" for
// "multipart/mixed". Only meaningful when IsMultipart is true.
func (ct *ContentType) Subtype() string {
	i := strings.IndexByte(ct.Type, '/')
	if i < 0 {
		return ct.Type
	}
	return ct.Type[i+1:]
}

// parseHeaderLine tokenizes one already-unfolded logical header line of
// the form "Name: value" (or "Name:value"). Returns nil if the line has no
// colon (malformed; the parser treats it as a continuation of the prior
// header or as an opaque line depending on state).
func parseHeaderLine(line string) *Header {
	i := strings.IndexByte(line, ':')
	if i < 0 {
		return nil
	}
	name := strings.TrimSpace(line[:i])
	value := strings.TrimSpace(line[i+1:])

	h := &Header{Name: name, Value: value, Known: isKnownHeader(name)}
	if strings.EqualFold(name, "content-type") {
		h.ContentType = parseContentType(value)
	}
	return h
}

// isKnownHeader reports whether name is one of the header fields the spec
// names explicitly (case-insensitive).
func isKnownHeader(name string) bool {
	return knownHeaders[strings.ToLower(name)]
}

// parseContentType parses "type/subtype; key=value; key2="quoted value""
// into a ContentType, tolerating quoted parameter values and surrounding
// whitespace. Unparseable trailing parameters are skipped rather than
// failing the whole header, mirroring the original mime-event crate's
// leniency for real-world mail.
func parseContentType(value string) *ContentType {
	parts := splitUnquoted(value, ';')
	if len(parts) == 0 {
		return &ContentType{Type: "", Params: map[string]string{}}
	}

	ct := &ContentType{
		Type:   strings.ToLower(strings.TrimSpace(parts[0])),
		Params: map[string]string{},
	}

	for _, p := range parts[1:] {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		eq := strings.IndexByte(p, '=')
		if eq < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(p[:eq]))
		val := strings.TrimSpace(p[eq+1:])
		val = strings.Trim(val, `"`)
		ct.Params[key] = val
	}

	return ct
}

// splitUnquoted splits s on sep, ignoring occurrences of sep inside
// double-quoted spans, so a boundary value containing ';' (legal inside
// quotes) doesn't get cut in half.
func splitUnquoted(s string, sep byte) []string {
	var out []string
	start := 0
	inQuotes := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			inQuotes = !inQuotes
		case sep:
			if !inQuotes {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}
