package smtpd

import (
	"strings"
)

// CmdKind tags the variant carried by a Command.
type CmdKind int

const (
	CmdHelo CmdKind = iota
	CmdEhlo
	CmdMail
	CmdRcpt
	CmdData
	CmdDataPayload // DATA-phase payload line, produced only by parseDataLine
	CmdDataEnd
	CmdRset
	CmdQuit
	CmdNoop
	CmdVrfy
	CmdStartTls
	CmdStartedTls // internal marker, never produced by parse()
	CmdAuthPlain
	CmdAuthPlainEmpty
	CmdAuthLogin
	CmdAuthLoginEmpty
	CmdAuthResponse
)

// Command is the tagged-variant result of parsing one line. Only the
// fields relevant to Kind are populated; see spec §3 "Command".
type Command struct {
	Kind CmdKind

	Domain string // Helo, Ehlo, AuthLogin (holds username there instead)

	ReversePath string // Mail
	Is8Bit      bool   // Mail

	ForwardPath string // Rcpt

	AuthzID   string // AuthPlain
	AuthnID   string // AuthPlain
	Password  string // AuthPlain

	Username string // AuthLogin (empty if not yet supplied)

	Response []byte // AuthResponse: raw decoded SASL response bytes
}

// parse turns one CRLF-stripped command line into a Command, or a protocol
// error Response on syntactic failure (§4.1). Pure function, no session
// state; callers own copying any borrowed substrings before storing them in
// longer-lived session state (see SPEC_FULL.md "Line parser ownership").
func parse(line string) (Command, *Response) {
	verb, rest := splitVerb(line)
	upper := strings.ToUpper(verb)

	switch upper {
	case "HELO":
		d := strings.TrimSpace(rest)
		if d == "" {
			r := SYNTAX_ERROR_PARAMS
			return Command{}, &r
		}
		return Command{Kind: CmdHelo, Domain: d}, nil

	case "EHLO":
		d := strings.TrimSpace(rest)
		if d == "" {
			r := SYNTAX_ERROR_PARAMS
			return Command{}, &r
		}
		return Command{Kind: CmdEhlo, Domain: d}, nil

	case "MAIL":
		return parseMail(rest)

	case "RCPT":
		return parseRcpt(rest)

	case "DATA":
		return Command{Kind: CmdData}, nil

	case "RSET":
		return Command{Kind: CmdRset}, nil

	case "QUIT":
		return Command{Kind: CmdQuit}, nil

	case "NOOP":
		return Command{Kind: CmdNoop}, nil

	case "VRFY":
		return Command{Kind: CmdVrfy}, nil

	case "STARTTLS":
		return Command{Kind: CmdStartTls}, nil

	case "AUTH":
		return parseAuth(rest)

	default:
		r := SYNTAX_ERROR
		return Command{}, &r
	}
}

// splitVerb splits "VERB rest..." on the first run of whitespace.
func splitVerb(line string) (verb, rest string) {
	line = strings.TrimRight(line, " \t")
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeft(line[i+1:], " \t")
}

// parseMail parses "FROM:<path> [BODY=8BITMIME] [...]".
func parseMail(rest string) (Command, *Response) {
	if !hasFoldedPrefix(rest, "FROM:") {
		r := SYNTAX_ERROR_PARAMS
		return Command{}, &r
	}
	rest = rest[len("FROM:"):]

	path, params, err := splitPathAndParams(rest)
	if err != nil {
		r := SYNTAX_ERROR_PARAMS
		return Command{}, &r
	}

	is8bit := false
	for _, p := range strings.Fields(params) {
		if strings.EqualFold(p, "BODY=8BITMIME") {
			is8bit = true
		}
	}

	return Command{Kind: CmdMail, ReversePath: path, Is8Bit: is8bit}, nil
}

// parseRcpt parses "TO:<path> [...]".
func parseRcpt(rest string) (Command, *Response) {
	if !hasFoldedPrefix(rest, "TO:") {
		r := SYNTAX_ERROR_PARAMS
		return Command{}, &r
	}
	rest = rest[len("TO:"):]

	path, _, err := splitPathAndParams(rest)
	if err != nil {
		r := SYNTAX_ERROR_PARAMS
		return Command{}, &r
	}

	return Command{Kind: CmdRcpt, ForwardPath: path}, nil
}

// splitPathAndParams extracts the "<...>" path from the front of s
// (tolerating a bare, unbracketed token for the null sender "<>" case) and
// returns the remaining parameter text.
func splitPathAndParams(s string) (path, params string, err error) {
	s = strings.TrimLeft(s, " ")
	if s == "" {
		return "", "", errBadPath
	}

	if s[0] == '<' {
		end := strings.IndexByte(s, '>')
		if end < 0 {
			return "", "", errBadPath
		}
		path = s[:end+1]
		params = strings.TrimSpace(s[end+1:])
		return path, params, nil
	}

	// Tolerate a bare, unbracketed address (some clients omit the angle
	// brackets); take the first whitespace-delimited token as the path.
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", "", errBadPath
	}
	path = fields[0]
	params = strings.TrimSpace(s[len(path):])
	return path, params, nil
}

// hasFoldedPrefix reports whether s starts with prefix, case-insensitively.
func hasFoldedPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

// parseAuth parses "PLAIN", "PLAIN <b64>", "LOGIN", "LOGIN <b64>".
func parseAuth(rest string) (Command, *Response) {
	mech, arg := splitVerb(rest)
	mech = strings.ToUpper(mech)

	switch mech {
	case "PLAIN":
		if arg == "" {
			return Command{Kind: CmdAuthPlainEmpty}, nil
		}
		authz, authn, pass, err := decodeSaslPlain(arg)
		if err != nil {
			r := SYNTAX_ERROR_PARAMS
			return Command{}, &r
		}
		return Command{Kind: CmdAuthPlain,
			AuthzID: authz, AuthnID: authn, Password: pass}, nil

	case "LOGIN":
		if arg == "" {
			return Command{Kind: CmdAuthLoginEmpty}, nil
		}
		user, err := decodeSaslBytes(arg)
		if err != nil {
			r := SYNTAX_ERROR_PARAMS
			return Command{}, &r
		}
		return Command{Kind: CmdAuthLogin, Username: string(user)}, nil

	default:
		r := AUTH_MECHANISM_UNSUPPORTED
		return Command{}, &r
	}
}

// parseAuthResponse decodes a raw continuation line (sent while the session
// is in the Auth phase, where ordinary command parsing is bypassed per
// spec §4.3 "Auth").
func parseAuthResponse(line string) (Command, *Response) {
	b, err := decodeSaslBytes(line)
	if err != nil {
		r := SYNTAX_ERROR_PARAMS
		return Command{}, &r
	}
	return Command{Kind: CmdAuthResponse, Response: b}, nil
}
