package smtpd

import "net"

// State is an opaque token returned by DataStart and threaded back through
// Data and DataEnd for the duration of one DATA phase. Handlers typically
// embed an open file or buffer in a concrete type and type-assert it back
// in Data/DataEnd. The core never inspects it.
type State interface{}

// Handler is the contract an embedder implements for policy decisions and
// message persistence (§6.2). All methods may block on filesystem or DNS
// I/O; the driver calls them synchronously and does not invoke data_start
// concurrently for the same session. Handlers may be shared across
// sessions and must be safe for concurrent use, same as the teacher's
// courier/auth backends are shared across chasquid connections.
//
// DefaultHandler embeds into a caller's type to get OK-returning defaults
// for every method, so an embedder only needs to override what it cares
// about.
type Handler interface {
	// Helo is called once HELO/EHLO has been parsed, before the domain is
	// accepted. Returning an error Response rejects the greeting.
	Helo(ip net.Addr, domain string) Response

	// AuthPlain validates a SASL PLAIN identity. Must return a Response
	// with Code 235 for success; any other code is treated as failure.
	AuthPlain(authzID, authnID, password string) Response

	// AuthLogin validates a SASL LOGIN identity. Same success contract as
	// AuthPlain.
	AuthLogin(username, password string) Response

	// Mail is called once MAIL FROM has been parsed.
	Mail(ip net.Addr, domain, reversePath string) Response

	// Rcpt is called once per RCPT TO.
	Rcpt(forwardPath string) Response

	// DataStart is called when DATA begins, after all recipients have been
	// accepted. A non-nil error Response aborts the DATA phase without
	// calling Data or DataEnd. On success the returned State is threaded
	// through Data/DataEnd for this DATA phase only.
	DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (State, *Response)

	// Data delivers one dot-unstuffed line of message payload (including
	// its trailing CRLF). An error Response poisons the remainder of the
	// phase: the driver stops invoking Data for subsequent lines but still
	// calls DataEnd.
	Data(state State, line []byte) *Response

	// DataEnd is called exactly once per successful DataStart, whether or
	// not Data ever reported an error, so the handler can always release
	// resources tied to state.
	DataEnd(state State) Response
}

// DefaultHandler implements Handler with OK-returning defaults for every
// method (§6.2 "Default implementations return OK"). Embed it and override
// only the methods a particular embedder cares about.
type DefaultHandler struct{}

func (DefaultHandler) Helo(ip net.Addr, domain string) Response { return OK }

func (DefaultHandler) AuthPlain(authzID, authnID, password string) Response { return AUTH_OK }

func (DefaultHandler) AuthLogin(username, password string) Response { return AUTH_OK }

func (DefaultHandler) Mail(ip net.Addr, domain, reversePath string) Response { return OK }

func (DefaultHandler) Rcpt(forwardPath string) Response { return OK }

func (DefaultHandler) DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (State, *Response) {
	return nil, nil
}

func (DefaultHandler) Data(state State, line []byte) *Response { return nil }

func (DefaultHandler) DataEnd(state State) Response { return OK }
