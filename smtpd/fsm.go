package smtpd

import (
	"net"

	"github.com/MagomeYae/mailin-insecure/internal/set"
)

// TlsState is one of the three TLS capability states (§3).
type TlsState int

const (
	TlsUnavailable TlsState = iota
	TlsInactive
	TlsActive
)

// AuthState is one of the three SASL capability states (§3).
type AuthState int

const (
	AuthUnavailable AuthState = iota
	AuthRequiresAuth
	AuthAuthenticated
)

// phaseKind tags the current node of the session automaton (§4.3). Eight
// states: Invalid is only reached after a Close response or a protocol
// violation and rejects every further command with INVALID_STATE.
type phaseKind int

const (
	phaseInvalid phaseKind = iota
	phaseIdle
	phaseHello
	phaseHelloAuth
	phaseAuth
	phaseMail
	phaseRcpt
	phaseData
)

// phase is the tagged variant carrying only the fields valid for its kind
// (§9 "State as tagged variant"). A single dispatch function maps
// (phase, Command) -> (Response, phase).
type phase struct {
	kind phaseKind

	domain string // Hello, HelloAuth, Auth, Mail, Rcpt, Data

	mechanism string // Auth: "PLAIN" or "LOGIN"
	username  string // Auth/LOGIN: username captured on the first leg

	reversePath string   // Mail, Rcpt, Data
	is8bit      bool     // Mail, Rcpt, Data
	forwardPath []string // Rcpt, Data

	hasError bool  // Data: set once handler.Data has reported an error
	state    State // Data: the handler's DataStart token
}

// StateMachine is the per-connection session automaton (§4). It owns
// capability state and the current phase; it never touches the network —
// that is Conn's job (see conn.go).
type StateMachine struct {
	IP      net.Addr
	Handler Handler

	ServerName string

	AuthMechanisms             set.String
	InsecureAllowPlaintextAuth bool

	authState AuthState
	tlsState  TlsState

	cur phase
}

// NewStateMachine builds a StateMachine in its initial Idle phase.
// authRequired controls the AuthState: Unavailable if mechanisms is empty,
// else RequiresAuth until a successful AUTH exchange flips it to
// Authenticated (§6.3 "auth_mechanisms: subset of {PLAIN, LOGIN}. Empty =>
// AuthState=Unavailable").
func NewStateMachine(ip net.Addr, h Handler, serverName string, mechanisms set.String, allowStartTLS, insecureAllowPlaintextAuth bool) *StateMachine {
	authState := AuthUnavailable
	if mechanisms.Len() > 0 {
		authState = AuthRequiresAuth
	}
	tls := TlsUnavailable
	if allowStartTLS {
		tls = TlsInactive
	}
	return &StateMachine{
		IP:                         ip,
		Handler:                    h,
		ServerName:                 serverName,
		AuthMechanisms:             mechanisms,
		InsecureAllowPlaintextAuth: insecureAllowPlaintextAuth,
		authState:                  authState,
		tlsState:                   tls,
		cur:                        phase{kind: phaseIdle},
	}
}

// AllowAuth reports whether AUTH commands may be accepted at all: either
// TLS is active, or the embedder explicitly opted into plaintext auth
// (§3 "Invariant (authorization gate)").
func (sm *StateMachine) AllowAuth() bool {
	return sm.InsecureAllowPlaintextAuth || sm.tlsState == TlsActive
}

func (sm *StateMachine) allowAuthPlain() bool {
	return sm.AllowAuth() && sm.AuthMechanisms.Has("PLAIN")
}

func (sm *StateMachine) allowAuthLogin() bool {
	return sm.AllowAuth() && sm.AuthMechanisms.Has("LOGIN")
}

// expectingSaslContinuation reports whether the next client line must
// bypass the ordinary command parser and instead be decoded whole as a
// base64 SASL continuation (§9 "Auth parser override").
func (sm *StateMachine) expectingSaslContinuation() bool {
	return sm.cur.kind == phaseAuth
}

// inData reports whether the next client line is DATA payload subject to
// dot-unstuffing and the ".\r\n" terminator rather than an SMTP command.
func (sm *StateMachine) inData() bool {
	return sm.cur.kind == phaseData
}

// ParseLine turns one CRLF-stripped client line into a Command, honoring
// the Auth-phase and Data-phase line-parsing overrides (§4.3, §9).
func (sm *StateMachine) ParseLine(line string) (Command, *Response) {
	switch {
	case sm.inData():
		return parseDataLine(line)
	case sm.expectingSaslContinuation():
		return parseAuthResponse(line)
	default:
		return parse(line)
	}
}

// parseDataLine implements the DATA-phase line override: the literal line
// ".\r\n" (here just "." once CRLF has been stripped) is DataEnd; any other
// line has exactly one leading dot stripped and is forwarded whole,
// including its own trailing payload, to the handler (§6.1 dot-stuffing,
// §8 invariant 5).
func parseDataLine(line string) (Command, *Response) {
	if line == "." {
		return Command{Kind: CmdDataEnd}, nil
	}
	unstuffed := line
	if len(line) > 0 && line[0] == '.' {
		unstuffed = line[1:]
	}
	return Command{Kind: CmdDataPayload, Response: []byte(unstuffed)}, nil
}

// Command feeds one parsed Command into the automaton and returns the
// Response, applying the shared decision rules (§4.3 "Decision rules
// shared by all transitions"): Close terminates and further commands see
// INVALID_STATE; an error response never changes phase; otherwise the
// declared successor phase is entered.
func (sm *StateMachine) Command(cmd Command) Response {
	if sm.cur.kind == phaseInvalid {
		return INVALID_STATE
	}

	resp, next := sm.dispatch(cmd)

	if resp.Action == Close {
		sm.cur = phase{kind: phaseInvalid}
		return resp
	}
	if resp.IsError() {
		return resp
	}
	sm.cur = next
	return resp
}

// StartedTls drives the internal StartedTls marker after a successful TLS
// handshake: resets to Idle, clears any envelope, and clears auth state
// back to RequiresAuth/Unavailable as configured (§5 "After TLS upgrade,
// the SSM is reset to Idle and prior envelope/auth state is cleared").
func (sm *StateMachine) StartedTls() {
	sm.tlsState = TlsActive
	if sm.AuthMechanisms.Len() > 0 {
		sm.authState = AuthRequiresAuth
	}
	sm.cur = phase{kind: phaseIdle}
}

// dispatch is the per-phase transition table (§4.3). NOOP and QUIT are
// handled uniformly across every live phase before the per-phase switch.
func (sm *StateMachine) dispatch(cmd Command) (Response, phase) {
	if cmd.Kind == CmdQuit {
		return GOODBYE, phase{kind: phaseInvalid}
	}
	if cmd.Kind == CmdNoop {
		return OK, sm.cur
	}

	switch sm.cur.kind {
	case phaseIdle:
		return sm.dispatchIdle(cmd)
	case phaseHello:
		return sm.dispatchHello(cmd)
	case phaseHelloAuth:
		return sm.dispatchHelloAuth(cmd)
	case phaseAuth:
		return sm.dispatchAuth(cmd)
	case phaseMail:
		return sm.dispatchMail(cmd)
	case phaseRcpt:
		return sm.dispatchRcpt(cmd)
	case phaseData:
		return sm.dispatchData(cmd)
	default:
		return INVALID_STATE, phase{kind: phaseInvalid}
	}
}

// helloSuccessor picks Hello vs HelloAuth for a given domain, depending on
// whether authentication is still outstanding.
func (sm *StateMachine) helloSuccessor(domain string) phase {
	if sm.authState == AuthRequiresAuth {
		return phase{kind: phaseHelloAuth, domain: domain}
	}
	return phase{kind: phaseHello, domain: domain}
}

func (sm *StateMachine) dispatchIdle(cmd Command) (Response, phase) {
	switch cmd.Kind {
	case CmdStartedTls:
		return EMPTY_RESPONSE, sm.cur
	case CmdHelo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return resp, sm.helloSuccessor(cmd.Domain)
	case CmdEhlo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return sm.ehloResponse(), sm.helloSuccessor(cmd.Domain)
	case CmdRset:
		return OK, sm.cur
	default:
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}
}

func (sm *StateMachine) dispatchHello(cmd Command) (Response, phase) {
	switch cmd.Kind {
	case CmdHelo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return resp, sm.helloSuccessor(cmd.Domain)
	case CmdEhlo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return sm.ehloResponse(), sm.helloSuccessor(cmd.Domain)
	case CmdMail:
		resp := sm.Handler.Mail(sm.IP, sm.cur.domain, cmd.ReversePath)
		if resp.IsError() {
			return resp, sm.cur
		}
		return resp, phase{kind: phaseMail, domain: sm.cur.domain,
			reversePath: cmd.ReversePath, is8bit: cmd.Is8Bit}
	case CmdStartTls:
		if sm.tlsState != TlsInactive {
			return BAD_SEQUENCE_COMMANDS, sm.cur
		}
		return START_TLS, phase{kind: phaseIdle}
	case CmdVrfy:
		return VERIFY_RESPONSE, sm.cur
	case CmdRset:
		return OK, sm.helloSuccessor(sm.cur.domain)
	default:
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}
}

func (sm *StateMachine) dispatchHelloAuth(cmd Command) (Response, phase) {
	switch cmd.Kind {
	case CmdHelo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return resp, sm.helloSuccessor(cmd.Domain)
	case CmdEhlo:
		resp := sm.Handler.Helo(sm.IP, cmd.Domain)
		if resp.IsError() {
			return resp, sm.cur
		}
		return sm.ehloResponse(), sm.helloSuccessor(cmd.Domain)
	case CmdStartTls:
		// Unconditional, per the HelloAuth transition table: unlike Hello's
		// "iff TlsState=Inactive", HelloAuth imposes no guard here.
		return START_TLS, phase{kind: phaseIdle}
	case CmdAuthPlain:
		if !sm.allowAuthPlain() {
			return BAD_SEQUENCE_COMMANDS, sm.cur
		}
		return sm.finishAuthPlain(cmd.AuthzID, cmd.AuthnID, cmd.Password)
	case CmdAuthPlainEmpty:
		if !sm.allowAuthPlain() {
			return BAD_SEQUENCE_COMMANDS, sm.cur
		}
		return EMPTY_AUTH_CHALLENGE, phase{kind: phaseAuth,
			domain: sm.cur.domain, mechanism: "PLAIN"}
	case CmdAuthLogin:
		if !sm.allowAuthLogin() {
			return BAD_SEQUENCE_COMMANDS, sm.cur
		}
		return PASSWORD_CHALLENGE, phase{kind: phaseAuth,
			domain: sm.cur.domain, mechanism: "LOGIN", username: cmd.Username}
	case CmdAuthLoginEmpty:
		if !sm.allowAuthLogin() {
			return BAD_SEQUENCE_COMMANDS, sm.cur
		}
		return USERNAME_CHALLENGE, phase{kind: phaseAuth,
			domain: sm.cur.domain, mechanism: "LOGIN"}
	case CmdMail:
		return AUTH_REQUIRED, sm.cur
	case CmdRset:
		return OK, sm.cur
	default:
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}
}

// finishAuthPlain invokes the handler and applies the success/failure
// transition shared by the one-shot "AUTH PLAIN <b64>" form and the
// Auth-phase PLAIN continuation (§4.3 HelloAuth/Auth).
func (sm *StateMachine) finishAuthPlain(authzID, authnID, password string) (Response, phase) {
	resp := sm.Handler.AuthPlain(authzID, authnID, password)
	if resp.Code == 235 {
		sm.authState = AuthAuthenticated
		return resp, phase{kind: phaseHello, domain: sm.cur.domain}
	}
	return resp, phase{kind: phaseHelloAuth, domain: sm.cur.domain}
}

// finishAuthLogin is the LOGIN counterpart of finishAuthPlain, invoked
// once both username and password legs have been collected.
func (sm *StateMachine) finishAuthLogin(username, password string) (Response, phase) {
	resp := sm.Handler.AuthLogin(username, password)
	if resp.Code == 235 {
		sm.authState = AuthAuthenticated
		return resp, phase{kind: phaseHello, domain: sm.cur.domain}
	}
	return resp, phase{kind: phaseHelloAuth, domain: sm.cur.domain}
}

// dispatchAuth handles the SASL continuation legs. Per §4.3 "Auth", a
// malformed continuation (bad base64) is treated as 501 and returns the
// session to HelloAuth rather than re-prompting.
func (sm *StateMachine) dispatchAuth(cmd Command) (Response, phase) {
	if cmd.Kind != CmdAuthResponse {
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}

	switch sm.cur.mechanism {
	case "PLAIN":
		authz, authn, pass, err := decodeSaslPlainBytes(cmd.Response)
		if err != nil {
			return SYNTAX_ERROR_PARAMS, phase{kind: phaseHelloAuth, domain: sm.cur.domain}
		}
		return sm.finishAuthPlain(authz, authn, pass)

	case "LOGIN":
		if sm.cur.username == "" {
			return PASSWORD_CHALLENGE, phase{kind: phaseAuth,
				domain: sm.cur.domain, mechanism: "LOGIN",
				username: string(cmd.Response)}
		}
		return sm.finishAuthLogin(sm.cur.username, string(cmd.Response))

	default:
		return INVALID_STATE, phase{kind: phaseInvalid}
	}
}

func (sm *StateMachine) dispatchMail(cmd Command) (Response, phase) {
	switch cmd.Kind {
	case CmdRcpt:
		resp := sm.Handler.Rcpt(cmd.ForwardPath)
		if resp.IsError() {
			return resp, sm.cur
		}
		return resp, phase{kind: phaseRcpt, domain: sm.cur.domain,
			reversePath: sm.cur.reversePath, is8bit: sm.cur.is8bit,
			forwardPath: []string{cmd.ForwardPath}}
	case CmdRset:
		return OK, sm.helloSuccessor(sm.cur.domain)
	default:
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}
}

func (sm *StateMachine) dispatchRcpt(cmd Command) (Response, phase) {
	switch cmd.Kind {
	case CmdRcpt:
		resp := sm.Handler.Rcpt(cmd.ForwardPath)
		if resp.IsError() {
			return resp, sm.cur
		}
		next := sm.cur
		next.forwardPath = append(append([]string{}, sm.cur.forwardPath...), cmd.ForwardPath)
		return resp, next
	case CmdData:
		state, errResp := sm.Handler.DataStart(sm.cur.domain, sm.cur.reversePath,
			sm.cur.is8bit, sm.cur.forwardPath)
		if errResp != nil {
			return *errResp, sm.cur
		}
		return START_DATA, phase{kind: phaseData, domain: sm.cur.domain,
			reversePath: sm.cur.reversePath, is8bit: sm.cur.is8bit,
			forwardPath: sm.cur.forwardPath, state: state}
	case CmdRset:
		return OK, sm.helloSuccessor(sm.cur.domain)
	default:
		return BAD_SEQUENCE_COMMANDS, sm.cur
	}
}

// dispatchData is a defensive fallback: in normal operation the driver
// never calls Command with a phaseData current phase, since ParseLine
// only ever yields CmdDataPayload or CmdDataEnd while in Data, and the
// driver routes both directly to Data/DataEnd (see conn.go), bypassing the
// generic ok/error/close decision rule entirely. DataEnd in particular
// must transition to Hello unconditionally even when handler.DataEnd
// returns an error response (§4.3 "Transition → Hello{domain}" is
// unconditional here, unlike the general rule), which the generic
// Command() dispatch cannot express.
func (sm *StateMachine) dispatchData(cmd Command) (Response, phase) {
	return BAD_SEQUENCE_COMMANDS, sm.cur
}

// DataEnd ends the Data phase: if the phase was poisoned by an earlier
// handler.Data error, the client sees EMPTY_RESPONSE (the error having
// already been reported once); otherwise handler.DataEnd's response is
// used verbatim. Either way the phase unconditionally returns to Hello
// (§4.3 Data, §8 property 4: data_end is invoked at most once per
// data_start). Called directly by the driver, not through Command, since
// the transition must happen regardless of whether the response is an
// error (see dispatchData).
func (sm *StateMachine) DataEnd() Response {
	if sm.cur.kind != phaseData {
		return BAD_SEQUENCE_COMMANDS
	}

	domain := sm.cur.domain
	var resp Response
	if sm.cur.hasError {
		resp = EMPTY_RESPONSE
	} else {
		resp = sm.Handler.DataEnd(sm.cur.state)
	}
	sm.cur = phase{kind: phaseHello, domain: domain}
	return resp
}

// Data delivers one dot-unstuffed payload line to the handler during the
// Data phase. It is called by the driver directly, bypassing Command's
// generic error/close handling, because a data-write error must poison the
// phase (has_error=true) without reverting it and must be reported exactly
// once (§7 "Poisoning of DATA ensures the handler's error is reported
// exactly once").
func (sm *StateMachine) Data(line []byte) Response {
	if sm.cur.kind != phaseData {
		return BAD_SEQUENCE_COMMANDS
	}
	if sm.cur.hasError {
		return EMPTY_RESPONSE
	}
	if resp := sm.Handler.Data(sm.cur.state, line); resp != nil {
		sm.cur.hasError = true
		return TRANSACTION_FAILED
	}
	return EMPTY_RESPONSE
}

// ehloResponse builds the multi-line EHLO capability list (§4.2
// "EHLO_LIST"): always advertises 8BITMIME, STARTTLS iff TlsState=Inactive,
// AUTH iff allow_auth() is true, listing only configured mechanisms.
func (sm *StateMachine) ehloResponse() Response {
	extra := []string{"8BITMIME"}
	if sm.tlsState == TlsInactive {
		extra = append(extra, "STARTTLS")
	}
	if sm.AllowAuth() && sm.AuthMechanisms.Len() > 0 {
		mechs := ""
		if sm.AuthMechanisms.Has("PLAIN") {
			mechs += "PLAIN "
		}
		if sm.AuthMechanisms.Has("LOGIN") {
			mechs += "LOGIN"
		}
		extra = append(extra, "AUTH "+trimTrailingSpace(mechs))
	}
	title := sm.ServerName + " offers extensions:"
	return dynamicResponse(250, title, extra)
}

func trimTrailingSpace(s string) string {
	for len(s) > 0 && s[len(s)-1] == ' ' {
		s = s[:len(s)-1]
	}
	return s
}
