package smtpd

import (
	"net"
	"testing"

	"github.com/MagomeYae/mailin-insecure/internal/set"
)

type recordingHandler struct {
	DefaultHandler

	heloErr   *Response
	mailErr   *Response
	rcptErr   *Response
	authOK    bool
	dataErr   *Response
	dataLines [][]byte
}

func (h *recordingHandler) Helo(ip net.Addr, domain string) Response {
	if h.heloErr != nil {
		return *h.heloErr
	}
	return OK
}

func (h *recordingHandler) Mail(ip net.Addr, domain, reversePath string) Response {
	if h.mailErr != nil {
		return *h.mailErr
	}
	return OK
}

func (h *recordingHandler) Rcpt(forwardPath string) Response {
	if h.rcptErr != nil {
		return *h.rcptErr
	}
	return OK
}

func (h *recordingHandler) AuthPlain(authzID, authnID, password string) Response {
	if h.authOK {
		return AUTH_OK
	}
	return AUTH_FAILED
}

func (h *recordingHandler) AuthLogin(username, password string) Response {
	if h.authOK {
		return AUTH_OK
	}
	return AUTH_FAILED
}

func (h *recordingHandler) DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (State, *Response) {
	return "state-token", nil
}

func (h *recordingHandler) Data(state State, line []byte) *Response {
	h.dataLines = append(h.dataLines, append([]byte{}, line...))
	return h.dataErr
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func newTestSM(h Handler, mechanisms ...string) *StateMachine {
	return NewStateMachine(fakeAddr("10.0.0.1:1234"), h, "mx.example.org",
		*set.NewString(mechanisms...), true, false)
}

func TestIdlePhaseRejectsOutOfOrder(t *testing.T) {
	sm := newTestSM(&recordingHandler{})
	resp := sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS", resp)
	}
}

func TestHeloThenMailThenRcptThenData(t *testing.T) {
	h := &recordingHandler{}
	sm := newTestSM(h)

	if resp := sm.Command(Command{Kind: CmdHelo, Domain: "client.example"}); resp.IsError() {
		t.Fatalf("HELO: %v", resp)
	}
	if resp := sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"}); resp.IsError() {
		t.Fatalf("MAIL: %v", resp)
	}
	if resp := sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<d@e.f>"}); resp.IsError() {
		t.Fatalf("RCPT: %v", resp)
	}
	resp := sm.Command(Command{Kind: CmdData})
	if resp.Code != START_DATA.Code {
		t.Fatalf("DATA: got %v, want START_DATA", resp)
	}
	if !sm.inData() {
		t.Fatalf("expected phase Data after DATA")
	}

	if r := sm.Data([]byte("Subject: hi\r\n")); r.Action != NoReply {
		t.Errorf("Data: got %v, want NoReply", r)
	}
	final := sm.DataEnd()
	if final.Code != OK.Code {
		t.Errorf("DataEnd: got %v, want OK", final)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("expected return to Hello after DataEnd, got phase %v", sm.cur.kind)
	}
	if len(h.dataLines) != 1 || string(h.dataLines[0]) != "Subject: hi\r\n" {
		t.Errorf("unexpected recorded data: %q", h.dataLines)
	}
}

func TestHeloRejectionKeepsIdlePhase(t *testing.T) {
	reject := Response{Code: 550, Lines: []string{"go away"}, Action: Reply}
	h := &recordingHandler{heloErr: &reject}
	sm := newTestSM(h)

	resp := sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	if resp.Code != 550 {
		t.Fatalf("got %v, want 550", resp)
	}
	if sm.cur.kind != phaseIdle {
		t.Errorf("phase should remain Idle after rejected HELO, got %v", sm.cur.kind)
	}
}

func TestMailBeforeAuthRequired(t *testing.T) {
	sm := newTestSM(&recordingHandler{}, "PLAIN", "LOGIN")
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	resp := sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})
	if resp.Code != AUTH_REQUIRED.Code {
		t.Errorf("got %v, want AUTH_REQUIRED", resp)
	}
}

func TestAuthPlainOneShotSuccess(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "PLAIN")
	sm.tlsState = TlsActive // allow auth without STARTTLS in this unit test
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	resp := sm.Command(Command{Kind: CmdAuthPlain, AuthnID: "user", Password: "pass"})
	if resp.Code != 235 {
		t.Fatalf("got %v, want 235", resp)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("expected Hello phase after successful auth, got %v", sm.cur.kind)
	}

	// MAIL is now allowed.
	if resp := sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"}); resp.IsError() {
		t.Errorf("MAIL after auth: %v", resp)
	}
}

func TestAuthPlainOneShotFailureReturnsToHelloAuth(t *testing.T) {
	h := &recordingHandler{authOK: false}
	sm := newTestSM(h, "PLAIN")
	sm.tlsState = TlsActive
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	resp := sm.Command(Command{Kind: CmdAuthPlain, AuthnID: "user", Password: "wrong"})
	if resp.Code != AUTH_FAILED.Code {
		t.Fatalf("got %v, want AUTH_FAILED", resp)
	}
	if sm.cur.kind != phaseHelloAuth {
		t.Errorf("expected HelloAuth phase after failed auth, got %v", sm.cur.kind)
	}
}

func TestAuthMechanismDisabledRejected(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "LOGIN") // PLAIN not configured
	sm.tlsState = TlsActive
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	// A guard-gated arm whose guard fails falls through to the state's
	// generic "unlisted command" rule, not AUTH_MECHANISM_UNSUPPORTED
	// (which is for a command-level unknown mechanism like CRAM-MD5).
	resp := sm.Command(Command{Kind: CmdAuthPlainEmpty})
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS", resp)
	}
}

func TestAuthRequiresTlsByDefault(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "PLAIN") // tlsState stays Inactive, InsecureAllowPlaintextAuth false
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	resp := sm.Command(Command{Kind: CmdAuthPlain, AuthnID: "user", Password: "pass"})
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS (AllowAuth gate), got %v", resp)
	}
}

func TestAuthLoginTwoLegFlow(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "LOGIN")
	sm.tlsState = TlsActive
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})

	resp := sm.Command(Command{Kind: CmdAuthLoginEmpty})
	if resp.Code != USERNAME_CHALLENGE.Code {
		t.Fatalf("got %v, want USERNAME_CHALLENGE", resp)
	}
	if !sm.expectingSaslContinuation() {
		t.Fatalf("expected Auth phase after AUTH LOGIN challenge")
	}

	cmd, parseErr := sm.ParseLine(encodeSasl([]byte("myuser")))
	if parseErr != nil {
		t.Fatalf("parsing username continuation: %v", parseErr)
	}
	resp = sm.Command(cmd)
	if resp.Code != PASSWORD_CHALLENGE.Code {
		t.Fatalf("got %v, want PASSWORD_CHALLENGE", resp)
	}

	cmd, parseErr = sm.ParseLine(encodeSasl([]byte("mypass")))
	if parseErr != nil {
		t.Fatalf("parsing password continuation: %v", parseErr)
	}
	resp = sm.Command(cmd)
	if resp.Code != 235 {
		t.Fatalf("got %v, want 235", resp)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("expected Hello after successful AUTH LOGIN, got %v", sm.cur.kind)
	}
}

func TestAuthContinuationMalformedBase64(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "LOGIN")
	sm.tlsState = TlsActive
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdAuthLoginEmpty})

	// ParseLine rejects malformed base64 outright; the driver writes this
	// response directly without ever calling Command (see conn.go step()).
	_, parseErr := sm.ParseLine("not-valid-base64!!!")
	if parseErr == nil {
		t.Fatalf("expected a parse error for malformed base64")
	}
	if parseErr.Code != SYNTAX_ERROR_PARAMS.Code {
		t.Errorf("got %v, want SYNTAX_ERROR_PARAMS", parseErr)
	}
}

func TestAuthPlainContinuationMalformedPayload(t *testing.T) {
	h := &recordingHandler{authOK: true}
	sm := newTestSM(h, "PLAIN")
	sm.tlsState = TlsActive
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdAuthPlainEmpty})

	// A syntactically valid base64 blob that doesn't contain two NULs.
	cmd, parseErr := sm.ParseLine(encodeSasl([]byte("not-nul-separated")))
	if parseErr != nil {
		t.Fatalf("ParseLine: %v", parseErr)
	}
	resp := sm.Command(cmd)
	if resp.Code != SYNTAX_ERROR_PARAMS.Code {
		t.Errorf("got %v, want SYNTAX_ERROR_PARAMS", resp)
	}
	if sm.cur.kind != phaseHelloAuth {
		t.Errorf("expected HelloAuth phase after malformed PLAIN continuation, got %v", sm.cur.kind)
	}
}

func TestStartTlsResetsPhaseAndCapability(t *testing.T) {
	h := &recordingHandler{}
	sm := newTestSM(h, "PLAIN")
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"}) // rejected (AUTH_REQUIRED), phase stays HelloAuth

	resp := sm.Command(Command{Kind: CmdStartTls})
	if resp.Code != START_TLS.Code || resp.Action != UpgradeTls {
		t.Fatalf("got %v, want START_TLS/UpgradeTls", resp)
	}

	sm.StartedTls()
	if sm.tlsState != TlsActive {
		t.Errorf("expected TlsActive after StartedTls")
	}
	if sm.cur.kind != phaseIdle {
		t.Errorf("expected phase reset to Idle after StartedTls, got %v", sm.cur.kind)
	}
	if sm.authState != AuthRequiresAuth {
		t.Errorf("expected auth state reset to RequiresAuth, got %v", sm.authState)
	}
}

func TestStartTlsRejectedWhenAlreadyActiveOrUnavailable(t *testing.T) {
	sm := NewStateMachine(fakeAddr("10.0.0.1:1"), &recordingHandler{}, "mx", set.String{}, false, false)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	resp := sm.Command(Command{Kind: CmdStartTls})
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS (tls unavailable)", resp)
	}
}

func TestRsetFromMailReturnsToHello(t *testing.T) {
	h := &recordingHandler{}
	sm := newTestSM(h)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})

	resp := sm.Command(Command{Kind: CmdRset})
	if resp.Code != OK.Code {
		t.Fatalf("got %v, want OK", resp)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("expected Hello phase after RSET, got %v", sm.cur.kind)
	}
	if sm.cur.reversePath != "" {
		t.Errorf("expected envelope cleared after RSET, got reversePath=%q", sm.cur.reversePath)
	}
}

func TestRcptRejectionDoesNotAdvancePhase(t *testing.T) {
	reject := Response{Code: 550, Lines: []string{"no such user"}, Action: Reply}
	h := &recordingHandler{rcptErr: &reject}
	sm := newTestSM(h)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})

	resp := sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<nobody@b.c>"})
	if resp.Code != 550 {
		t.Fatalf("got %v, want 550", resp)
	}
	if sm.cur.kind != phaseMail {
		t.Errorf("expected phase to remain Mail after rejected RCPT, got %v", sm.cur.kind)
	}
}

func TestMultipleRcptAccumulate(t *testing.T) {
	h := &recordingHandler{}
	sm := newTestSM(h)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})
	sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<one@b.c>"})
	sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<two@b.c>"})

	if len(sm.cur.forwardPath) != 2 {
		t.Fatalf("expected 2 accumulated recipients, got %v", sm.cur.forwardPath)
	}
}

func TestDataErrorPoisonsPhaseAndSuppressesFurtherLines(t *testing.T) {
	dataErr := &Response{Code: 452, Lines: []string{"disk full"}, Action: Reply}
	h := &recordingHandler{dataErr: dataErr}
	sm := newTestSM(h)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})
	sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<d@e.f>"})
	sm.Command(Command{Kind: CmdData})

	resp1 := sm.Data([]byte("line one\r\n"))
	if resp1.Code != TRANSACTION_FAILED.Code {
		t.Fatalf("got %v, want TRANSACTION_FAILED", resp1)
	}

	resp2 := sm.Data([]byte("line two\r\n"))
	if resp2.Action != NoReply {
		t.Fatalf("expected suppressed (NoReply) response for line after poisoning, got %v", resp2)
	}
	if len(h.dataLines) != 1 {
		t.Errorf("handler.Data should not be invoked again once poisoned, got %d calls", len(h.dataLines))
	}

	final := sm.DataEnd()
	if final.Action != NoReply {
		t.Errorf("DataEnd after poisoned phase should be EMPTY_RESPONSE, got %v", final)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("expected unconditional transition to Hello even on poisoned DataEnd, got %v", sm.cur.kind)
	}
}

func TestDataStartErrorAbortsWithoutEnteringDataPhase(t *testing.T) {
	h := &recordingHandlerDataStartError{}
	sm := newTestSM(h)
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	sm.Command(Command{Kind: CmdMail, ReversePath: "<a@b.c>"})
	sm.Command(Command{Kind: CmdRcpt, ForwardPath: "<d@e.f>"})

	resp := sm.Command(Command{Kind: CmdData})
	if resp.Code != INTERNAL_ERROR.Code {
		t.Fatalf("got %v, want INTERNAL_ERROR", resp)
	}
	if sm.inData() {
		t.Errorf("should not have entered Data phase on DataStart error")
	}
	if sm.cur.kind != phaseRcpt {
		t.Errorf("expected phase to remain Rcpt, got %v", sm.cur.kind)
	}
}

type recordingHandlerDataStartError struct{ DefaultHandler }

func (h *recordingHandlerDataStartError) DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (State, *Response) {
	r := INTERNAL_ERROR
	return nil, &r
}

func TestQuitTerminatesFromAnyPhase(t *testing.T) {
	sm := newTestSM(&recordingHandler{})
	resp := sm.Command(Command{Kind: CmdQuit})
	if resp.Code != GOODBYE.Code || resp.Action != Close {
		t.Fatalf("got %v, want GOODBYE/Close", resp)
	}

	// Further commands see INVALID_STATE once terminated.
	resp = sm.Command(Command{Kind: CmdNoop})
	if resp.Code != INVALID_STATE.Code {
		t.Errorf("got %v, want INVALID_STATE after Close", resp)
	}
}

func TestNoopDoesNotChangePhase(t *testing.T) {
	sm := newTestSM(&recordingHandler{})
	sm.Command(Command{Kind: CmdHelo, Domain: "client.example"})
	resp := sm.Command(Command{Kind: CmdNoop})
	if resp.Code != OK.Code {
		t.Fatalf("got %v, want OK", resp)
	}
	if sm.cur.kind != phaseHello {
		t.Errorf("NOOP should not change phase, got %v", sm.cur.kind)
	}
}

func TestEhloAdvertisesConfiguredCapabilities(t *testing.T) {
	// insecureAllowPlaintextAuth=true so AUTH is advertised even though TLS
	// (and hence STARTTLS) is still inactive.
	sm := NewStateMachine(fakeAddr("10.0.0.1:1234"), &recordingHandler{}, "mx.example.org",
		*set.NewString("PLAIN", "LOGIN"), true, true)
	resp := sm.Command(Command{Kind: CmdEhlo, Domain: "client.example"})
	if resp.IsError() {
		t.Fatalf("EHLO: %v", resp)
	}

	joined := ""
	for _, l := range resp.Lines {
		joined += l + "\n"
	}
	for _, want := range []string{"8BITMIME", "STARTTLS", "AUTH PLAIN LOGIN"} {
		if !containsSubstr(joined, want) {
			t.Errorf("EHLO response missing %q:\n%s", want, joined)
		}
	}
}

func containsSubstr(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

func TestDataCalledOutsideDataPhaseIsBadSequence(t *testing.T) {
	sm := newTestSM(&recordingHandler{})
	resp := sm.Data([]byte("x"))
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS", resp)
	}
}

func TestDataEndCalledOutsideDataPhaseIsBadSequence(t *testing.T) {
	sm := newTestSM(&recordingHandler{})
	resp := sm.DataEnd()
	if resp.Code != BAD_SEQUENCE_COMMANDS.Code {
		t.Errorf("got %v, want BAD_SEQUENCE_COMMANDS", resp)
	}
}
