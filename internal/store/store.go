// Package store provides a reference, file-based implementation of
// smtpd.Handler's data_start/data/data_end trio, plus a demo HELO policy
// check. It exists to show how an embedder wires storage and HELO policy
// into the state machine, not as a production mail store: it writes plain
// files, not a Maildir tree, and its reverse-DNS/blocklist check is a
// simple demonstration rather than a real DNSBL client.
package store

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/MagomeYae/mailin-insecure/internal/auth"
	"github.com/MagomeYae/mailin-insecure/internal/set"
	"github.com/MagomeYae/mailin-insecure/internal/userdb"
	"github.com/MagomeYae/mailin-insecure/smtpd"
)

// MailStore writes each accepted message to dir/tmp/<name>, then renames it
// to dir/new/<name> on a successful data_end, mirroring the original
// mailin-server store: start_message creates the temp file, commit_message
// renames it across a sibling "new" directory so a reader never observes a
// partially-written file under "new".
type MailStore struct {
	dir     string
	counter uint32
}

// NewMailStore returns a MailStore rooted at dir. dir/tmp and dir/new are
// created lazily on first use.
func NewMailStore(dir string) *MailStore {
	return &MailStore{dir: dir}
}

// messageState is the smtpd.State token returned by DataStart: an open
// temp file plus the path it will be renamed to on commit.
type messageState struct {
	tmpPath string
	f       *os.File
	w       *bufio.Writer
}

func (ms *MailStore) messageFileName() string {
	n := atomic.AddUint32(&ms.counter, 1)
	return fmt.Sprintf("%d.%d.%d", time.Now().UnixMilli(), os.Getpid(), n)
}

// DataStart implements smtpd.Handler.
func (ms *MailStore) DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (smtpd.State, *smtpd.Response) {
	tmpDir := filepath.Join(ms.dir, "tmp")
	if err := os.MkdirAll(tmpDir, 0770); err != nil {
		r := smtpd.INTERNAL_ERROR
		return nil, &r
	}

	tmpPath := filepath.Join(tmpDir, ms.messageFileName())
	f, err := os.Create(tmpPath)
	if err != nil {
		r := smtpd.INTERNAL_ERROR
		return nil, &r
	}

	return &messageState{tmpPath: tmpPath, f: f, w: bufio.NewWriter(f)}, nil
}

// Data implements smtpd.Handler.
func (ms *MailStore) Data(state smtpd.State, line []byte) *smtpd.Response {
	st, ok := state.(*messageState)
	if !ok {
		r := smtpd.INTERNAL_ERROR
		return &r
	}

	if _, err := st.w.Write(line); err != nil {
		r := smtpd.TRANSACTION_FAILED
		return &r
	}
	return nil
}

// DataEnd implements smtpd.Handler: flushes, closes, and renames the temp
// file into dir/new. Matches the original's commit_message: the temp file
// is left behind on any error, for the embedder to clean up or retry.
func (ms *MailStore) DataEnd(state smtpd.State) smtpd.Response {
	st, ok := state.(*messageState)
	if !ok {
		return smtpd.INTERNAL_ERROR
	}

	if err := st.w.Flush(); err != nil {
		return smtpd.INTERNAL_ERROR
	}
	if err := st.f.Close(); err != nil {
		return smtpd.INTERNAL_ERROR
	}

	newDir := filepath.Join(ms.dir, "new")
	if err := os.MkdirAll(newDir, 0770); err != nil {
		return smtpd.INTERNAL_ERROR
	}

	dest := filepath.Join(newDir, filepath.Base(st.tmpPath))
	if err := os.Rename(st.tmpPath, dest); err != nil {
		return smtpd.INTERNAL_ERROR
	}

	return smtpd.OK
}

// HeloPolicy implements a demo forward-confirmed-rDNS plus static
// blocklist check, modeled on mailin-server's Handler.helo (mxdns.fcrdns +
// mxdns.is_blocked). It has no real DNSBL client: Blocklist is just a set
// of IP strings the embedder configures directly, matching the
// spec's Non-goal that DNSBL policy checks are out of scope for the core.
type HeloPolicy struct {
	Blocklist set.String

	// resolver hooks, overridable in tests; default to net's package-level
	// functions.
	lookupAddr func(string) ([]string, error)
	lookupHost func(string) ([]string, error)
}

// NewHeloPolicy returns a HeloPolicy blocking the given IP strings.
func NewHeloPolicy(blocklist ...string) *HeloPolicy {
	return &HeloPolicy{
		Blocklist:  *set.NewString(blocklist...),
		lookupAddr: net.LookupAddr,
		lookupHost: net.LookupHost,
	}
}

// Check performs the fcrdns + blocklist check for ip, returning the
// smtpd.Response the HELO/EHLO handshake should answer with.
func (p *HeloPolicy) Check(ip net.Addr) smtpd.Response {
	host, _, err := net.SplitHostPort(ip.String())
	if err != nil {
		host = ip.String()
	}

	if p.Blocklist.Has(host) {
		return smtpd.Response{Code: 550,
			Enhanced: &smtpd.EnhancedStatus{Class: 5, Subject: 7, Detail: 1},
			Lines:    []string{"Your IP is blocklisted"}, Action: smtpd.Reply}
	}

	if !p.fcrdnsConfirmed(host) {
		return smtpd.Response{Code: 550,
			Enhanced: &smtpd.EnhancedStatus{Class: 5, Subject: 7, Detail: 1},
			Lines:    []string{"Reverse DNS does not match forward DNS"}, Action: smtpd.Reply}
	}

	return smtpd.OK
}

// fcrdnsConfirmed reports whether host's PTR record resolves to a name
// whose forward lookup includes host back (forward-confirmed rDNS).
func (p *HeloPolicy) fcrdnsConfirmed(host string) bool {
	if net.ParseIP(host) == nil {
		// Not an IP (e.g. a Unix socket or net.Pipe address in tests);
		// nothing to confirm.
		return true
	}

	names, err := p.lookupAddr(host)
	if err != nil || len(names) == 0 {
		return false
	}

	for _, name := range names {
		addrs, err := p.lookupHost(name)
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if a == host {
				return true
			}
		}
	}
	return false
}

// Handler composes MailStore and HeloPolicy with an optional userdb-backed
// SASL check into a full smtpd.Handler, embedding smtpd.DefaultHandler for
// Mail/Rcpt (accept-all, per the OK defaults this library ships with).
type Handler struct {
	smtpd.DefaultHandler

	Store *MailStore
	Helo_ *HeloPolicy
	Auth  *auth.Authenticator
}

// NewHandler returns a Handler storing messages under dir, gated by policy
// (nil disables the HELO check), authenticating against users (nil means
// AUTH always succeeds, matching DefaultHandler and this library's
// deliberately permissive demo posture). users, when non-nil, is wrapped
// in a timing-safe auth.Authenticator so failed/unknown logins take the
// same time as successful ones.
func NewHandler(dir string, policy *HeloPolicy, users *userdb.DB) *Handler {
	h := &Handler{
		Store: NewMailStore(dir),
		Helo_: policy,
	}
	if users != nil {
		h.Auth = auth.NewAuthenticator(users)
	}
	return h
}

// Helo implements smtpd.Handler.
func (h *Handler) Helo(ip net.Addr, domain string) smtpd.Response {
	if h.Helo_ == nil {
		return smtpd.OK
	}
	return h.Helo_.Check(ip)
}

// AuthPlain implements smtpd.Handler.
func (h *Handler) AuthPlain(authzID, authnID, password string) smtpd.Response {
	if h.Auth == nil {
		return smtpd.AUTH_OK
	}
	name := authnID
	if name == "" {
		name = authzID
	}
	if h.Auth.Authenticate(name, password) {
		return smtpd.AUTH_OK
	}
	return smtpd.AUTH_FAILED
}

// AuthLogin implements smtpd.Handler.
func (h *Handler) AuthLogin(username, password string) smtpd.Response {
	if h.Auth == nil {
		return smtpd.AUTH_OK
	}
	if h.Auth.Authenticate(username, password) {
		return smtpd.AUTH_OK
	}
	return smtpd.AUTH_FAILED
}

// DataStart implements smtpd.Handler.
func (h *Handler) DataStart(domain, reversePath string, is8Bit bool, forwardPaths []string) (smtpd.State, *smtpd.Response) {
	return h.Store.DataStart(domain, reversePath, is8Bit, forwardPaths)
}

// Data implements smtpd.Handler.
func (h *Handler) Data(state smtpd.State, line []byte) *smtpd.Response {
	return h.Store.Data(state, line)
}

// DataEnd implements smtpd.Handler.
func (h *Handler) DataEnd(state smtpd.State) smtpd.Response {
	return h.Store.DataEnd(state)
}
