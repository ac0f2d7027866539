package smtpd

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"

	"blitiri.com.ar/go/log"

	"github.com/MagomeYae/mailin-insecure/internal/set"
	"github.com/MagomeYae/mailin-insecure/internal/tlsconst"
	"github.com/MagomeYae/mailin-insecure/internal/trace"
)

// Conn binds one StateMachine to one byte stream: it reads lines, feeds
// the SSM, writes responses, and performs the STARTTLS upgrade (§2
// "Session Driver", §5 "Suspension points"). Grounded on chasquid's
// internal/smtpsrv/conn.go Handle() loop (readCommand/writeResponse),
// generalized to delegate all protocol policy to StateMachine instead of
// inlining it here.
type Conn struct {
	netConn   net.Conn
	r         *bufio.Reader
	w         *bufio.Writer
	tlsConfig *tls.Config

	sm *StateMachine
	tr *trace.Trace
}

// newConn wires a fresh StateMachine to netConn using cfg, ready for
// Handle to be called. Unexported: embedders go through Server, which
// supplies the shared configuration for every accepted connection.
func newConn(netConn net.Conn, h Handler, cfg connConfig) *Conn {
	return &Conn{
		netConn:   netConn,
		r:         bufio.NewReader(netConn),
		w:         bufio.NewWriter(netConn),
		tlsConfig: cfg.tlsConfig,
		sm: NewStateMachine(netConn.RemoteAddr(), h, cfg.serverName,
			cfg.authMechanisms, cfg.allowStartTLS, cfg.insecureAllowPlaintextAuth),
		tr: trace.New("smtpd", netConn.RemoteAddr().String()),
	}
}

// connConfig is the per-connection slice of Server's configuration that
// Conn needs; kept as its own type so Conn doesn't depend on Server
// directly (server.go depends on conn.go, not the reverse).
type connConfig struct {
	serverName                 string
	tlsConfig                  *tls.Config
	authMechanisms             set.String
	allowStartTLS              bool
	insecureAllowPlaintextAuth bool
}

// Handle drives the session to completion: banner, command loop, and
// connection teardown. It returns once the session has ended, whether by
// QUIT, a Close response, or a transport error.
func (c *Conn) Handle() {
	defer c.tr.Finish()
	defer c.netConn.Close()

	c.tr.Debugf("connected")

	banner := Response{Code: 220,
		Lines: []string{c.sm.ServerName + " ESMTP"}, Action: Reply}
	if err := c.writeResponse(banner); err != nil {
		c.tr.Errorf("error writing banner: %v", err)
		return
	}

	for {
		if err := c.step(); err != nil {
			if err != errSessionClosed {
				c.tr.Errorf("session error: %v", err)
			}
			return
		}
	}
}

var errSessionClosed = fmt.Errorf("smtpd: session closed")

// step reads one line, drives it through the state machine, and writes the
// resulting response, performing the STARTTLS handshake inline when the
// response demands it.
func (c *Conn) step() error {
	line, err := readLine(c.r)
	if err != nil {
		return err
	}
	c.tr.Debugf("<- %q", line)

	cmd, parseErr := c.sm.ParseLine(line)

	var resp Response
	switch {
	case parseErr != nil:
		resp = *parseErr
	case cmd.Kind == CmdDataPayload:
		resp = c.sm.Data(cmd.Response)
	case cmd.Kind == CmdDataEnd:
		resp = c.sm.DataEnd()
	default:
		resp = c.sm.Command(cmd)
	}

	c.tr.Debugf("-> %v", resp)

	if err := c.writeResponse(resp); err != nil {
		return err
	}

	switch resp.Action {
	case Close:
		return errSessionClosed
	case UpgradeTls:
		return c.upgradeTLS()
	}
	return nil
}

// writeResponse writes resp to the connection and flushes immediately:
// responses must reach the client before any subsequent suspension point
// (notably the TLS handshake, §5 "The reply for STARTTLS MUST be fully
// flushed to the plaintext socket before the TLS handshake begins").
func (c *Conn) writeResponse(r Response) error {
	if err := r.WriteTo(c.w); err != nil {
		return err
	}
	return c.w.Flush()
}

// upgradeTLS performs the server-side TLS handshake on the existing
// connection and resets the state machine to Idle (§5, §8 property 3).
func (c *Conn) upgradeTLS() error {
	if c.tlsConfig == nil {
		return fmt.Errorf("smtpd: STARTTLS requested with no TLS configured")
	}

	tlsConn := tls.Server(c.netConn, c.tlsConfig)
	if err := tlsConn.Handshake(); err != nil {
		return fmt.Errorf("smtpd: TLS handshake: %w", err)
	}

	c.netConn = tlsConn
	c.r = bufio.NewReader(tlsConn)
	c.w = bufio.NewWriter(tlsConn)
	c.sm.StartedTls()

	state := tlsConn.ConnectionState()
	log.Debugf("smtpd: %s: tls handshake complete, version=%s cipher=%#04x",
		tlsConn.RemoteAddr(),
		tlsconst.VersionName(state.Version), state.CipherSuite)

	return nil
}
