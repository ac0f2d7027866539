package smtpd

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net"
	"os"

	"blitiri.com.ar/go/log"
	"blitiri.com.ar/go/systemd"

	"github.com/MagomeYae/mailin-insecure/internal/set"
)

// Server owns the configuration shared by every accepted connection and
// the listeners to accept them on (§6.3 "Configuration"). Grounded on
// chasquid's internal/smtpsrv/server.go Server/AddCerts/AddAddr/
// AddListeners/ListenAndServe, generalized from chasquid's multi-domain
// certificate map to a single embeddable listener set, since this library
// has no concept of virtual hosts — that's the embedder's business via
// Handler.Helo.
type Server struct {
	Handler Handler

	serverName                 string
	authMechanisms             set.String
	allowStartTLS              bool
	insecureAllowPlaintextAuth bool

	tlsConfig *tls.Config
	listeners []net.Listener
}

// NewServer creates a Server bound to h, with no TLS and no auth
// configured; callers add certs/listeners/mechanisms with the setter
// methods before calling ListenAndServe, mirroring the teacher's
// builder-style Server configuration.
func NewServer(h Handler) *Server {
	return &Server{
		Handler:    h,
		serverName: "localhost",
	}
}

// SetServerName sets the name advertised in the 220 banner and EHLO
// response (§6.3 "server_name").
func (s *Server) SetServerName(name string) {
	s.serverName = name
}

// SetAuthMechanisms configures which SASL mechanisms ("PLAIN", "LOGIN")
// are offered; an empty set leaves AuthState=Unavailable (§6.3
// "auth_mechanisms").
func (s *Server) SetAuthMechanisms(mechanisms ...string) {
	s.authMechanisms = *set.NewString(mechanisms...)
}

// SetInsecureAllowPlaintextAuth configures whether AUTH is accepted
// without TLS (§6.3 "insecure_allow_plaintext_auth"). Off by default;
// named "insecure" deliberately, matching the original mailin-embedded
// field, so embedders cannot enable it by accident.
func (s *Server) SetInsecureAllowPlaintextAuth(allow bool) {
	s.insecureAllowPlaintextAuth = allow
}

// AddCert configures SslConfig::SelfSigned-equivalent TLS: a bare cert+key
// pair with no additional chain (§3 "SUPPLEMENTED FEATURES", SslConfig
// variants). Calling this (or AddTrustedCert) also sets allow_start_tls.
func (s *Server) AddCert(certFile, keyFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("smtpd: loading cert/key: %w", err)
	}
	s.ensureTLSConfig()
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	s.allowStartTLS = true
	return nil
}

// AddTrustedCert configures SslConfig::Trusted-equivalent TLS: a cert+key
// pair plus an intermediate chain file to append to the certificate's
// chain, for certs signed by a CA that isn't in common trust stores by
// itself (§3 "SslConfig").
func (s *Server) AddTrustedCert(certFile, keyFile, chainFile string) error {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return fmt.Errorf("smtpd: loading cert/key: %w", err)
	}

	chainPEM, err := os.ReadFile(chainFile)
	if err != nil {
		return fmt.Errorf("smtpd: reading chain: %w", err)
	}
	for {
		var block *pem.Block
		block, chainPEM = pem.Decode(chainPEM)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		parsed, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("smtpd: parsing chain cert: %w", err)
		}
		cert.Certificate = append(cert.Certificate, parsed.Raw)
	}

	s.ensureTLSConfig()
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	s.allowStartTLS = true
	return nil
}

func (s *Server) ensureTLSConfig() {
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
}

// AddListener registers an already-bound net.Listener, e.g. one obtained
// via socket activation (§6.3 "listener: either a bound TCP listener ...
// or a bind address").
func (s *Server) AddListener(l net.Listener) {
	s.listeners = append(s.listeners, l)
}

// AddAddr binds addr ("host:port") and registers the resulting listener.
func (s *Server) AddAddr(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtpd: listening on %q: %w", addr, err)
	}
	s.AddListener(l)
	return nil
}

// AddSystemdListeners registers every socket-activated listener passed by
// systemd under name (or all of them if name is ""), via
// blitiri.com.ar/go/systemd.Listeners (§6.3 "listener"), the same call
// chasquid.go makes before dispatching its per-mode listeners.
func (s *Server) AddSystemdListeners(name string) error {
	byName, err := systemd.Listeners()
	if err != nil {
		return fmt.Errorf("smtpd: systemd listeners: %w", err)
	}
	for n, ls := range byName {
		if name != "" && n != name {
			continue
		}
		for _, l := range ls {
			s.AddListener(l)
		}
	}
	return nil
}

// ListenAndServe accepts connections on every registered listener,
// spawning one goroutine per connection (§5 "Implementations may run each
// session on its own thread, goroutine, or task"). It blocks until every
// listener's Accept loop returns an error (typically because the listener
// was closed).
func (s *Server) ListenAndServe() error {
	if len(s.listeners) == 0 {
		return fmt.Errorf("smtpd: no listeners configured")
	}

	errc := make(chan error, len(s.listeners))
	for _, l := range s.listeners {
		go func(l net.Listener) {
			errc <- s.serve(l)
		}(l)
	}
	return <-errc
}

func (s *Server) serve(l net.Listener) error {
	cfg := connConfig{
		serverName:                 s.serverName,
		tlsConfig:                  s.tlsConfig,
		authMechanisms:             s.authMechanisms,
		allowStartTLS:              s.allowStartTLS,
		insecureAllowPlaintextAuth: s.insecureAllowPlaintextAuth,
	}

	for {
		netConn, err := l.Accept()
		if err != nil {
			return fmt.Errorf("smtpd: accept: %w", err)
		}

		log.Infof("smtpd: accepted connection from %s", netConn.RemoteAddr())
		c := newConn(netConn, s.Handler, cfg)
		go c.Handle()
	}
}
