// Package smtpd implements an embeddable SMTP receiver: a line parser, a
// session state machine, and a connection/listener driver around them.
//
// Embedders provide a Handler implementation and hand it to NewServer; the
// package owns line parsing, phase transitions, SASL PLAIN/LOGIN, STARTTLS
// upgrade, and dot-unstuffing, and calls back into Handler for everything
// domain-specific: policy decisions on HELO/MAIL/RCPT/AUTH and storage of
// the DATA stream.
//
// The protocol engine (Command, StateMachine) has no I/O of its own and can
// be driven synchronously against canned input for testing; Conn and
// Server wire it to a net.Conn and net.Listener for actual use.
package smtpd
