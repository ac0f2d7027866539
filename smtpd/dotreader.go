package smtpd

import (
	"bufio"
	"errors"
)

// maxLineLength is the maximum octets in one command or DATA line,
// 512 command bytes plus slack for long parameters (§6.1).
const maxLineLength = 1000

// errLineTooLong is returned by readLine when a line exceeds
// maxLineLength before a terminating CRLF is found.
var errLineTooLong = errors.New("smtpd: line too long")

// errInvalidLineEnding is returned by readLine when the stream ends with a
// bare LF (no preceding CR), which this server does not accept as a valid
// terminator (chasquid's dotreader.go enforces the same restriction).
var errInvalidLineEnding = errors.New("smtpd: invalid line ending, expected CRLF")

// readLine reads one CRLF-terminated line from r, not including the
// trailing CRLF, enforcing maxLineLength. Adapted from chasquid's
// internal/smtpsrv/dotreader.go byte-level scanning loop (prevCR/prevOther
// states), simplified here to a single line at a time since dot-unstuffing
// in this design happens per line in the Session State Machine rather than
// across the whole DATA buffer.
func readLine(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}

		if b == '\n' {
			if len(buf) == 0 || buf[len(buf)-1] != '\r' {
				return "", errInvalidLineEnding
			}
			return string(buf[:len(buf)-1]), nil
		}

		buf = append(buf, b)
		if len(buf) > maxLineLength {
			return "", errLineTooLong
		}
	}
}
