package message

import "strings"

// HeaderBuffer joins RFC-822 header continuation lines (lines beginning
// with whitespace) into the single logical line they fold, so the header
// tokenizer always sees one complete "Name: value" per call (§4.4 "a
// continuation line joined via a header buffer"). Unretrieved from the
// original mime-event crate's header_buffer.rs verbatim; reconstructed
// from parser.rs's use of its NextLine/Take contract.
type HeaderBuffer struct {
	pending strings.Builder
	have    bool
}

// isContinuation reports whether line folds into the previous header
// (starts with a space or tab, per RFC 822 §3.1.1).
func isContinuation(line string) bool {
	return len(line) > 0 && (line[0] == ' ' || line[0] == '\t')
}

// Push feeds one raw header line into the buffer. If line continues the
// header currently being accumulated, it is folded in (the leading
// whitespace run collapsed to a single space) and ok is false: the caller
// should keep reading. Otherwise, if a header was already pending, it is
// returned complete (ok=true) and line becomes the start of the next
// pending header.
func (b *HeaderBuffer) Push(line string) (completed string, ok bool) {
	if isContinuation(line) && b.have {
		b.pending.WriteByte(' ')
		b.pending.WriteString(strings.TrimLeft(line, " \t"))
		return "", false
	}

	if b.have {
		completed = b.pending.String()
		ok = true
	}

	b.pending.Reset()
	b.pending.WriteString(line)
	b.have = true
	return completed, ok
}

// Take flushes any pending header line, e.g. when the blank line ending
// the header block is reached. ok is false if nothing was pending.
func (b *HeaderBuffer) Take() (completed string, ok bool) {
	if !b.have {
		return "", false
	}
	completed = b.pending.String()
	b.pending.Reset()
	b.have = false
	return completed, true
}
