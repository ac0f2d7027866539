package message

import (
	"bytes"
	"strings"
)

// Handler receives Events as an EventParser consumes bytes. Implementations
// typically build up a structured message representation; the reference
// handler (Message) in this package does exactly that.
type Handler interface {
	Event(ev Event)
}

type parserState int

const (
	stHeader parserState = iota
	stMultipartPreamble
	stPartStart
	stBody
)

// multipartFrame is one entry of the nested-multipart stack (§3 "MIME
// parser entities", §9 "MIME multipart stack").
type multipartFrame struct {
	contentType *ContentType
	boundary    []byte
}

// DefaultMaxMultipartDepth bounds the multipart stack, per §9's suggested
// limit, so a maliciously or accidentally deep nesting can't exhaust
// memory or recurse unboundedly. A depth-32 message is already absurd.
const DefaultMaxMultipartDepth = 32

// EventParser is the streaming MIME parser invoked by the handler during
// DATA (§4.4). It is fed complete, CRLF-terminated lines (the Session
// Driver already split the byte stream on lines for dot-unstuffing, so
// this package consumes the same granularity rather than re-splitting a
// raw byte stream).
type EventParser struct {
	handler Handler
	state   parserState
	offset  int

	contentType *ContentType // current part's Content-Type, nil until seen
	boundary    []byte       // active multipart boundary, nil outside one
	stack       []multipartFrame

	headerBuf HeaderBuffer

	// pendingMultipart is true once a Content-Type header recognized as
	// multipart/* has been seen within the header block currently being
	// collected; it decides whether the block's terminating blank line
	// transitions to MultipartPreamble or to Body. Reset at the start of
	// every fresh header block (top-level entity, each part, and the
	// (thin) case of headers following a popped multipart).
	pendingMultipart bool

	maxDepth int
}

// NewEventParser creates a parser bound to handler and immediately emits
// the bookending Start event (§8 property 8).
func NewEventParser(handler Handler) *EventParser {
	p := &EventParser{handler: handler, state: stHeader, maxDepth: DefaultMaxMultipartDepth}
	p.emit(Event{Kind: Start})
	return p
}

func (p *EventParser) emit(ev Event) {
	p.handler.Event(ev)
}

// Line feeds one CRLF-terminated line (the CRLF included) into the parser.
func (p *EventParser) Line(line []byte) {
	defer func() { p.offset += len(line) }()

	switch p.state {
	case stHeader:
		p.state = p.headerField(line)
	case stPartStart:
		p.emit(Event{Kind: PartStart, Offset: p.offset})
		p.pendingMultipart = false
		p.state = p.headerField(line)
	case stMultipartPreamble:
		p.state = p.handlePreambleLine(line)
	case stBody:
		p.state = p.handleBodyLine(line)
	}
}

// End signals the end of input: emits the bookending End event (§8
// property 8). The emitter does not try to balance an unterminated
// multipart (§4.4 "the emitter does not balance unterminated multiparts").
func (p *EventParser) End() {
	p.emit(Event{Kind: End})
}

// stripCRLF trims exactly one trailing "\r\n" or "\n", for comparison and
// tokenizing purposes; the original bytes (with CRLF) are still what gets
// counted towards offset and emitted in Body events.
func stripCRLF(line []byte) []byte {
	if bytes.HasSuffix(line, []byte("\r\n")) {
		return line[:len(line)-2]
	}
	if bytes.HasSuffix(line, []byte("\n")) {
		return line[:len(line)-1]
	}
	return line
}

// headerField implements the Header/MultipartHeader/PartStart shared line
// handler (§4.4): a bare CRLF ends the header block; any other line is
// folded via the HeaderBuffer and, once complete, tokenized and emitted.
// Which terminal state the blank line produces depends on whether a
// multipart/* Content-Type was seen anywhere in this header block
// (pendingMultipart), not on which state we arrived from — Content-Type
// can appear anywhere among a block's headers.
func (p *EventParser) headerField(line []byte) parserState {
	content := stripCRLF(line)

	if len(content) == 0 {
		if completed, ok := p.headerBuf.Take(); ok {
			p.emitHeaderLine(completed)
		}
		if p.pendingMultipart {
			return stMultipartPreamble
		}
		p.emit(Event{Kind: BodyStart, Offset: p.offset + len(line)})
		return stBody
	}

	completed, ok := p.headerBuf.Push(string(content))
	if ok {
		p.emitHeaderLine(completed)
	}

	return stHeader
}

// emitHeaderLine tokenizes one complete (continuation-folded) header line
// and emits it, pushing a new multipart stack frame if it is a
// multipart/* Content-Type (§4.4 "Content-Type parsing").
func (p *EventParser) emitHeaderLine(line string) {
	h := parseHeaderLine(line)
	if h == nil {
		return
	}
	if h.ContentType != nil {
		p.applyContentType(h.ContentType)
		if h.ContentType.IsMultipart() {
			p.pendingMultipart = true
		}
	}
	p.emit(Event{Kind: HeaderEvent, Header: h})
}

// applyContentType records the part's Content-Type, pushing a multipart
// stack frame and switching the active boundary when it names multipart/*.
func (p *EventParser) applyContentType(ct *ContentType) {
	if !ct.IsMultipart() {
		p.contentType = ct
		return
	}
	if len(p.stack) >= p.maxDepth {
		// Beyond the configured nesting limit: treat as opaque, non-multipart.
		p.contentType = ct
		return
	}

	p.stack = append(p.stack, multipartFrame{
		contentType: p.contentType,
		boundary:    p.boundary,
	})

	b, ok := ct.Params["boundary"]
	if ok {
		p.boundary = []byte("--" + b)
	} else {
		p.boundary = nil
	}
	p.contentType = ct
}

// popMultipart restores the enclosing multipart's content type and
// boundary, or clears both if the stack is now empty.
func (p *EventParser) popMultipart() {
	if len(p.stack) == 0 {
		p.contentType = nil
		p.boundary = nil
		return
	}
	top := p.stack[len(p.stack)-1]
	p.stack = p.stack[:len(p.stack)-1]
	p.contentType = top.contentType
	p.boundary = top.boundary
}

// isOpenBoundary reports whether content (CRLF-stripped) starts the active
// boundary but is not its close form.
func (p *EventParser) isOpenBoundary(content []byte) bool {
	if p.boundary == nil {
		return false
	}
	return bytes.HasPrefix(content, p.boundary)
}

// isCloseBoundary reports whether line (CRLF included) is the boundary's
// closing delimiter: starts with the boundary, ends with "--\r\n", and is
// strictly longer than boundary+2 (§4.4 "Close boundary").
func (p *EventParser) isCloseBoundary(line []byte) bool {
	if p.boundary == nil {
		return false
	}
	return bytes.HasPrefix(line, p.boundary) &&
		strings.HasSuffix(string(line), "--\r\n") &&
		len(line) > len(p.boundary)+2
}

func (p *EventParser) handlePreambleLine(line []byte) parserState {
	content := stripCRLF(line)
	if p.isOpenBoundary(content) {
		kind := ""
		if p.contentType != nil {
			kind = p.contentType.Subtype()
		}
		p.emit(Event{Kind: MultipartStart, MultipartKind: kind})
		return stPartStart
	}
	// Preamble text before the first boundary is discarded, matching the
	// original's silent skip (it carries no handler-visible content).
	return stMultipartPreamble
}

func (p *EventParser) handleBodyLine(line []byte) parserState {
	if p.isCloseBoundary(line) {
		p.emit(Event{Kind: PartEnd, Offset: p.offset})
		p.emit(Event{Kind: MultipartEnd})
		p.popMultipart()
		p.pendingMultipart = false
		return stHeader
	}

	content := stripCRLF(line)
	if p.isOpenBoundary(content) {
		p.emit(Event{Kind: PartEnd, Offset: p.offset})
		return stPartStart
	}

	p.emit(Event{Kind: Body, Data: line})
	return stBody
}
