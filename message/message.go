package message

// Part is one leaf MIME part collected by Message: its own headers and its
// concatenated body bytes.
type Part struct {
	Headers []Header
	Body    []byte
}

// Message is a reference Handler that accumulates a flat list of Headers
// for the top-level entity and its Parts, mirroring the original
// mime-event crate's MessageHandler (used by message_parser.rs's
// MessageParser). Embedders that want more structure (a full MIME tree)
// can implement Handler directly instead; Message is the 80% case.
type Message struct {
	Headers []Header
	Parts   []Part

	depth    int
	inMulti  []bool
	body     []byte
	building bool
}

// NewMessage returns an empty Message ready to receive Events.
func NewMessage() *Message {
	return &Message{}
}

// Event implements Handler.
func (m *Message) Event(ev Event) {
	switch ev.Kind {
	case HeaderEvent:
		if m.depth == 0 {
			m.Headers = append(m.Headers, *ev.Header)
		} else if len(m.Parts) > 0 {
			last := &m.Parts[len(m.Parts)-1]
			last.Headers = append(last.Headers, *ev.Header)
		}

	case PartStart:
		m.Parts = append(m.Parts, Part{})
		m.body = nil
		m.building = true

	case Body:
		if m.building {
			m.body = append(m.body, ev.Data...)
		}

	case PartEnd:
		if m.building && len(m.Parts) > 0 {
			m.Parts[len(m.Parts)-1].Body = m.body
		}
		m.body = nil
		m.building = false

	case MultipartStart:
		m.depth++

	case MultipartEnd:
		if m.depth > 0 {
			m.depth--
		}
	}
}
