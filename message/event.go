// Package message implements a streaming MIME event parser for SMTP DATA
// payloads: headers, nested multipart boundaries, and body bytes are
// emitted as a flat sequence of Events as the handler feeds it bytes
// during the DATA phase (§4.4, §8 properties 8-10).
package message

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	Start EventKind = iota
	HeaderEvent
	BodyStart
	Body
	PartStart
	PartEnd
	MultipartStart
	MultipartEnd
	End
)

// Event is the tagged-variant output of the parser. Only the fields
// relevant to Kind are populated.
type Event struct {
	Kind EventKind

	Header *Header // HeaderEvent

	Offset int // BodyStart, PartStart, PartEnd: byte offset into the stream

	Data []byte // Body: the raw line bytes

	MultipartKind string // MultipartStart: the multipart subtype, e.g. "mixed"
}
