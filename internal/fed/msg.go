package fed

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/google/uuid"

	"github.com/tidefall/tact/internal/logical"
)

// Kind identifies a protocol frame.
type Kind uint8

const (
	// KindJoin opens a connection: federate id, federation id, flags.
	KindJoin Kind = iota + 1
	// KindJoinAck accepts a join.
	KindJoinAck
	// KindNET announces the next event tag a federate may process.
	KindNET
	// KindTAG grants advancement to a tag, irrevocably.
	KindTAG
	// KindPTAG grants advancement provisionally: tagged messages at or
	// before the grant may still arrive.
	KindPTAG
	// KindLTC reports completion of all reactions at a tag.
	KindLTC
	// KindTagged carries a timestamped value for a remote input channel.
	KindTagged
	// KindProbe requests a coordinator clock sample.
	KindProbe
	// KindEcho answers a probe, echoing the probe timestamp in the tag
	// field and carrying the coordinator's own clock reading.
	KindEcho
	// KindResign announces a clean departure from the federation.
	KindResign
	// KindReject refuses a connection or frame; the connection closes.
	KindReject
)

func (k Kind) String() string {
	switch k {
	case KindJoin:
		return "JOIN"
	case KindJoinAck:
		return "JOIN_ACK"
	case KindNET:
		return "NET"
	case KindTAG:
		return "TAG"
	case KindPTAG:
		return "PTAG"
	case KindLTC:
		return "LTC"
	case KindTagged:
		return "TAGGED_MSG"
	case KindProbe:
		return "CLOCK_PROBE"
	case KindEcho:
		return "CLOCK_ECHO"
	case KindResign:
		return "RESIGN"
	case KindReject:
		return "REJECT"
	default:
		return fmt.Sprintf("KIND(%d)", uint8(k))
	}
}

// RejectCode explains a KindReject frame.
type RejectCode uint8

const (
	RejectUnknownFederate RejectCode = iota + 1
	RejectWrongFederation
	RejectDuplicateJoin
	RejectMalformed
)

func (c RejectCode) String() string {
	switch c {
	case RejectUnknownFederate:
		return "unknown federate"
	case RejectWrongFederation:
		return "wrong federation"
	case RejectDuplicateJoin:
		return "duplicate join"
	case RejectMalformed:
		return "malformed frame"
	default:
		return fmt.Sprintf("reject(%d)", uint8(c))
	}
}

// JoinFlagPhysical marks a federate carrying physical-action sources.
// The coordinator bounds grants affected by such a federate at the
// current physical time.
const JoinFlagPhysical uint8 = 1 << 0

// maxPayload caps a tagged-message payload. A frame claiming more is
// malformed rather than an allocation request.
const maxPayload = 16 << 20

// Message is one decoded protocol frame. Fields beyond Kind, Federate
// and Tag are meaningful only for the kinds that carry them.
type Message struct {
	Kind     Kind
	Federate uint16
	Tag      logical.Tag

	// Join only.
	Federation uuid.UUID
	Flags      uint8

	// Tagged only.
	Dest    uint16
	Channel uint16
	Payload []byte

	// Echo only: the coordinator clock at the time of the echo,
	// nanoseconds since federation start.
	Clock int64

	// Reject only.
	Code RejectCode
}

// header is kind(1) federate(2) time(8) microstep(4), big-endian.
const headerSize = 1 + 2 + 8 + 4

// Encode writes the frame to w. It performs a single Write per section
// so callers should wrap w in a buffered writer and flush per frame.
func (m Message) Encode(w io.Writer) error {
	var hdr [headerSize]byte
	hdr[0] = byte(m.Kind)
	binary.BigEndian.PutUint16(hdr[1:3], m.Federate)
	binary.BigEndian.PutUint64(hdr[3:11], uint64(m.Tag.Time))
	binary.BigEndian.PutUint32(hdr[11:15], m.Tag.Microstep)
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	switch m.Kind {
	case KindJoin:
		var body [17]byte
		copy(body[:16], m.Federation[:])
		body[16] = m.Flags
		_, err := w.Write(body[:])
		return err
	case KindTagged:
		if len(m.Payload) > maxPayload {
			return &ProtocolError{Code: ErrCodeMalformed, Message: fmt.Sprintf("payload of %d bytes exceeds frame limit", len(m.Payload))}
		}
		var body [8]byte
		binary.BigEndian.PutUint16(body[0:2], m.Dest)
		binary.BigEndian.PutUint16(body[2:4], m.Channel)
		binary.BigEndian.PutUint32(body[4:8], uint32(len(m.Payload)))
		if _, err := w.Write(body[:]); err != nil {
			return err
		}
		_, err := w.Write(m.Payload)
		return err
	case KindEcho:
		var body [8]byte
		binary.BigEndian.PutUint64(body[:], uint64(m.Clock))
		_, err := w.Write(body[:])
		return err
	case KindReject:
		_, err := w.Write([]byte{byte(m.Code)})
		return err
	default:
		return nil
	}
}

// Decode reads exactly one frame from r. An unknown kind or an
// oversized payload yields a *ProtocolError; a short read surfaces the
// underlying I/O error.
func Decode(r io.Reader) (Message, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Message{}, err
	}
	m := Message{
		Kind:     Kind(hdr[0]),
		Federate: binary.BigEndian.Uint16(hdr[1:3]),
		Tag: logical.Tag{
			Time:      int64(binary.BigEndian.Uint64(hdr[3:11])),
			Microstep: binary.BigEndian.Uint32(hdr[11:15]),
		},
	}
	switch m.Kind {
	case KindJoin:
		var body [17]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Message{}, err
		}
		copy(m.Federation[:], body[:16])
		m.Flags = body[16]
	case KindTagged:
		var body [8]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Message{}, err
		}
		m.Dest = binary.BigEndian.Uint16(body[0:2])
		m.Channel = binary.BigEndian.Uint16(body[2:4])
		n := binary.BigEndian.Uint32(body[4:8])
		if n > maxPayload {
			return Message{}, &ProtocolError{Code: ErrCodeMalformed, Message: fmt.Sprintf("tagged frame claims %d payload bytes", n)}
		}
		if n > 0 {
			m.Payload = make([]byte, n)
			if _, err := io.ReadFull(r, m.Payload); err != nil {
				return Message{}, err
			}
		}
	case KindEcho:
		var body [8]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Message{}, err
		}
		m.Clock = int64(binary.BigEndian.Uint64(body[:]))
	case KindReject:
		var body [1]byte
		if _, err := io.ReadFull(r, body[:]); err != nil {
			return Message{}, err
		}
		m.Code = RejectCode(body[0])
	case KindJoinAck, KindNET, KindTAG, KindPTAG, KindLTC, KindProbe, KindResign:
		// Header only.
	default:
		return Message{}, &ProtocolError{Code: ErrCodeUnknownKind, Message: fmt.Sprintf("unknown frame kind %d", hdr[0])}
	}
	if m.Tag.Microstep == math.MaxUint32 && m.Tag != logical.Forever {
		return Message{}, &ProtocolError{Code: ErrCodeMalformed, Message: fmt.Sprintf("reserved microstep in %s tag %s", m.Kind, m.Tag)}
	}
	return m, nil
}
