package viewchange

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// ErrMalformed indicates that a message could not be decoded from the bytes
// presented. The offending bytes are discarded; decoding never panics on
// arbitrary input.
var ErrMalformed = errors.New("malformed message")

// maxMessageSize bounds the length prefix that a decoder will honor. An N
// node roster produces certificates of at most N attestations, so well-formed
// messages are tiny; anything larger is a framing error.
const maxMessageSize = 1 << 20

// Protobuf field numbers for the wire representation of a message.
const (
	fieldKind        = protowire.Number(1)
	fieldSender      = protowire.Number(2)
	fieldView        = protowire.Number(3)
	fieldAttestation = protowire.Number(4)

	fieldAttestSender = protowire.Number(1)
	fieldAttestView   = protowire.Number(2)
)

// Wire tags distinguishing the message variants.
const (
	kindViewChange      = 1
	kindViewChangeProof = 2
)

// marshalMessage encodes a message into protobuf wire format.
func marshalMessage(message Message) []byte {
	var buf []byte
	switch m := message.(type) {
	case ViewChange:
		buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, kindViewChange)
		buf = protowire.AppendTag(buf, fieldSender, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Sender))
		buf = protowire.AppendTag(buf, fieldView, protowire.VarintType)
		buf = protowire.AppendVarint(buf, m.View)
	case ViewChangeProof:
		buf = protowire.AppendTag(buf, fieldKind, protowire.VarintType)
		buf = protowire.AppendVarint(buf, kindViewChangeProof)
		buf = protowire.AppendTag(buf, fieldSender, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Sender))
		buf = protowire.AppendTag(buf, fieldView, protowire.VarintType)
		buf = protowire.AppendVarint(buf, m.View)
		for _, attestation := range m.Certificate.Attestations {
			buf = protowire.AppendTag(buf, fieldAttestation, protowire.BytesType)
			buf = protowire.AppendBytes(buf, marshalAttestation(attestation))
		}
	default:
		panic(fmt.Sprintf("unknown message type: %T", message))
	}
	return buf
}

func marshalAttestation(attestation Attestation) []byte {
	var buf []byte
	buf = protowire.AppendTag(buf, fieldAttestSender, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(attestation.Sender))
	buf = protowire.AppendTag(buf, fieldAttestView, protowire.VarintType)
	buf = protowire.AppendVarint(buf, attestation.View)
	return buf
}

// unmarshalMessage decodes a message from protobuf wire format. It returns
// ErrMalformed on truncated input, an unknown message kind, or wire types
// that do not match the expected fields.
func unmarshalMessage(data []byte) (Message, error) {
	var (
		kind         uint64
		kindSeen     bool
		sender       uint64
		view         uint64
		attestations []Attestation
	)

	for len(data) > 0 {
		number, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("%w: bad field tag", ErrMalformed)
		}
		data = data[n:]

		switch {
		case number == fieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad kind", ErrMalformed)
			}
			kind, kindSeen = v, true
			data = data[n:]
		case number == fieldSender && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad sender", ErrMalformed)
			}
			sender = v
			data = data[n:]
		case number == fieldView && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad view", ErrMalformed)
			}
			view = v
			data = data[n:]
		case number == fieldAttestation && typ == protowire.BytesType:
			body, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad attestation", ErrMalformed)
			}
			attestation, err := unmarshalAttestation(body)
			if err != nil {
				return nil, err
			}
			attestations = append(attestations, attestation)
			data = data[n:]
		default:
			// Unknown field: skip it, per protobuf convention.
			n := protowire.ConsumeFieldValue(number, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("%w: bad field value", ErrMalformed)
			}
			data = data[n:]
		}
	}

	if !kindSeen {
		return nil, fmt.Errorf("%w: missing message kind", ErrMalformed)
	}
	if sender > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: sender out of range", ErrMalformed)
	}

	switch kind {
	case kindViewChange:
		return ViewChange{Sender: uint32(sender), View: view}, nil
	case kindViewChangeProof:
		return ViewChangeProof{
			Sender:      uint32(sender),
			View:        view,
			Certificate: Certificate{Attestations: attestations},
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown message kind %d", ErrMalformed, kind)
	}
}

func unmarshalAttestation(data []byte) (Attestation, error) {
	var attestation Attestation
	for len(data) > 0 {
		number, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return Attestation{}, fmt.Errorf("%w: bad attestation tag", ErrMalformed)
		}
		data = data[n:]

		switch {
		case number == fieldAttestSender && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 || v > uint64(^uint32(0)) {
				return Attestation{}, fmt.Errorf("%w: bad attestation sender", ErrMalformed)
			}
			attestation.Sender = uint32(v)
			data = data[n:]
		case number == fieldAttestView && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return Attestation{}, fmt.Errorf("%w: bad attestation view", ErrMalformed)
			}
			attestation.View = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(number, typ, data)
			if n < 0 {
				return Attestation{}, fmt.Errorf("%w: bad attestation field", ErrMalformed)
			}
			data = data[n:]
		}
	}
	return attestation, nil
}

// encodeMessage writes a message to w, framed with a big-endian int32 length
// prefix so that receivers can delimit messages on a byte stream.
func encodeMessage(w io.Writer, message Message) error {
	buf := marshalMessage(message)
	size := int32(len(buf))
	if err := binary.Write(w, binary.BigEndian, size); err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return err
	}
	return nil
}

// decodeMessage reads the next length-prefixed message from r. A clean EOF
// before any prefix bytes is surfaced as io.EOF; anything that violates the
// framing is reported as ErrMalformed.
func decodeMessage(r io.Reader) (Message, error) {
	var size int32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: short length prefix: %v", ErrMalformed, err)
	}
	if size < 0 || size > maxMessageSize {
		return nil, fmt.Errorf("%w: implausible message size %d", ErrMalformed, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: short message body: %v", ErrMalformed, err)
	}

	return unmarshalMessage(buf)
}
