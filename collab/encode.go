package collab

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// compact binary codec for update payloads, state vectors, and awareness
// deltas. uvarint framing throughout. entity values travel as opaque json
// bytes inside ops, so the codec never needs to know the entity schema.

var errTruncated = errors.New("truncated payload")

func writeUvarint(buf *bytes.Buffer, v uint64) {
	buf.Write(binary.AppendUvarint(nil, v))
}

func writeBytes(buf *bytes.Buffer, b []byte) {
	writeUvarint(buf, uint64(len(b)))
	buf.Write(b)
}

func writeString(buf *bytes.Buffer, s string) {
	writeBytes(buf, []byte(s))
}

func readUvarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, errTruncated
	}
	return v, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// zero length means absent, e.g. a removed awareness state
		return nil, nil
	}
	if uint64(r.Len()) < n {
		return nil, errTruncated
	}
	b := make([]byte, n)
	if _, err := r.Read(b); err != nil {
		return nil, errTruncated
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	return string(b), err
}

func encodeUpdate(ops []*op) []byte {
	buf := &bytes.Buffer{}
	writeUvarint(buf, uint64(len(ops)))
	for _, o := range ops {
		buf.WriteByte(byte(o.kind))
		writeUvarint(buf, uint64(o.id.Client))
		writeUvarint(buf, uint64(o.id.Clock))
		writeString(buf, o.container)
		switch o.kind {
		case opListInsert:
			writeString(buf, o.entityKey)
			writeUvarint(buf, uint64(len(o.pos)))
			for _, segment := range o.pos {
				writeUvarint(buf, uint64(segment.digit))
				writeUvarint(buf, uint64(segment.client))
			}
			writeUvarint(buf, uint64(o.lamport))
			writeBytes(buf, o.value)
		case opListDelete:
			writeUvarint(buf, uint64(o.target.Client))
			writeUvarint(buf, uint64(o.target.Clock))
		case opListUpdate:
			writeUvarint(buf, uint64(o.target.Client))
			writeUvarint(buf, uint64(o.target.Clock))
			writeUvarint(buf, uint64(o.lamport))
			writeBytes(buf, o.value)
		case opMapSet:
			writeString(buf, o.entityKey)
			writeUvarint(buf, uint64(o.lamport))
			writeBytes(buf, o.value)
		case opMapDelete:
			writeString(buf, o.entityKey)
			writeUvarint(buf, uint64(o.lamport))
		}
	}
	return buf.Bytes()
}

func decodeUpdate(update []byte) ([]*op, error) {
	r := bytes.NewReader(update)
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	ops := []*op{}
	for i := uint64(0); i < n; i += 1 {
		kindByte, err := r.ReadByte()
		if err != nil {
			return nil, errTruncated
		}
		o := &op{
			kind: opKind(kindByte),
		}
		client, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		clock, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		o.id = OpId{Client: ClientId(client), Clock: Clock(clock)}
		if o.container, err = readString(r); err != nil {
			return nil, err
		}
		switch o.kind {
		case opListInsert:
			if o.entityKey, err = readString(r); err != nil {
				return nil, err
			}
			segmentCount, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.pos = make(position, 0, segmentCount)
			for j := uint64(0); j < segmentCount; j += 1 {
				digit, err := readUvarint(r)
				if err != nil {
					return nil, err
				}
				segmentClient, err := readUvarint(r)
				if err != nil {
					return nil, err
				}
				o.pos = append(o.pos, posSegment{
					digit:  uint32(digit),
					client: ClientId(segmentClient),
				})
			}
			lamport, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.lamport = Clock(lamport)
			if o.value, err = readBytes(r); err != nil {
				return nil, err
			}
		case opListDelete:
			targetClient, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			targetClock, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.target = OpId{Client: ClientId(targetClient), Clock: Clock(targetClock)}
		case opListUpdate:
			targetClient, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			targetClock, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.target = OpId{Client: ClientId(targetClient), Clock: Clock(targetClock)}
			lamport, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.lamport = Clock(lamport)
			if o.value, err = readBytes(r); err != nil {
				return nil, err
			}
		case opMapSet:
			if o.entityKey, err = readString(r); err != nil {
				return nil, err
			}
			lamport, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.lamport = Clock(lamport)
			if o.value, err = readBytes(r); err != nil {
				return nil, err
			}
		case opMapDelete:
			if o.entityKey, err = readString(r); err != nil {
				return nil, err
			}
			lamport, err := readUvarint(r)
			if err != nil {
				return nil, err
			}
			o.lamport = Clock(lamport)
		default:
			return nil, fmt.Errorf("unknown op kind: %d", kindByte)
		}
		ops = append(ops, o)
	}
	return ops, nil
}

func EncodeStateVector(sv StateVector) []byte {
	buf := &bytes.Buffer{}
	clients := maps.Keys(sv)
	slices.Sort(clients)
	writeUvarint(buf, uint64(len(clients)))
	for _, client := range clients {
		writeUvarint(buf, uint64(client))
		writeUvarint(buf, uint64(sv[client]))
	}
	return buf.Bytes()
}

func DecodeStateVector(b []byte) (StateVector, error) {
	r := bytes.NewReader(b)
	n, err := readUvarint(r)
	if err != nil {
		return nil, err
	}
	sv := StateVector{}
	for i := uint64(0); i < n; i += 1 {
		client, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		clock, err := readUvarint(r)
		if err != nil {
			return nil, err
		}
		sv[ClientId(client)] = Clock(clock)
	}
	return sv, nil
}
