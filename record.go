// Copyright (c) 2024-2025 Six After, Inc
//
// This source code is licensed under the Apache 2.0 License found in the
// LICENSE file in the root directory of this source tree.

package seqvault

import (
	flatbuffers "github.com/google/flatbuffers/go"
)

// The persisted event record is a single FlatBuffers table so that reads can
// resolve fields directly against mapped memory. The accessors below follow
// the flatc-generated form; the verifier is hand-rolled because the Go
// runtime ships no table verifier.
//
// table eventRecord {
//   stream_id:       [ubyte];  // slot 0, always 16 bytes
//   stream_version:  uint32;   // slot 1
//   global_sequence: uint64;   // slot 2
//   payload_kind:    ubyte;    // slot 3
//   payload:         [ubyte];  // slot 4, inline bytes or 32-byte content hash
// }

const (
	// payloadInline marks a payload embedded in the record.
	payloadInline = byte(0)

	// payloadBlobRef marks a payload stored in the blob sidecar; the record
	// carries the 32-byte content hash.
	payloadBlobRef = byte(1)
)

// contentHashSize is the size of a blob content address (blake3-256).
const contentHashSize = 32

type eventRecord struct {
	_tab flatbuffers.Table
}

func rootAsEventRecord(buf []byte, offset flatbuffers.UOffsetT) *eventRecord {
	n := flatbuffers.GetUOffsetT(buf[offset:])
	x := &eventRecord{}
	x._tab.Bytes = buf
	x._tab.Pos = n + offset
	return x
}

func (rcv *eventRecord) StreamIDBytes() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(4))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

func (rcv *eventRecord) StreamVersion() uint32 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(6))
	if o != 0 {
		return rcv._tab.GetUint32(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *eventRecord) GlobalSequence() uint64 {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(8))
	if o != 0 {
		return rcv._tab.GetUint64(o + rcv._tab.Pos)
	}
	return 0
}

func (rcv *eventRecord) PayloadKind() byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(10))
	if o != 0 {
		return rcv._tab.GetByte(o + rcv._tab.Pos)
	}
	return payloadInline
}

func (rcv *eventRecord) PayloadBytes() []byte {
	o := flatbuffers.UOffsetT(rcv._tab.Offset(12))
	if o != 0 {
		return rcv._tab.ByteVector(o + rcv._tab.Pos)
	}
	return nil
}

// encodeEventRecord builds the archive bytes for one event record.
func encodeEventRecord(id StreamID, version uint32, seq uint64, kind byte, payload []byte) []byte {
	b := flatbuffers.NewBuilder(64 + len(payload))
	payloadOff := b.CreateByteVector(payload)
	idOff := b.CreateByteVector(id[:])
	b.StartObject(5)
	b.PrependUOffsetTSlot(0, idOff, 0)
	b.PrependUint32Slot(1, version, 0)
	b.PrependUint64Slot(2, seq, 0)
	b.PrependByteSlot(3, kind, 0)
	b.PrependUOffsetTSlot(4, payloadOff, 0)
	b.Finish(b.EndObject())
	return b.FinishedBytes()
}

// verifyEventRecord walks the archive structure and reports ErrValidation if
// any offset, vtable entry, or vector escapes the buffer, or if the record's
// stream id and payload do not satisfy their fixed-size contracts. It must be
// applied before typed access whenever the bytes were read from storage or
// produced by decryption.
func verifyEventRecord(buf []byte) error {
	n := len(buf)
	if n < flatbuffers.SizeUOffsetT {
		return ErrValidation
	}
	tbl := int(flatbuffers.GetUOffsetT(buf))
	if tbl < flatbuffers.SizeSOffsetT || tbl+flatbuffers.SizeSOffsetT > n {
		return ErrValidation
	}
	vt := tbl - int(flatbuffers.GetSOffsetT(buf[tbl:]))
	if vt < 0 || vt+4 > n {
		return ErrValidation
	}
	vtLen := int(flatbuffers.GetVOffsetT(buf[vt:]))
	tblLen := int(flatbuffers.GetVOffsetT(buf[vt+2:]))
	if vtLen < 4 || vtLen%2 != 0 || vt+vtLen > n {
		return ErrValidation
	}
	if tblLen < flatbuffers.SizeSOffsetT || tbl+tblLen > n {
		return ErrValidation
	}

	// field returns the absolute offset of a slot's data, or 0 if absent.
	field := func(slot int) int {
		entry := 4 + 2*slot
		if entry+2 > vtLen {
			return 0
		}
		rel := int(flatbuffers.GetVOffsetT(buf[vt+entry:]))
		if rel == 0 {
			return 0
		}
		return tbl + rel
	}
	scalarOK := func(slot, width int) bool {
		p := field(slot)
		return p == 0 || p+width <= tbl+tblLen
	}
	byteVector := func(slot int) ([]byte, bool) {
		p := field(slot)
		if p == 0 {
			return nil, true
		}
		if p+flatbuffers.SizeUOffsetT > n {
			return nil, false
		}
		vec := p + int(flatbuffers.GetUOffsetT(buf[p:]))
		if vec < 0 || vec+flatbuffers.SizeUOffsetT > n {
			return nil, false
		}
		l := int(flatbuffers.GetUint32(buf[vec:]))
		if l < 0 || vec+flatbuffers.SizeUOffsetT+l > n {
			return nil, false
		}
		start := vec + flatbuffers.SizeUOffsetT
		return buf[start : start+l], true
	}

	if !scalarOK(1, 4) || !scalarOK(2, 8) || !scalarOK(3, 1) {
		return ErrValidation
	}
	id, ok := byteVector(0)
	if !ok || len(id) != StreamIDSize {
		return ErrValidation
	}
	payload, ok := byteVector(4)
	if !ok || payload == nil {
		return ErrValidation
	}

	rec := rootAsEventRecord(buf, 0)
	switch rec.PayloadKind() {
	case payloadInline:
	case payloadBlobRef:
		if len(payload) != contentHashSize {
			return ErrValidation
		}
	default:
		return ErrValidation
	}
	if rec.StreamVersion() == 0 || rec.GlobalSequence() == 0 {
		return ErrValidation
	}
	return nil
}
