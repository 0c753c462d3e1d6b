//
// Copyright (c) 2014-2019 Cesanta Software Limited
// All rights reserved
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
package ecproto

import (
	"encoding/binary"

	"github.com/juju/errors"
)

// ProtoVersion is the host-command wire format negotiated with the EC once
// per session, at transport open time. The three formats are mutually
// incompatible and deployed EC firmware may only speak the oldest one, so
// none of the decode paths may assume a newer format.
type ProtoVersion int

const (
	// ProtoV0: parameters are copied verbatim into a fixed window, no
	// header, no checksum. The result code travels out of band.
	ProtoV0 ProtoVersion = 0
	// ProtoV1: a 4-byte arguments header with a byte-sum checksum precedes
	// the payload in the parameter window.
	ProtoV1 ProtoVersion = 1
	// ProtoV3: request and response are self-contained packets with a full
	// header; the sum of all packet bytes is 0 mod 256.
	ProtoV3 ProtoVersion = 3
)

func (v ProtoVersion) String() string {
	switch v {
	case ProtoV0:
		return "proto-v0"
	case ProtoV1:
		return "proto-v1"
	case ProtoV3:
		return "proto-v3"
	default:
		return "proto-unknown"
	}
}

// Command is one logical host command. Op already includes the passthru
// device offset, if any.
type Command struct {
	Op       uint16
	Version  uint8
	Data     []byte
	RespSize int
}

// V1 arguments header layout: flags, command_version, data_size, checksum.
const (
	V1HeaderSize = 4

	// Direction flags. A request carries ArgsFlagToEC; an EC that
	// understands the header echoes ArgsFlagFromEC in its response. An EC
	// that does not will leave the window untouched, which is how a
	// version mismatch is detected.
	ArgsFlagFromEC uint8 = 0x01
	ArgsFlagToEC   uint8 = 0x02
)

// V3 packet header layouts.
const (
	V3HeaderVersion   uint8 = 3
	V3RequestHdrSize        = 8
	V3ResponseHdrSize       = 8
)

func sumBytes(b []byte) uint8 {
	var s uint8
	for _, c := range b {
		s += c
	}
	return s
}

// ChecksumArgs computes the V1 arguments checksum: the low byte of the sum
// of the opcode, the header fields and the payload bytes.
func ChecksumArgs(op uint16, flags, version, dataSize uint8, data []byte) uint8 {
	return uint8(op) + flags + version + dataSize + sumBytes(data)
}

// EncodeRequest builds the raw request bytes for cmd in the given wire
// format. For ProtoV0 and ProtoV1 the result is what goes into the
// parameter window (the opcode itself travels via the command register);
// for ProtoV3 it is the complete packet.
func EncodeRequest(v ProtoVersion, cmd *Command) ([]byte, error) {
	switch v {
	case ProtoV0:
		if cmd.Version != 0 {
			return nil, errors.Errorf("%s does not support command versions (got %d)", v, cmd.Version)
		}
		out := make([]byte, len(cmd.Data))
		copy(out, cmd.Data)
		return out, nil
	case ProtoV1:
		if len(cmd.Data) > 0xff {
			return nil, errors.Errorf("%s request too long: %d", v, len(cmd.Data))
		}
		out := make([]byte, V1HeaderSize+len(cmd.Data))
		out[0] = ArgsFlagToEC
		out[1] = cmd.Version
		out[2] = uint8(len(cmd.Data))
		out[3] = ChecksumArgs(cmd.Op, out[0], out[1], out[2], cmd.Data)
		copy(out[V1HeaderSize:], cmd.Data)
		return out, nil
	case ProtoV3:
		if len(cmd.Data) > 0xffff {
			return nil, errors.Errorf("%s request too long: %d", v, len(cmd.Data))
		}
		out := make([]byte, V3RequestHdrSize+len(cmd.Data))
		out[0] = V3HeaderVersion
		out[1] = 0 // checksum, filled below
		binary.LittleEndian.PutUint16(out[2:4], cmd.Op)
		out[4] = cmd.Version
		out[5] = 0 // reserved
		binary.LittleEndian.PutUint16(out[6:8], uint16(len(cmd.Data)))
		copy(out[V3RequestHdrSize:], cmd.Data)
		out[1] = -sumBytes(out)
		return out, nil
	default:
		return nil, errors.Errorf("unsupported protocol version %d", v)
	}
}

// DecodeResponse validates and strips the wire framing from a raw response.
// For ProtoV0 raw is the parameter window contents and expectedLen bytes are
// returned verbatim. For ProtoV1 raw is the arguments window followed by the
// parameter window. For ProtoV3 raw is the complete response packet and the
// EC result code is returned alongside the payload; for V0/V1 the returned
// result is ResSuccess since the code travels out of band.
func DecodeResponse(v ProtoVersion, cmd *Command, raw []byte, expectedLen int) (Result, []byte, error) {
	switch v {
	case ProtoV0:
		if len(raw) < expectedLen {
			return 0, nil, NewProtocolError(MismatchedLength, "short response: %d < %d", len(raw), expectedLen)
		}
		out := make([]byte, expectedLen)
		copy(out, raw[:expectedLen])
		return ResSuccess, out, nil
	case ProtoV1:
		return decodeV1Response(cmd, raw, expectedLen)
	case ProtoV3:
		return decodeV3Response(raw, expectedLen)
	default:
		return 0, nil, errors.Errorf("unsupported protocol version %d", v)
	}
}

func decodeV1Response(cmd *Command, raw []byte, expectedLen int) (Result, []byte, error) {
	if len(raw) < V1HeaderSize {
		return 0, nil, NewProtocolError(MismatchedLength, "response shorter than args header: %d", len(raw))
	}
	flags, version, dataSize, csum := raw[0], raw[1], raw[2], raw[3]
	if flags&ArgsFlagFromEC == 0 {
		// The EC did not rewrite the header: it does not speak V1.
		return 0, nil, NewProtocolError(ProtocolMismatch, "EC did not set the from-EC flag (flags 0x%02x)", flags)
	}
	if int(dataSize) > expectedLen || V1HeaderSize+int(dataSize) > len(raw) {
		return 0, nil, NewProtocolError(ResponseTooBig, "response data size %d exceeds limit %d", dataSize, expectedLen)
	}
	data := raw[V1HeaderSize : V1HeaderSize+int(dataSize)]
	if want := ChecksumArgs(cmd.Op, flags, version, dataSize, data); csum != want {
		return 0, nil, NewProtocolError(InvalidChecksum, "args checksum mismatch: got 0x%02x, want 0x%02x", csum, want)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return ResSuccess, out, nil
}

func decodeV3Response(raw []byte, expectedLen int) (Result, []byte, error) {
	if len(raw) < V3ResponseHdrSize {
		return 0, nil, NewProtocolError(MismatchedLength, "response shorter than packet header: %d", len(raw))
	}
	if raw[0] != V3HeaderVersion {
		return 0, nil, NewProtocolError(ProtocolMismatch, "bad response struct version %d", raw[0])
	}
	result := Result(binary.LittleEndian.Uint16(raw[2:4]))
	dataLen := int(binary.LittleEndian.Uint16(raw[4:6]))
	if reserved := binary.LittleEndian.Uint16(raw[6:8]); reserved != 0 {
		return 0, nil, NewProtocolError(BadHeader, "nonzero reserved field 0x%04x", reserved)
	}
	if dataLen > expectedLen {
		return 0, nil, NewProtocolError(ResponseTooBig, "response data size %d exceeds limit %d", dataLen, expectedLen)
	}
	if V3ResponseHdrSize+dataLen > len(raw) {
		return 0, nil, NewProtocolError(MismatchedLength, "truncated response: header says %d, have %d", dataLen, len(raw)-V3ResponseHdrSize)
	}
	if s := sumBytes(raw[:V3ResponseHdrSize+dataLen]); s != 0 {
		return 0, nil, NewProtocolError(InvalidChecksum, "packet checksum residue 0x%02x", s)
	}
	out := make([]byte, dataLen)
	copy(out, raw[V3ResponseHdrSize:V3ResponseHdrSize+dataLen])
	return result, out, nil
}

// EncodeV3Response builds a response packet for the given result and
// payload. The EC side of the conversation, used by loopback tests and
// fakes.
func EncodeV3Response(result Result, data []byte) []byte {
	out := make([]byte, V3ResponseHdrSize+len(data))
	out[0] = V3HeaderVersion
	binary.LittleEndian.PutUint16(out[2:4], uint16(result))
	binary.LittleEndian.PutUint16(out[4:6], uint16(len(data)))
	copy(out[V3ResponseHdrSize:], data)
	out[1] = -sumBytes(out)
	return out
}

// EncodeV1Response builds the arguments window contents for a V1 response.
// Used by tests and fakes.
func EncodeV1Response(op uint16, version uint8, data []byte) []byte {
	out := make([]byte, V1HeaderSize+len(data))
	out[0] = ArgsFlagFromEC
	out[1] = version
	out[2] = uint8(len(data))
	out[3] = ChecksumArgs(op, out[0], out[1], out[2], data)
	copy(out[V1HeaderSize:], data)
	return out
}
