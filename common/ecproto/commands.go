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

// Host command opcodes understood by the EC. Only the ones the tool
// actually issues are listed here; the full table lives in the EC firmware.
const (
	CmdProtoVersion    uint16 = 0x00
	CmdHello           uint16 = 0x01
	CmdGetVersion      uint16 = 0x02
	CmdGetBuildInfo    uint16 = 0x04
	CmdGetCmdVersions  uint16 = 0x08
	CmdGetCommsStatus  uint16 = 0x09
	CmdResendResponse  uint16 = 0x0A
	CmdGetProtocolInfo uint16 = 0x0B

	CmdFlashInfo       uint16 = 0x10
	CmdFlashRead       uint16 = 0x11
	CmdFlashWrite      uint16 = 0x12
	CmdFlashErase      uint16 = 0x13
	CmdFlashProtect    uint16 = 0x15
	CmdFlashRegionInfo uint16 = 0x16

	CmdRebootEC uint16 = 0xD2
)

// Commands for a downstream EC behind the one we are talking to are issued
// by adding a per-device offset to the opcode.
const (
	cmdPassthruOffset uint16 = 0x4000
	MaxDevIndex              = 3
)

// PassthruCmd offsets op so that it is routed to logical device devIndex.
// Index 0 is the EC itself.
func PassthruCmd(op uint16, devIndex int) uint16 {
	return op + cmdPassthruOffset*uint16(devIndex)
}

// EC result codes (the low word of every response).
type Result uint16

const (
	ResSuccess          Result = 0
	ResInvalidCommand   Result = 1
	ResError            Result = 2
	ResInvalidParam     Result = 3
	ResAccessDenied     Result = 4
	ResInvalidResponse  Result = 5
	ResInvalidVersion   Result = 6
	ResInvalidChecksum  Result = 7
	ResInProgress       Result = 8
	ResUnavailable      Result = 9
	ResTimeout          Result = 10
	ResOverflow         Result = 11
	ResInvalidHeader    Result = 12
	ResRequestTruncated Result = 13
	ResResponseTooBig   Result = 14
	ResBusError         Result = 15
	ResBusy             Result = 16
)

var resultNames = map[Result]string{
	ResSuccess:          "SUCCESS",
	ResInvalidCommand:   "INVALID_COMMAND",
	ResError:            "ERROR",
	ResInvalidParam:     "INVALID_PARAM",
	ResAccessDenied:     "ACCESS_DENIED",
	ResInvalidResponse:  "INVALID_RESPONSE",
	ResInvalidVersion:   "INVALID_VERSION",
	ResInvalidChecksum:  "INVALID_CHECKSUM",
	ResInProgress:       "IN_PROGRESS",
	ResUnavailable:      "UNAVAILABLE",
	ResTimeout:          "TIMEOUT",
	ResOverflow:         "OVERFLOW",
	ResInvalidHeader:    "INVALID_HEADER",
	ResRequestTruncated: "REQUEST_TRUNCATED",
	ResResponseTooBig:   "RESPONSE_TOO_BIG",
	ResBusError:         "BUS_ERROR",
	ResBusy:             "BUSY",
}

func (r Result) String() string {
	if s, ok := resultNames[r]; ok {
		return s
	}
	return "UNKNOWN"
}

// Firmware copies the EC can report as currently executing.
type Image uint32

const (
	ImageUnknown Image = 0
	ImageRO      Image = 1
	ImageRW      Image = 2
)

func (im Image) String() string {
	switch im {
	case ImageRO:
		return "RO"
	case ImageRW:
		return "RW"
	default:
		return "unknown"
	}
}

// CmdRebootEC subcommands and flags.
const (
	RebootCancel      uint8 = 0
	RebootJumpRO      uint8 = 1
	RebootJumpRW      uint8 = 2
	RebootCold        uint8 = 4
	RebootDisableJump uint8 = 5

	RebootFlagReserved0    uint8 = 0x01
	RebootFlagOnAPShutdown uint8 = 0x02
)

// CmdFlashProtect flags, shared by the mask, the current state and the
// valid/writable masks in the response.
const (
	FlashProtectRoAtBoot          uint32 = 1 << 0
	FlashProtectRoNow             uint32 = 1 << 1
	FlashProtectAllNow            uint32 = 1 << 2
	FlashProtectGpioAsserted      uint32 = 1 << 3
	FlashProtectErrorStuck        uint32 = 1 << 4
	FlashProtectErrorInconsistent uint32 = 1 << 5
	FlashProtectAllAtBoot         uint32 = 1 << 6
)

// CmdFlashRegionInfo (version 1) region selectors.
const (
	FlashRegionRO     uint32 = 0
	FlashRegionActive uint32 = 1
	FlashRegionWPRO   uint32 = 2
)

// CmdHello xors the 32-bit payload with this pattern so that a stuck bus
// returning echoes is not mistaken for a live EC.
const HelloMagic uint32 = 0x01020304

// VersionResponse is the decoded CmdGetVersion response.
type VersionResponse struct {
	ROVersion    string
	RWVersion    string
	CurrentImage Image
}

const versionRespSize = 32 + 32 + 32 + 4

func DecodeVersionResponse(b []byte) (*VersionResponse, error) {
	if len(b) < versionRespSize {
		return nil, errors.Errorf("version response too short: %d", len(b))
	}
	return &VersionResponse{
		ROVersion:    cString(b[0:32]),
		RWVersion:    cString(b[32:64]),
		CurrentImage: Image(binary.LittleEndian.Uint32(b[96:100])),
	}, nil
}

// FlashInfo is the decoded CmdFlashInfo (version 0) response.
type FlashInfo struct {
	FlashSize        uint32
	WriteBlockSize   uint32
	EraseBlockSize   uint32
	ProtectBlockSize uint32
}

func DecodeFlashInfo(b []byte) (*FlashInfo, error) {
	if len(b) < 16 {
		return nil, errors.Errorf("flash info response too short: %d", len(b))
	}
	return &FlashInfo{
		FlashSize:        binary.LittleEndian.Uint32(b[0:4]),
		WriteBlockSize:   binary.LittleEndian.Uint32(b[4:8]),
		EraseBlockSize:   binary.LittleEndian.Uint32(b[8:12]),
		ProtectBlockSize: binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

// ProtocolInfo is the decoded CmdGetProtocolInfo response.
type ProtocolInfo struct {
	ProtocolVersions uint32 // bit n set => protocol version n supported
	MaxRequestSize   uint16 // including the request header
	MaxResponseSize  uint16 // including the response header
	Flags            uint32
}

func DecodeProtocolInfo(b []byte) (*ProtocolInfo, error) {
	if len(b) < 12 {
		return nil, errors.Errorf("protocol info response too short: %d", len(b))
	}
	return &ProtocolInfo{
		ProtocolVersions: binary.LittleEndian.Uint32(b[0:4]),
		MaxRequestSize:   binary.LittleEndian.Uint16(b[4:6]),
		MaxResponseSize:  binary.LittleEndian.Uint16(b[6:8]),
		Flags:            binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

// FlashProtectResponse is the decoded CmdFlashProtect (version 1) response.
type FlashProtectResponse struct {
	Flags         uint32
	ValidFlags    uint32
	WritableFlags uint32
}

func DecodeFlashProtect(b []byte) (*FlashProtectResponse, error) {
	if len(b) < 12 {
		return nil, errors.Errorf("flash protect response too short: %d", len(b))
	}
	return &FlashProtectResponse{
		Flags:         binary.LittleEndian.Uint32(b[0:4]),
		ValidFlags:    binary.LittleEndian.Uint32(b[4:8]),
		WritableFlags: binary.LittleEndian.Uint32(b[8:12]),
	}, nil
}

func EncodeFlashProtectParams(mask, flags uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], mask)
	binary.LittleEndian.PutUint32(b[4:8], flags)
	return b
}

// EncodeOffsetSize packs the {offset, size} parameter pair shared by
// CmdFlashRead and CmdFlashErase.
func EncodeOffsetSize(offset, size uint32) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], offset)
	binary.LittleEndian.PutUint32(b[4:8], size)
	return b
}

func EncodeFlashWriteParams(offset uint32, data []byte) []byte {
	b := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint32(b[0:4], offset)
	binary.LittleEndian.PutUint32(b[4:8], uint32(len(data)))
	copy(b[8:], data)
	return b
}

func EncodeRegionInfoParams(region uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, region)
	return b
}

func DecodeRegionInfo(b []byte) (offset, size uint32, err error) {
	if len(b) < 8 {
		return 0, 0, errors.Errorf("region info response too short: %d", len(b))
	}
	return binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint32(b[4:8]), nil
}

func EncodeRebootParams(cmd, flags uint8) []byte {
	return []byte{cmd, flags}
}

func EncodeHelloParams(inData uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, inData)
	return b
}

func DecodeHelloResponse(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, errors.Errorf("hello response too short: %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

// CommsStatusProcessing is set in the CmdGetCommsStatus response flags while
// the previous command is still being processed.
const CommsStatusProcessing uint32 = 1 << 0

func DecodeCommsStatus(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, errors.Errorf("comms status response too short: %d", len(b))
	}
	return binary.LittleEndian.Uint32(b), nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
