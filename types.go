// Copyright 2018 Axel Wagner
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

package nbd

import (
	"fmt"
	"strings"
)

const (
	nbdMagic             = 0x4e42444d41474943
	optMagic             = 0x49484156454F5054
	repMagic             = 0x0003e889045565a9
	reqMagic             = 0x25609513
	simpleReplyMagic     = 0x67446698
	structuredReplyMagic = 0x668e33ef
)

// DefaultPort is the IANA-assigned port for NBD.
const DefaultPort = 10809

const (
	// DefaultMaxOptionLength bounds the payload of a single option request.
	DefaultMaxOptionLength = 4 << 10
	// DefaultMaxPayload bounds the inline data of a single write request.
	DefaultMaxPayload = 32 << 20
)

// Header sizes of the fixed part of every frame.
const (
	optionHeaderSize  = 16
	replyHeaderSize   = 20
	requestHeaderSize = 28
	simpleReplySize   = 16
	chunkHeaderSize   = 20
)

// HandshakeFlags are sent by the server right after the magic numbers.
type HandshakeFlags uint16

const (
	FlagFixedNewstyle HandshakeFlags = 1 << 0
	FlagNoZeroes      HandshakeFlags = 1 << 1

	serverHandshakeFlags = FlagFixedNewstyle | FlagNoZeroes
)

func (f HandshakeFlags) FixedNewstyle() bool { return f&FlagFixedNewstyle != 0 }
func (f HandshakeFlags) NoZeroes() bool { return f&FlagNoZeroes != 0 }

// ClientFlags are the 32 bits the client answers the server's handshake with.
type ClientFlags uint32

const (
	ClientFlagFixedNewstyle ClientFlags = 1 << 0
	ClientFlagNoZeroes      ClientFlags = 1 << 1

	requiredClientFlags = ClientFlagFixedNewstyle | ClientFlagNoZeroes
)

func (f ClientFlags) FixedNewstyle() bool { return f&ClientFlagFixedNewstyle != 0 }
func (f ClientFlags) NoZeroes() bool { return f&ClientFlagNoZeroes != 0 }

// TransmissionFlags describe the capabilities of an export.
type TransmissionFlags uint16

const (
	FlagHasFlags        TransmissionFlags = 1 << 0
	FlagReadOnly        TransmissionFlags = 1 << 1
	FlagSendFlush       TransmissionFlags = 1 << 2
	FlagSendFUA         TransmissionFlags = 1 << 3
	FlagRotational      TransmissionFlags = 1 << 4
	FlagSendTrim        TransmissionFlags = 1 << 5
	FlagSendWriteZeroes TransmissionFlags = 1 << 6
	FlagSendDF          TransmissionFlags = 1 << 7
	FlagCanMultiConn    TransmissionFlags = 1 << 8
	FlagSendResize      TransmissionFlags = 1 << 9
	FlagSendCache       TransmissionFlags = 1 << 10
	FlagSendFastZero    TransmissionFlags = 1 << 11
)

func (f TransmissionFlags) ReadOnly() bool { return f&FlagReadOnly != 0 }
func (f TransmissionFlags) CanFlush() bool { return f&FlagSendFlush != 0 }
func (f TransmissionFlags) CanFUA() bool { return f&FlagSendFUA != 0 }
func (f TransmissionFlags) CanTrim() bool { return f&FlagSendTrim != 0 }
func (f TransmissionFlags) CanWriteZeroes() bool { return f&FlagSendWriteZeroes != 0 }
func (f TransmissionFlags) CanDF() bool { return f&FlagSendDF != 0 }
func (f TransmissionFlags) CanMultiConn() bool { return f&FlagCanMultiConn != 0 }

// CmdFlags modify a single transmission request.
type CmdFlags uint16

const (
	CmdFlagFUA      CmdFlags = 1 << 0
	CmdFlagNoHole   CmdFlags = 1 << 1
	CmdFlagDF       CmdFlags = 1 << 2
	CmdFlagReqOne   CmdFlags = 1 << 3
	CmdFlagFastZero CmdFlags = 1 << 4
)

func (f CmdFlags) FUA() bool { return f&CmdFlagFUA != 0 }
func (f CmdFlags) NoHole() bool { return f&CmdFlagNoHole != 0 }
func (f CmdFlags) DF() bool { return f&CmdFlagDF != 0 }
func (f CmdFlags) ReqOne() bool { return f&CmdFlagReqOne != 0 }
func (f CmdFlags) FastZero() bool { return f&CmdFlagFastZero != 0 }

// ReplyFlags are carried by every structured reply chunk.
type ReplyFlags uint16

const ReplyFlagDone ReplyFlags = 1 << 0

func (f ReplyFlags) Done() bool { return f&ReplyFlagDone != 0 }

// OptionCode identifies an option request during haggling. Codes without a
// named constant are valid values; the negotiator answers them as unsupported.
type OptionCode uint32

const (
	OptExportName      OptionCode = 1
	OptAbort           OptionCode = 2
	OptList            OptionCode = 3
	OptStartTLS        OptionCode = 5
	OptInfo            OptionCode = 6
	OptGo              OptionCode = 7
	OptStructuredReply OptionCode = 8
	OptListMetaContext OptionCode = 9
	OptSetMetaContext  OptionCode = 10
)

var optNames = map[OptionCode]string{
	OptExportName:      "EXPORT_NAME",
	OptAbort:           "ABORT",
	OptList:            "LIST",
	OptStartTLS:        "STARTTLS",
	OptInfo:            "INFO",
	OptGo:              "GO",
	OptStructuredReply: "STRUCTURED_REPLY",
	OptListMetaContext: "LIST_META_CONTEXT",
	OptSetMetaContext:  "SET_META_CONTEXT",
}

// Known reports whether c is an option this package implements.
func (c OptionCode) Known() bool {
	_, ok := optNames[c]
	return ok
}

func (c OptionCode) String() string {
	if s, ok := optNames[c]; ok {
		return s
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint32(c))
}

// ReplyType is the type of an option reply. Error types have bit 31 set.
type ReplyType uint32

const replyFlagError = 1 << 31

const (
	RepAck         ReplyType = 1
	RepServer      ReplyType = 2
	RepInfo        ReplyType = 3
	RepMetaContext ReplyType = 4

	RepErrUnsup         ReplyType = replyFlagError + 1
	RepErrPolicy        ReplyType = replyFlagError + 2
	RepErrInvalid       ReplyType = replyFlagError + 3
	RepErrPlatform      ReplyType = replyFlagError + 4
	RepErrTLSReqd       ReplyType = replyFlagError + 5
	RepErrUnknown       ReplyType = replyFlagError + 6
	RepErrShutdown      ReplyType = replyFlagError + 7
	RepErrBlockSizeReqd ReplyType = replyFlagError + 8
	RepErrTooBig        ReplyType = replyFlagError + 9
)

// IsError reports whether t is an error reply.
func (t ReplyType) IsError() bool { return t&replyFlagError != 0 }

var repNames = map[ReplyType]string{
	RepAck:              "ACK",
	RepServer:           "SERVER",
	RepInfo:             "INFO",
	RepMetaContext:      "META_CONTEXT",
	RepErrUnsup:         "ERR_UNSUP",
	RepErrPolicy:        "ERR_POLICY",
	RepErrInvalid:       "ERR_INVALID",
	RepErrPlatform:      "ERR_PLATFORM",
	RepErrTLSReqd:       "ERR_TLS_REQD",
	RepErrUnknown:       "ERR_UNKNOWN",
	RepErrShutdown:      "ERR_SHUTDOWN",
	RepErrBlockSizeReqd: "ERR_BLOCK_SIZE_REQD",
	RepErrTooBig:        "ERR_TOO_BIG",
}

func (t ReplyType) String() string {
	if s, ok := repNames[t]; ok {
		return s
	}
	return fmt.Sprintf("REP(0x%x)", uint32(t))
}

// Info types carried in the payload of a RepInfo reply.
const (
	infoExport      = 0
	infoName        = 1
	infoDescription = 2
	infoBlockSize   = 3
)

// Command is the type of a transmission request.
type Command uint16

const (
	CmdRead        Command = 0
	CmdWrite       Command = 1
	CmdDisc        Command = 2
	CmdFlush       Command = 3
	CmdTrim        Command = 4
	CmdCache       Command = 5
	CmdWriteZeroes Command = 6
	CmdBlockStatus Command = 7
	CmdResize      Command = 8
)

var cmdNames = map[Command]string{
	CmdRead:        "read",
	CmdWrite:       "write",
	CmdDisc:        "disconnect",
	CmdFlush:       "flush",
	CmdTrim:        "trim",
	CmdCache:       "cache",
	CmdWriteZeroes: "write_zeroes",
	CmdBlockStatus: "block_status",
	CmdResize:      "resize",
}

func (c Command) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("cmd(%d)", uint16(c))
}

// writeFamily reports whether c modifies the export.
func (c Command) writeFamily() bool {
	return c == CmdWrite || c == CmdTrim || c == CmdWriteZeroes
}

// ChunkType is the type of a structured reply chunk.
type ChunkType uint16

const (
	ChunkNone        ChunkType = 0
	ChunkOffsetData  ChunkType = 1
	ChunkOffsetHole  ChunkType = 2
	ChunkBlockStatus ChunkType = 5
	ChunkError       ChunkType = (1 << 15) + 1
	ChunkErrorOffset ChunkType = (1 << 15) + 2
)

// IsError reports whether t is an error chunk.
func (t ChunkType) IsError() bool { return t&(1<<15) != 0 }

// Meta contexts known to the server, and the status bits of base:allocation.
const (
	MetaContextBaseAllocation = "base:allocation"

	StateHole = 1 << 0
	StateZero = 1 << 1
)

var supportedMetaContexts = []string{MetaContextBaseAllocation}

// matchMetaContext returns the supported contexts selected by query. A query
// ending in ':' selects a whole namespace.
func matchMetaContext(query string) []string {
	var out []string
	for _, c := range supportedMetaContexts {
		if c == query || (strings.HasSuffix(query, ":") && strings.HasPrefix(c, query)) {
			out = append(out, c)
		}
	}
	return out
}
