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

// Package nbd implements the NBD network protocol.
//
// You can find a full description of the protocol at
// https://github.com/NetworkBlockDevice/nbd/blob/master/doc/proto.md
//
// The protocol is split into two phases: The handshake phase, in which the
// client and server haggle over options (TLS, structured replies, meta
// contexts) and select an export. And the transmission phase, for actually
// reading and writing the block device.
//
// The server side is the Server type. It looks up exports in a Directory
// (Exports for a fixed list, Registry for one that changes at runtime) and
// serves both phases on every connection it accepts. The user is expected to
// implement the Device interface for the actual reads and writes; Trimmer,
// Zeroer and BlockStatuser are optional extensions that a Device can
// implement to serve the corresponding commands natively. Implementations
// backed by memory, files and badger can be found in the backend package.
//
// The client side of the handshake is done with the Client type. Its methods
// can be used to list the exports a server provides and their respective
// capabilities. Its Go method enters transmission phase. The returned Export
// can then be passed to Configure (linux only) to hook it up to an NBD device
// (/dev/nbdX). Under linux, the Loopback function serves as a convenient way
// to use a given Device as a block device.
//
// The encoders and decoders of all messages are pure functions over byte
// slices. Decoding errors are reported as *ProtocolError; IsFatal tells
// whether the connection can continue after one.
package nbd
