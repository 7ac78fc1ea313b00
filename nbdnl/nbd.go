//go:build linux

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

// Package nbdnl controls the Linux NBD driver via netlink.
//
// All operations share one generic netlink connection, which is opened on
// first use. A device is connected by handing the kernel one or more sockets
// that are already in the transmission phase of the NBD protocol, so the
// handshake has to happen elsewhere (usually in package nbd, which also
// provides a server to connect the kernel to). The device then shows up as
// /dev/nbdX and can be used like any other block device.
package nbdnl

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/mdlayher/genetlink"
	"github.com/mdlayher/netlink"
)

const (
	familyName = "nbd"
	version    = 1
)

// IndexAny lets the kernel pick an unused device, creating one if needed.
const IndexAny = ^uint32(0)

// ErrNotFound is returned by Status for devices the kernel does not know.
var ErrNotFound = errors.New("nbdnl: device not found")

// Commands of the nbd family.
const (
	_ = iota
	cmdConnect
	cmdDisconnect
	cmdReconfigure
	_ // NBD_CMD_LINK_DEAD, unused
	cmdStatus
)

// Top level attributes.
const (
	_ = iota
	attrIndex
	attrSizeBytes
	attrBlockSizeBytes
	attrTimeout
	attrServerFlags
	attrClientFlags
	attrSockets
	attrDeadconnTimeout
	attrDeviceList
)

// Nested attributes of attrSockets and attrDeviceList.
const (
	sockItem = 1
	sockFD   = 1

	deviceItem      = 1
	deviceIndex     = 1
	deviceConnected = 2
)

// family is the lazily opened connection to the nbd family.
var family struct {
	mu sync.Mutex
	c  *genetlink.Conn
	id uint16
}

func open() (*genetlink.Conn, uint16, error) {
	family.mu.Lock()
	defer family.mu.Unlock()

	if family.c == nil {
		c, err := genetlink.Dial(nil)
		if err != nil {
			return nil, 0, fmt.Errorf("nbdnl: %w", err)
		}
		family.c = c
	}
	if family.id == 0 {
		fam, err := family.c.GetFamily(familyName)
		if err != nil {
			return nil, 0, fmt.Errorf("nbdnl: looking up %q family (is the nbd module loaded?): %w", familyName, err)
		}
		if fam.Version < version {
			return nil, 0, fmt.Errorf("nbdnl: kernel speaks nbd-netlink v%d, need v%d", fam.Version, version)
		}
		family.id = fam.ID
	}
	return family.c, family.id, nil
}

// Config specifies the parameters of a device connected with Connect or
// Reconfigure.
type Config struct {
	// Size of the device in bytes. Ignored by Reconfigure.
	Size uint64
	// BlockSize is the logical block size used by the kernel. If zero, the
	// kernel default (1024) is used. Ignored by Reconfigure.
	BlockSize uint64
	// Timeout is the per-request timeout. Zero disables it.
	Timeout time.Duration
	// DeadconnTimeout is the time after which a device without a live
	// connection fails its requests.
	DeadconnTimeout time.Duration

	ClientFlags ClientFlags
	ServerFlags ServerFlags
}

func (c Config) encode(e *netlink.AttributeEncoder, reconfigure bool) {
	if !reconfigure {
		e.Uint64(attrSizeBytes, c.Size)
		if c.BlockSize != 0 {
			e.Uint64(attrBlockSizeBytes, c.BlockSize)
		}
	}
	if c.Timeout > 0 {
		e.Uint64(attrTimeout, uint64(c.Timeout/time.Second))
	}
	if c.DeadconnTimeout > 0 {
		e.Uint64(attrDeadconnTimeout, uint64(c.DeadconnTimeout/time.Second))
	}
	e.Uint64(attrClientFlags, uint64(c.ClientFlags))
	e.Uint64(attrServerFlags, uint64(c.ServerFlags))
}

// ClientFlags configure the behavior of the kernel client.
type ClientFlags uint64

const (
	// FlagDestroyOnDisconnect deletes the device on disconnect.
	FlagDestroyOnDisconnect ClientFlags = 1 << iota
	// FlagDisconnectOnClose disconnects the device when its last opener
	// closes it.
	FlagDisconnectOnClose
)

// ServerFlags tell the kernel which features the export supports. They have
// the same values as the transmission flags of the NBD protocol.
type ServerFlags uint64

const (
	FlagHasFlags        ServerFlags = 1 << 0
	FlagReadOnly        ServerFlags = 1 << 1
	FlagSendFlush       ServerFlags = 1 << 2
	FlagSendFUA         ServerFlags = 1 << 3
	FlagRotational      ServerFlags = 1 << 4
	FlagSendTrim        ServerFlags = 1 << 5
	FlagSendWriteZeroes ServerFlags = 1 << 6
	FlagCanMulticonn    ServerFlags = 1 << 8
	FlagSendCache       ServerFlags = 1 << 10
)

// Connect hands socks to the kernel to serve device idx, or a device of the
// kernel's choosing if idx is IndexAny. All sockets must be connected to the
// same export and be in transmission phase. Connect returns the index of
// the device.
func Connect(idx uint32, socks []*os.File, cfg Config) (uint32, error) {
	e := netlink.NewAttributeEncoder()
	if idx != IndexAny {
		e.Uint32(attrIndex, idx)
	}
	if err := encodeSocks(e, socks); err != nil {
		return 0, err
	}
	cfg.encode(e, false)
	msgs, err := execute(cmdConnect, e, netlink.Request)
	if err != nil {
		return 0, fmt.Errorf("nbdnl: connect: %w", err)
	}
	got, err := decodeIndex(msgs)
	if err != nil {
		// the kernel connected a device we cannot name, so it cannot be
		// cleaned up either.
		return 0, fmt.Errorf("nbdnl: connect: %w", err)
	}
	return got, nil
}

// Reconfigure replaces the sockets and timeouts of a connected device, for
// example after the server restarted. The size and block size of cfg are
// ignored.
func Reconfigure(idx uint32, socks []*os.File, cfg Config) error {
	if idx == IndexAny {
		return errors.New("nbdnl: reconfigure needs a device index")
	}
	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	if err := encodeSocks(e, socks); err != nil {
		return err
	}
	cfg.encode(e, true)
	// The kernel does not reply to reconfigure, so request an ack.
	if _, err := execute(cmdReconfigure, e, netlink.Request|netlink.Acknowledge); err != nil {
		return fmt.Errorf("nbdnl: reconfigure /dev/nbd%d: %w", idx, err)
	}
	return nil
}

// Disconnect disconnects device idx.
func Disconnect(idx uint32) error {
	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	// The kernel does not reply to disconnect, so request an ack.
	if _, err := execute(cmdDisconnect, e, netlink.Request|netlink.Acknowledge); err != nil {
		return fmt.Errorf("nbdnl: disconnect /dev/nbd%d: %w", idx, err)
	}
	return nil
}

func execute(cmd uint8, e *netlink.AttributeEncoder, flags netlink.HeaderFlags) ([]genetlink.Message, error) {
	c, id, err := open()
	if err != nil {
		return nil, err
	}
	body, err := e.Encode()
	if err != nil {
		return nil, err
	}
	return c.Execute(genetlink.Message{
		Header: genetlink.Header{Command: cmd},
		Data:   body,
	}, id, flags)
}

func encodeSocks(e *netlink.AttributeEncoder, socks []*os.File) error {
	if len(socks) == 0 {
		return errors.New("nbdnl: no sockets given")
	}
	e.Nested(attrSockets, func(ne *netlink.AttributeEncoder) error {
		for _, s := range socks {
			fd := uint32(s.Fd())
			ne.Nested(sockItem, func(ie *netlink.AttributeEncoder) error {
				ie.Uint32(sockFD, fd)
				return nil
			})
		}
		return nil
	})
	return nil
}

// decodeIndex returns the device index from the reply to cmdConnect.
func decodeIndex(msgs []genetlink.Message) (uint32, error) {
	idx := IndexAny
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return 0, err
		}
		for d.Next() {
			if d.Type() == attrIndex {
				idx = d.Uint32()
			}
		}
		if err := d.Err(); err != nil {
			return 0, err
		}
	}
	if idx == IndexAny {
		return 0, errors.New("no index returned by kernel")
	}
	return idx, nil
}

// DeviceStatus is the status of an NBD device.
type DeviceStatus struct {
	Index     uint32
	Connected bool
}

// Path returns the device node of s.
func (s DeviceStatus) Path() string {
	return fmt.Sprintf("/dev/nbd%d", s.Index)
}

// Status returns the status of device idx.
func Status(idx uint32) (DeviceStatus, error) {
	li, err := status(idx)
	if err != nil {
		return DeviceStatus{}, err
	}
	i, ok := slices.BinarySearchFunc(li, idx, func(s DeviceStatus, idx uint32) int {
		return cmp.Compare(s.Index, idx)
	})
	if !ok {
		return DeviceStatus{}, ErrNotFound
	}
	return li[i], nil
}

// StatusAll returns the status of all NBD devices, ordered by index.
func StatusAll() ([]DeviceStatus, error) {
	return status(IndexAny)
}

func status(idx uint32) ([]DeviceStatus, error) {
	e := netlink.NewAttributeEncoder()
	e.Uint32(attrIndex, idx)
	msgs, err := execute(cmdStatus, e, netlink.Request)
	if err != nil {
		return nil, fmt.Errorf("nbdnl: status: %w", err)
	}
	var out []DeviceStatus
	for _, m := range msgs {
		d, err := netlink.NewAttributeDecoder(m.Data)
		if err != nil {
			return nil, err
		}
		for d.Next() {
			if d.Type() == attrDeviceList {
				d.Nested(func(nd *netlink.AttributeDecoder) error {
					out = append(out, decodeDeviceList(nd)...)
					return nil
				})
			}
		}
		if err := d.Err(); err != nil {
			return nil, fmt.Errorf("nbdnl: status: %w", err)
		}
	}
	slices.SortFunc(out, func(a, b DeviceStatus) int {
		return cmp.Compare(a.Index, b.Index)
	})
	return out, nil
}

// decodeDeviceList decodes the items of an attrDeviceList. Errors are
// reported by the parent decoder.
func decodeDeviceList(d *netlink.AttributeDecoder) []DeviceStatus {
	var li []DeviceStatus
	for d.Next() {
		if d.Type() != deviceItem {
			continue
		}
		var st DeviceStatus
		d.Nested(func(nd *netlink.AttributeDecoder) error {
			for nd.Next() {
				switch nd.Type() {
				case deviceIndex:
					st.Index = nd.Uint32()
				case deviceConnected:
					st.Connected = nd.Uint8() != 0
				}
			}
			return nil
		})
		li = append(li, st)
	}
	return li
}
