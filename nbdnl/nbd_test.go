//go:build linux

package nbdnl

import (
	"os"
	"testing"
	"time"

	"github.com/mdlayher/netlink"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// attrs decodes a flat list of uint64 attributes.
func attrs(t *testing.T, e *netlink.AttributeEncoder) map[uint16]uint64 {
	t.Helper()
	b, err := e.Encode()
	require.NoError(t, err)
	d, err := netlink.NewAttributeDecoder(b)
	require.NoError(t, err)
	out := make(map[uint16]uint64)
	for d.Next() {
		out[d.Type()] = d.Uint64()
	}
	require.NoError(t, d.Err())
	return out
}

func TestConfigEncode(t *testing.T) {
	cfg := Config{
		Size:        1 << 30,
		BlockSize:   4096,
		Timeout:     30 * time.Second,
		ClientFlags: FlagDisconnectOnClose,
		ServerFlags: FlagHasFlags | FlagSendFlush | FlagSendTrim,
	}

	e := netlink.NewAttributeEncoder()
	cfg.encode(e, false)
	assert.Equal(t, map[uint16]uint64{
		attrSizeBytes:      1 << 30,
		attrBlockSizeBytes: 4096,
		attrTimeout:        30,
		attrClientFlags:    uint64(FlagDisconnectOnClose),
		attrServerFlags:    uint64(FlagHasFlags | FlagSendFlush | FlagSendTrim),
	}, attrs(t, e))

	cfg.BlockSize = 0
	cfg.Timeout = 0
	cfg.DeadconnTimeout = time.Minute
	e = netlink.NewAttributeEncoder()
	cfg.encode(e, true)
	assert.Equal(t, map[uint16]uint64{
		attrDeadconnTimeout: 60,
		attrClientFlags:     uint64(FlagDisconnectOnClose),
		attrServerFlags:     uint64(FlagHasFlags | FlagSendFlush | FlagSendTrim),
	}, attrs(t, e))
}

func TestEncodeSocks(t *testing.T) {
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	e := netlink.NewAttributeEncoder()
	require.NoError(t, encodeSocks(e, []*os.File{r, w}))
	b, err := e.Encode()
	require.NoError(t, err)

	var fds []uint32
	d, err := netlink.NewAttributeDecoder(b)
	require.NoError(t, err)
	for d.Next() {
		require.EqualValues(t, attrSockets, d.Type())
		d.Nested(func(nd *netlink.AttributeDecoder) error {
			for nd.Next() {
				assert.EqualValues(t, sockItem, nd.Type())
				nd.Nested(func(id *netlink.AttributeDecoder) error {
					for id.Next() {
						fds = append(fds, id.Uint32())
					}
					return nil
				})
			}
			return nil
		})
	}
	require.NoError(t, d.Err())
	assert.Equal(t, []uint32{uint32(r.Fd()), uint32(w.Fd())}, fds)

	assert.Error(t, encodeSocks(netlink.NewAttributeEncoder(), nil))
}

func TestDecodeDeviceList(t *testing.T) {
	e := netlink.NewAttributeEncoder()
	for _, st := range []DeviceStatus{{Index: 0, Connected: true}, {Index: 5}} {
		e.Nested(deviceItem, func(ne *netlink.AttributeEncoder) error {
			ne.Uint32(deviceIndex, st.Index)
			var c uint8
			if st.Connected {
				c = 1
			}
			ne.Uint8(deviceConnected, c)
			return nil
		})
	}
	// unknown items are skipped
	e.Uint32(9, 42)
	b, err := e.Encode()
	require.NoError(t, err)

	d, err := netlink.NewAttributeDecoder(b)
	require.NoError(t, err)
	li := decodeDeviceList(d)
	require.NoError(t, d.Err())
	assert.Equal(t, []DeviceStatus{{Index: 0, Connected: true}, {Index: 5}}, li)
	assert.Equal(t, "/dev/nbd5", li[1].Path())
}

func TestReconfigureNeedsIndex(t *testing.T) {
	assert.Error(t, Reconfigure(IndexAny, nil, Config{}))
}
