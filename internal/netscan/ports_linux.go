package netscan

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"github.com/mdlayher/netlink"
	"golang.org/x/sys/unix"
)

// linux/sock_diag.h, linux/inet_diag.h and net/tcp_states.h
const (
	netlinkSockDiag  = 4
	sockDiagByFamily = 20
	tcpListen        = 10
)

// diagRequest mirrors struct inet_diag_req_v2. The zero socket id matches
// every socket.
type diagRequest struct {
	Family   uint8
	Protocol uint8
	Ext      uint8
	Pad      uint8
	States   uint32
	SPort    [2]byte
	DPort    [2]byte
	Src      [16]byte
	Dst      [16]byte
	If       uint32
	Cookie   [2]uint32
}

// reply offsets in struct inet_diag_msg
const (
	offState = 1
	offSPort = 4
	offSrc   = 8
)

// ListeningNetlink returns the local addresses with a TCP socket listening
// on port, as reported by the kernel's sock_diag interface. It errors when
// netlink is not accessible; callers then use ListeningDial.
func ListeningNetlink(port uint16) ([]netip.AddrPort, error) {
	c, err := netlink.Dial(netlinkSockDiag, nil)
	if err != nil {
		return nil, fmt.Errorf("netlink dial: %w", err)
	}
	defer func() {
		_ = c.Close()
	}()

	var ret []netip.AddrPort
	for _, family := range []uint8{unix.AF_INET, unix.AF_INET6} {
		aps, err := listeners(c, family, port)
		if err != nil {
			return nil, fmt.Errorf("sock_diag dump for family %d: %w", family, err)
		}
		ret = append(ret, aps...)
	}
	return ret, nil
}

func listeners(c *netlink.Conn, family uint8, port uint16) ([]netip.AddrPort, error) {
	req := diagRequest{
		Family:   family,
		Protocol: unix.IPPROTO_TCP,
		States:   1 << tcpListen,
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.NativeEndian, req); err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msgs, err := c.Execute(netlink.Message{
		Header: netlink.Header{
			Type:  sockDiagByFamily,
			Flags: netlink.Request | netlink.Dump,
		},
		Data: buf.Bytes(),
	})
	if err != nil {
		return nil, err
	}

	iplen := 4
	if family == unix.AF_INET6 {
		iplen = 16
	}
	var ret []netip.AddrPort
	for _, m := range msgs {
		if m.Header.Type == netlink.Done || len(m.Data) < offSrc+iplen {
			continue
		}
		if m.Data[offState] != tcpListen {
			continue
		}
		sport := binary.BigEndian.Uint16(m.Data[offSPort : offSPort+2])
		if sport != port {
			continue
		}
		addr, ok := netip.AddrFromSlice(m.Data[offSrc : offSrc+iplen])
		if !ok {
			return nil, fmt.Errorf("invalid address % x", m.Data[offSrc:offSrc+iplen])
		}
		ret = append(ret, netip.AddrPortFrom(addr, sport))
	}
	return ret, nil
}
