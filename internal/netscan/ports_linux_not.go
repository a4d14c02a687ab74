//go:build !linux

package netscan

import (
	"errors"
	"net/netip"
)

func ListeningNetlink(uint16) ([]netip.AddrPort, error) {
	return nil, errors.New("ListeningNetlink is available only on Linux")
}
