//go:build !linux

package sockdiag

import (
	"errors"
	"net/netip"
)

var errUnsupported = errors.New("sock_diag is only available on linux")

func Dump() ([]Entry, error) {
	return nil, errUnsupported
}

func RouteInterface(netip.Addr) (string, error) {
	return "", errUnsupported
}
