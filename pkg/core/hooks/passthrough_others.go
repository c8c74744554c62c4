//go:build !linux

package hooks

import (
	"context"
	"errors"
	"net"
)

// Injection is linux-only; on other platforms the passthrough surface
// exists so tooling builds compile, but descriptor syscalls are not
// available.
type OSPassthrough struct{}

func NewOSPassthrough() *OSPassthrough {
	return &OSPassthrough{}
}

var errUnsupported = errors.New("interception passthrough is unsupported on this platform")

func (OSPassthrough) Socket(int, int, int) (int, error) { return -1, errUnsupported }
func (OSPassthrough) Bind(int, string) error { return errUnsupported }
func (OSPassthrough) Listen(int, int) error { return errUnsupported }
func (OSPassthrough) Connect(int, string) error { return errUnsupported }
func (OSPassthrough) Accept(int) (int, string, error) { return -1, "", errUnsupported }
func (OSPassthrough) Send(int, []byte) (int, error) { return 0, errUnsupported }
func (OSPassthrough) Recv(int, int) ([]byte, error) { return nil, errUnsupported }
func (OSPassthrough) GetPeerName(int) (string, error) { return "", errUnsupported }
func (OSPassthrough) GetSockName(int) (string, error) { return "", errUnsupported }
func (OSPassthrough) Close(int) error { return errUnsupported }
func (OSPassthrough) Open(string, int, uint32) (int, error) { return -1, errUnsupported }
func (OSPassthrough) Read(int, int) ([]byte, error) { return nil, errUnsupported }
func (OSPassthrough) Write(int, []byte) (int, error) { return 0, errUnsupported }
func (OSPassthrough) Lseek(int, int64, int) (int64, error) { return 0, errUnsupported }

func (OSPassthrough) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", name)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}
