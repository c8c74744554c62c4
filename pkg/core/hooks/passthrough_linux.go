//go:build linux

package hooks

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// OSPassthrough issues the intercepted operations as raw syscalls. This is
// the "original implementation" side of every hook on linux.
type OSPassthrough struct{}

func NewOSPassthrough() *OSPassthrough {
	return &OSPassthrough{}
}

func (OSPassthrough) Socket(domain, typ, proto int) (int, error) {
	return unix.Socket(domain, typ, proto)
}

func (OSPassthrough) Bind(fd int, addr string) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Bind(fd, sa)
}

func (OSPassthrough) Listen(fd, backlog int) error {
	return unix.Listen(fd, backlog)
}

func (OSPassthrough) Connect(fd int, addr string) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return unix.Connect(fd, sa)
}

func (OSPassthrough) Accept(fd int) (int, string, error) {
	nfd, sa, err := unix.Accept(fd)
	if err != nil {
		return -1, "", err
	}
	return nfd, fromSockaddr(sa), nil
}

func (OSPassthrough) Send(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

func (OSPassthrough) Recv(fd, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (OSPassthrough) GetPeerName(fd int) (string, error) {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return "", err
	}
	return fromSockaddr(sa), nil
}

func (OSPassthrough) GetSockName(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", err
	}
	return fromSockaddr(sa), nil
}

func (OSPassthrough) Close(fd int) error {
	return unix.Close(fd)
}

func (OSPassthrough) Open(path string, flags int, mode uint32) (int, error) {
	return unix.Open(path, flags, mode)
}

func (OSPassthrough) Read(fd, max int) ([]byte, error) {
	buf := make([]byte, max)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (OSPassthrough) Write(fd int, b []byte) (int, error) {
	return unix.Write(fd, b)
}

func (OSPassthrough) Lseek(fd int, offset int64, whence int) (int64, error) {
	return unix.Seek(fd, offset, whence)
}

func (OSPassthrough) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	network := "ip"
	switch family {
	case unix.AF_INET:
		network = "ip4"
	case unix.AF_INET6:
		network = "ip6"
	}
	ips, err := net.DefaultResolver.LookupIP(ctx, network, name)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.String())
	}
	return addrs, nil
}

func toSockaddr(addr string) (unix.Sockaddr, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in %q: %v", addr, err)
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("address %q is not numeric", addr)
	}
	if ip4 := ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: port}
		copy(sa.Addr[:], ip4)
		return sa, nil
	}
	sa := &unix.SockaddrInet6{Port: port}
	copy(sa.Addr[:], ip.To16())
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) string {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(v.Addr[:]).String(), strconv.Itoa(v.Port))
	case *unix.SockaddrUnix:
		return v.Name
	}
	return ""
}
