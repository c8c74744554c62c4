package models

// Handshake is the first request on a fresh control channel. The proxy uses
// the session ID to tell layer instances apart when several share one proxy.
type Handshake struct {
	Session string `json:"session"`
	Version string `json:"version"`
	PID     int    `json:"pid"`
}

type HandshakeReply struct {
	AgentVersion string `json:"agentVersion"`
}

// ConnectRequest asks the proxy to open a connection from the remote side.
type ConnectRequest struct {
	Protocol string `json:"protocol"` // "tcp" or "udp"
	Addr     string `json:"addr"`     // host:port as the application dialed it
}

type ConnectReply struct {
	// ConnID names the remote connection in every later request.
	ConnID    uint64 `json:"connId"`
	LocalAddr string `json:"localAddr"`
	PeerAddr  string `json:"peerAddr"`
}

// ListenRequest subscribes the layer to incoming connections on a remote
// port. Accepted connections arrive as OpNewConnection notifications.
type ListenRequest struct {
	Port uint16 `json:"port"`
}

type ListenReply struct {
	ListenID  uint64 `json:"listenId"`
	BoundAddr string `json:"boundAddr"`
}

type SendRequest struct {
	ConnID uint64 `json:"connId"`
	Data   []byte `json:"data"`
}

type SendReply struct {
	N int `json:"n"`
}

type RecvRequest struct {
	ConnID uint64 `json:"connId"`
	Max    int    `json:"max"`
}

type RecvReply struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

type CloseRequest struct {
	ConnID uint64 `json:"connId"`
}

type FileOpenRequest struct {
	Path  string `json:"path"`
	Flags int    `json:"flags"`
	Mode  uint32 `json:"mode"`
}

type FileOpenReply struct {
	RemoteFD uint64 `json:"remoteFd"`
	Size     int64  `json:"size"`
}

type FileReadRequest struct {
	RemoteFD uint64 `json:"remoteFd"`
	Max      int    `json:"max"`
}

type FileReadReply struct {
	Data []byte `json:"data"`
	EOF  bool   `json:"eof"`
}

type FileWriteRequest struct {
	RemoteFD uint64 `json:"remoteFd"`
	Data     []byte `json:"data"`
}

type FileWriteReply struct {
	N int `json:"n"`
}

type FileSeekRequest struct {
	RemoteFD uint64 `json:"remoteFd"`
	Offset   int64  `json:"offset"`
	Whence   int    `json:"whence"`
}

type FileSeekReply struct {
	Pos int64 `json:"pos"`
}

type FileCloseRequest struct {
	RemoteFD uint64 `json:"remoteFd"`
}

// ResolveRequest asks the remote side to resolve a name in its network.
type ResolveRequest struct {
	Name   string `json:"name"`
	Family int    `json:"family"` // unix.AF_INET, unix.AF_INET6 or 0 for both
}

type ResolveReply struct {
	Addrs []string `json:"addrs"`
	TTL   uint32   `json:"ttl"`
}

// NewConnection is pushed by the proxy when a connection was accepted on a
// subscribed remote port and is available for the listening descriptor.
type NewConnection struct {
	ListenID uint64 `json:"listenId"`
	ConnID   uint64 `json:"connId"`
	PeerAddr string `json:"peerAddr"`
}

// ConnData is pushed when the remote peer sent data ahead of an application
// read. The layer queues it on the descriptor.
type ConnData struct {
	ConnID uint64 `json:"connId"`
	Data   []byte `json:"data"`
}

// ConnClosed is pushed when the remote peer closed the connection.
type ConnClosed struct {
	ConnID uint64 `json:"connId"`
}
