// Package file redirects opens of configured paths to the remote side.
// Redirected files live in the same descriptor numbering space as managed
// sockets, so the host program's generic descriptor code (select, poll,
// close) works on them unmodified. Everything else passes through to the
// real filesystem.
package file

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core/client"
	"github.com/RustWorks/mirrord/pkg/core/fd"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/pkg/models"
	"github.com/RustWorks/mirrord/utils"
)

// Handler implements hooks.FileHandler.
type Handler struct {
	logger *zap.Logger
	table  *fd.Table
	client *client.Client
	cfg    config.FS

	mu       sync.Mutex
	remoteFD map[int]uint64 // managed fd -> proxy-side file handle
}

func NewHandler(logger *zap.Logger, table *fd.Table, cl *client.Client, cfg config.FS) *Handler {
	return &Handler{
		logger:   logger,
		table:    table,
		client:   cl,
		cfg:      cfg,
		remoteFD: make(map[int]uint64),
	}
}

// match returns the most specific rule covering path, if any.
func (h *Handler) match(path string) (config.FSRule, bool) {
	var best config.FSRule
	found := false
	for _, rule := range h.cfg.Rules {
		if !strings.HasPrefix(path, rule.PathPrefix) {
			continue
		}
		if !found || len(rule.PathPrefix) > len(best.PathPrefix) {
			best = rule
			found = true
		}
	}
	return best, found
}

func wantsWrite(flags int) bool {
	switch flags & unix.O_ACCMODE {
	case unix.O_WRONLY, unix.O_RDWR:
		return true
	}
	return flags&(unix.O_CREAT|unix.O_TRUNC|unix.O_APPEND) != 0
}

func (h *Handler) Open(ctx context.Context, path string, flags int, mode uint32) (int, error) {
	if !h.cfg.Enabled {
		return -1, hooks.Bypass("file redirection is disabled")
	}
	if !strings.HasPrefix(path, "/") {
		return -1, hooks.Bypass(fmt.Sprintf("relative path %q", path))
	}
	rule, ok := h.match(path)
	if !ok {
		return -1, hooks.Bypass(fmt.Sprintf("path %q matches no rule", path))
	}
	if rule.Mode == config.FSModeRead && wantsWrite(flags) {
		// The rule only covers reads; a write-mode open falls back to the
		// local file rather than failing the application.
		return -1, hooks.Bypass(fmt.Sprintf("write open of read-only remote path %q", path))
	}

	var reply models.FileOpenReply
	err := h.client.Do(ctx, models.OpFileOpen, &models.FileOpenRequest{
		Path:  path,
		Flags: flags,
		Mode:  mode,
	}, &reply)
	if err != nil {
		return -1, utils.ErrnoOf(err)
	}

	rec, err := h.table.Create(fd.Remote, fd.Meta{Kind: fd.File, Path: path})
	if err != nil {
		return -1, unix.EMFILE
	}
	// An open file is "connected" in lifecycle terms: I/O is legal until
	// close.
	if _, err := rec.Transition(fd.EvConnect); err != nil {
		h.table.Remove(rec.FD)
		return -1, utils.ErrnoOf(err)
	}
	rec.SetRemoteFD(reply.RemoteFD)
	if flags&unix.O_APPEND != 0 {
		rec.SetOffset(reply.Size)
	}

	h.mu.Lock()
	h.remoteFD[rec.FD] = reply.RemoteFD
	h.mu.Unlock()

	h.logger.Debug("opened remote file",
		zap.Int("fd", rec.FD),
		zap.String("path", path),
		zap.Uint64("remoteFd", reply.RemoteFD))
	return rec.FD, nil
}

func (h *Handler) lookup(fdNum int) (*fd.Record, error) {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.File {
		return nil, hooks.Bypass("descriptor is not a redirected file")
	}
	if rec.State() != fd.Connected {
		return nil, unix.EBADF
	}
	return rec, nil
}

func (h *Handler) Read(ctx context.Context, fdNum, max int) ([]byte, error) {
	rec, err := h.lookup(fdNum)
	if err != nil {
		return nil, err
	}

	rec.LockIO()
	defer rec.UnlockIO()

	var reply models.FileReadReply
	err = h.client.Do(ctx, models.OpFileRead, &models.FileReadRequest{
		RemoteFD: rec.RemoteFD(),
		Max:      max,
	}, &reply)
	if err != nil {
		return nil, utils.ErrnoOf(err)
	}
	rec.Advance(int64(len(reply.Data)))
	return reply.Data, nil
}

func (h *Handler) Write(ctx context.Context, fdNum int, b []byte) (int, error) {
	rec, err := h.lookup(fdNum)
	if err != nil {
		return 0, err
	}

	rec.LockIO()
	defer rec.UnlockIO()

	var reply models.FileWriteReply
	err = h.client.Do(ctx, models.OpFileWrite, &models.FileWriteRequest{
		RemoteFD: rec.RemoteFD(),
		Data:     b,
	}, &reply)
	if err != nil {
		return 0, utils.ErrnoOf(err)
	}
	rec.Advance(int64(reply.N))
	return reply.N, nil
}

func (h *Handler) Seek(ctx context.Context, fdNum int, offset int64, whence int) (int64, error) {
	rec, err := h.lookup(fdNum)
	if err != nil {
		return 0, err
	}

	rec.LockIO()
	defer rec.UnlockIO()

	var reply models.FileSeekReply
	err = h.client.Do(ctx, models.OpFileSeek, &models.FileSeekRequest{
		RemoteFD: rec.RemoteFD(),
		Offset:   offset,
		Whence:   whence,
	}, &reply)
	if err != nil {
		return 0, utils.ErrnoOf(err)
	}
	rec.SetOffset(reply.Pos)
	return reply.Pos, nil
}

func (h *Handler) Close(ctx context.Context, fdNum int) error {
	rec, ok := h.table.Lookup(fdNum)
	if !ok || rec.Meta.Kind != fd.File {
		return hooks.Bypass("descriptor is not a redirected file")
	}

	h.mu.Lock()
	remote, tracked := h.remoteFD[fdNum]
	delete(h.remoteFD, fdNum)
	h.mu.Unlock()

	// Best effort; close never blocks on the proxy.
	if tracked && !h.client.Broken() {
		if p, err := h.client.Start(models.OpFileClose, &models.FileCloseRequest{RemoteFD: remote}); err == nil {
			h.client.Abandon(p)
		}
	}

	_, _ = rec.Transition(fd.EvClose)
	h.table.Remove(fdNum)
	return nil
}
