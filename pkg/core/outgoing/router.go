package outgoing

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/RustWorks/mirrord/pkg/core/fd"
	"github.com/RustWorks/mirrord/pkg/models"
	"github.com/RustWorks/mirrord/utils"
)

// HandleNotification implements client.NotificationSink. It routes the
// proxy's unsolicited pushes to descriptor-level state. Runs on the
// channel reader goroutine, so everything here queues and returns; nothing
// blocks.
func (h *Handler) HandleNotification(op models.Op, payload json.RawMessage) {
	switch op {
	case models.OpNewConnection:
		var n models.NewConnection
		if err := json.Unmarshal(payload, &n); err != nil {
			utils.LogError(h.logger, err, "undecodable newConnection notification")
			return
		}
		h.mu.Lock()
		fdNum, ok := h.listenToFD[n.ListenID]
		h.mu.Unlock()
		if !ok {
			h.logger.Debug("notification for unknown listener",
				zap.Uint64("listenId", n.ListenID))
			return
		}
		rec, ok := h.table.Lookup(fdNum)
		if !ok {
			return
		}
		if err := rec.PushIncoming(fd.Incoming{ConnID: n.ConnID, PeerAddr: n.PeerAddr}); err != nil {
			h.logger.Debug("dropping pushed connection for non-listening descriptor",
				zap.Int("fd", fdNum), zap.Uint64("connId", n.ConnID))
			return
		}
		rec.Notify()

	case models.OpConnData:
		var n models.ConnData
		if err := json.Unmarshal(payload, &n); err != nil {
			utils.LogError(h.logger, err, "undecodable connData notification")
			return
		}
		if rec, ok := h.recordByConn(n.ConnID); ok {
			rec.PushData(n.Data)
			rec.Notify()
		}

	case models.OpConnClosed:
		var n models.ConnClosed
		if err := json.Unmarshal(payload, &n); err != nil {
			utils.LogError(h.logger, err, "undecodable connClosed notification")
			return
		}
		if rec, ok := h.recordByConn(n.ConnID); ok {
			rec.MarkPeerEOF()
			rec.Notify()
		}

	default:
		h.logger.Debug("ignoring unknown notification", zap.String("op", string(op)))
	}
}

func (h *Handler) recordByConn(connID uint64) (*fd.Record, bool) {
	h.mu.Lock()
	fdNum, ok := h.connToFD[connID]
	h.mu.Unlock()
	if !ok {
		h.logger.Debug("notification for unknown connection", zap.Uint64("connId", connID))
		return nil, false
	}
	return h.table.Lookup(fdNum)
}
