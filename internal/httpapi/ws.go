package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ricelabs/rice/internal/errors"
	"github.com/ricelabs/rice/internal/index"
	"github.com/ricelabs/rice/internal/validation"
)

// clientFrame is one inbound WebSocket message.
type clientFrame struct {
	Type    string `json:"type"`
	Path    string `json:"path,omitempty"`
	Content string `json:"content,omitempty"`
}

// serverFrame is one outbound WebSocket message.
type serverFrame struct {
	Type         string `json:"type"`
	BatchID      string `json:"batch_id,omitempty"`
	FilesCount   int    `json:"files_count,omitempty"`
	ChunksQueued int    `json:"chunks_queued,omitempty"`
	Code         string `json:"code,omitempty"`
	Message      string `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 << 10,
	WriteBufferSize: 32 << 10,
	// Local service; origin policy belongs to the deployment in front.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 5 * time.Minute
)

// handleWebSocket runs the streaming ingest loop. File frames index in
// connection order; replies go through a dedicated writer so slow clients
// do not stall processing. Disconnecting cancels in-flight batches.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	store := chi.URLParam(r, "name")
	if err := validation.StoreName(store); err != nil {
		writeError(w, s.log, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	connID := ConnectionIDFrom(r.Context())
	if connID == "" {
		connID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := make(chan serverFrame, 64)
	go func() {
		for frame := range out {
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(frame); err != nil {
				cancel()
				return
			}
		}
	}()
	defer close(out)

	for {
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}
		switch frame.Type {
		case "ping":
			// Keep-alive only; the read deadline reset is the effect.
		case "file":
			s.ingestFrame(ctx, out, store, connID, frame)
		default:
			s.trySend(out, serverFrame{
				Type: "error", Code: "validation",
				Message: "unknown frame type " + frame.Type,
			})
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// ingestFrame indexes one file frame as its own batch.
func (s *Server) ingestFrame(ctx context.Context, out chan<- serverFrame, store, connID string, frame clientFrame) {
	batchID := uuid.NewString()
	report, err := s.deps.Indexer.IndexFiles(ctx, store, []index.File{
		{Path: frame.Path, Content: frame.Content},
	}, index.Options{ConnectionID: connID})
	if err != nil {
		if errors.KindOf(err) == errors.KindThrottled {
			s.trySend(out, serverFrame{Type: "throttle"})
			return
		}
		s.trySend(out, serverFrame{
			Type: "error", Code: errors.KindOf(err).String(),
			Message: errors.ClientMessage(err),
		})
		return
	}
	if report.Failed > 0 {
		s.trySend(out, serverFrame{
			Type: "error", Code: "validation",
			Message: report.Errors[0].Message,
		})
		return
	}
	s.trySend(out, serverFrame{
		Type:         "indexed",
		BatchID:      batchID,
		FilesCount:   report.Indexed + report.Skipped,
		ChunksQueued: report.ChunksTotal,
	})
}

// trySend drops the frame when the writer queue is full rather than
// blocking the read loop.
func (s *Server) trySend(out chan<- serverFrame, frame serverFrame) {
	select {
	case out <- frame:
	default:
		s.log.Warn("websocket reply dropped", slog.String("type", frame.Type))
	}
}
