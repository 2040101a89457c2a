package server

import (
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tokuhirom/sabos/internal/kernel/sched"
	"github.com/tokuhirom/sabos/internal/kernel/syscall"
	"github.com/tokuhirom/sabos/internal/kernel/syserr"
	"github.com/tokuhirom/sabos/internal/shared/id"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// streamRequest is one client frame on /stream. Op selects the action:
// "syscall" dispatches into the session task, "alloc"/"poke"/"peek"
// manipulate the task's address space so clients can stage buffers.
type streamRequest struct {
	ID   uint64   `json:"id"`
	Op   string   `json:"op"`
	Num  uint64   `json:"num,omitempty"`
	Args []uint64 `json:"args,omitempty"`
	Addr uint64   `json:"addr,omitempty"`
	Len  uint64   `json:"len,omitempty"`
	Data []byte   `json:"data,omitempty"`
}

type streamReply struct {
	ID    uint64 `json:"id"`
	Ret   int64  `json:"ret"`
	Data  []byte `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

type streamHello struct {
	Op      string `json:"op"`
	Session string `json:"session"`
	BootID  string `json:"boot_id"`
	Task    uint64 `json:"task"`
}

// handleStream upgrades the connection and gives it a private kernel task.
// Every syscall frame executes on that task's goroutine, so blocking
// receives and sleeps behave exactly as they would for a native program.
// Closing the socket kills the task; killing the task ends the session.
func (s *Server) handleStream(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	if s.metrics != nil {
		s.metrics.WSConnections.Inc()
		defer s.metrics.WSConnections.Dec()
	}

	session := id.NewSessionID()
	ops := make(chan streamRequest)
	task := s.kernel.Scheduler().Spawn(nil, "stream:"+string(session), s.sessionBody(conn, ops))

	hello := streamHello{
		Op:      "hello",
		Session: string(session),
		BootID:  s.kernel.BootID(),
		Task:    uint64(task.ID),
	}
	if payload, err := sonic.Marshal(hello); err == nil {
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			close(ops)
			s.kernel.Scheduler().Kill(nil, task.ID) //nolint:errcheck
			return
		}
	}

	s.logger.Info("stream session opened",
		zap.String("session", string(session)),
		zap.Uint64("task", uint64(task.ID)))

readLoop:
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			break
		}
		var req streamRequest
		if err := sonic.Unmarshal(raw, &req); err != nil {
			s.logger.Warn("bad stream frame", zap.Error(err))
			continue
		}
		select {
		case ops <- req:
		case <-task.Context().Done():
			break readLoop
		}
	}
	close(ops)
	// The session task might be parked inside a blocking syscall; a kill
	// is the only way to unwedge it. Ignore the error if it already died.
	s.kernel.Scheduler().Kill(nil, task.ID) //nolint:errcheck
	s.logger.Info("stream session closed", zap.String("session", string(session)))
}

// sessionBody is the task body backing one stream session. It is the sole
// writer on the connection once the hello frame is out.
func (s *Server) sessionBody(conn *websocket.Conn, ops <-chan streamRequest) sched.Body {
	return func(t *sched.Task) int32 {
		for req := range ops {
			reply := s.executeOp(t, req)
			payload, err := sonic.Marshal(reply)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return 0
			}
			if t.Unwind() {
				return 0
			}
		}
		return 0
	}
}

func (s *Server) executeOp(t *sched.Task, req streamRequest) streamReply {
	reply := streamReply{ID: req.ID}
	as := t.AddressSpace()

	switch req.Op {
	case "syscall":
		var a [4]uint64
		copy(a[:], req.Args)
		reply.Ret = s.kernel.Dispatcher().Dispatch(t, syscall.Num(req.Num), a[0], a[1], a[2], a[3])

	case "alloc":
		addr, err := as.Alloc(req.Len, 8)
		if err != nil {
			reply.Ret = syserr.Errno(err)
			reply.Error = err.Error()
			break
		}
		reply.Ret = int64(addr)

	case "poke":
		sl, err := as.Slice(req.Addr, uint64(len(req.Data)))
		if err != nil {
			reply.Ret = syserr.Errno(err)
			reply.Error = err.Error()
			break
		}
		if err := sl.CopyOut(req.Data); err != nil {
			reply.Ret = syserr.Errno(err)
			reply.Error = err.Error()
		}

	case "peek":
		sl, err := as.Slice(req.Addr, req.Len)
		if err != nil {
			reply.Ret = syserr.Errno(err)
			reply.Error = err.Error()
			break
		}
		buf := make([]byte, sl.Len())
		copy(buf, sl.Bytes())
		reply.Ret = int64(len(buf))
		reply.Data = buf

	default:
		reply.Ret = syserr.Errno(syserr.ErrInvalidArgument)
		reply.Error = "unknown op: " + req.Op
	}
	return reply
}
