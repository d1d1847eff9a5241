// Package server is the TCP daemon exposing a *store.Store over the
// msgpack wire protocol, one goroutine per client connection.
package server

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/vaultfs/vaultfs/pkg/store"
	"github.com/vaultfs/vaultfs/pkg/txn"
	"github.com/vaultfs/vaultfs/pkg/wire"
)

var ErrServerClosed = errors.New("server: server is closed")

// Config configures a Server's listener.
type Config struct {
	Address string
}

// DefaultConfig is the daemon's default listen address.
func DefaultConfig() *Config {
	return &Config{Address: ":4200"}
}

// Server accepts connections and dispatches each client's wire
// messages against a single shared *store.Store.
type Server struct {
	listener net.Listener
	store    *store.Store
	log      *logrus.Logger

	mu      sync.RWMutex
	clients map[uint64]*clientConn
	nextID  uint64
	closed  bool
}

// New creates a server over an already-constructed store.
func New(s *store.Store, log *logrus.Logger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		store:   s,
		log:     log,
		clients: make(map[uint64]*clientConn),
	}
}

// Listen starts accepting connections at address and blocks until the
// server is closed.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	s.listener = listener
	s.log.WithField("address", address).Info("listening")
	return s.acceptLoop()
}

func (s *Server) acceptLoop() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.mu.RLock()
			closed := s.closed
			s.mu.RUnlock()
			if closed {
				return nil
			}
			return err
		}

		s.mu.Lock()
		s.nextID++
		id := s.nextID
		client := &clientConn{
			id:     id,
			conn:   conn,
			server: s,
			cwd:    s.store.Root(),
		}
		s.clients[id] = client
		s.mu.Unlock()

		s.log.WithFields(logrus.Fields{"client": id, "remote": conn.RemoteAddr()}).Info("client connected")
		go client.handle()
	}
}

// Close stops accepting connections and closes every client.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.clients {
		c.conn.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) removeClient(id uint64) {
	s.mu.Lock()
	delete(s.clients, id)
	s.mu.Unlock()
}

// clientConn tracks one connection's working directory. Transactions
// are looked up by id in the shared store on every request.
type clientConn struct {
	id     uint64
	conn   net.Conn
	server *Server
	cwd    *store.Entry
}

func (c *clientConn) handle() {
	defer func() {
		c.conn.Close()
		c.server.removeClient(c.id)
		c.server.log.WithField("client", c.id).Info("client disconnected")
	}()

	for {
		var length uint32
		if err := binary.Read(c.conn, binary.BigEndian, &length); err != nil {
			if err != io.EOF {
				c.server.log.WithField("client", c.id).WithError(err).Warn("read length failed")
			}
			return
		}

		var msgType uint8
		if err := binary.Read(c.conn, binary.BigEndian, &msgType); err != nil {
			return
		}

		payload := make([]byte, length-1)
		if _, err := io.ReadFull(c.conn, payload); err != nil {
			return
		}

		respType, resp := c.dispatch(wire.MsgType(msgType), payload)
		if err := c.send(respType, resp); err != nil {
			return
		}
	}
}

func (c *clientConn) dispatch(msgType wire.MsgType, payload []byte) (wire.MsgType, interface{}) {
	switch msgType {
	case wire.MsgPing:
		return wire.MsgPong, nil

	case wire.MsgOp:
		var op wire.OpMessage
		if err := wire.Decode(payload, &op); err != nil {
			return wire.MsgError, wire.NewErrorMessage("Decode", err.Error())
		}
		return c.handleOp(&op)

	case wire.MsgTxnCtl:
		var ctl wire.TxnCtlMessage
		if err := wire.Decode(payload, &ctl); err != nil {
			return wire.MsgError, wire.NewErrorMessage("Decode", err.Error())
		}
		return c.handleTxnCtl(&ctl)

	default:
		return wire.MsgError, wire.NewErrorMessage("UnknownMessage", fmt.Sprintf("unknown message type: %d", msgType))
	}
}

func (c *clientConn) resolveTxn(id string) (*txn.Transaction, error) {
	if id == "" {
		return nil, nil
	}
	return c.server.store.Lookup(id)
}

func (c *clientConn) handleOp(op *wire.OpMessage) (wire.MsgType, interface{}) {
	t, err := c.resolveTxn(op.TxnID)
	if err != nil {
		return wire.MsgError, errorMessage(err)
	}

	switch op.Op {
	case wire.OpMkdir:
		_, err := c.server.store.Mkdir(t, c.cwd, op.Path)
		return result(err, "", nil)
	case wire.OpTouch:
		_, err := c.server.store.Touch(t, c.cwd, op.Path)
		return result(err, "", nil)
	case wire.OpOpen:
		_, err := c.server.store.Open(t, c.cwd, op.Path)
		return result(err, "", nil)
	case wire.OpRead:
		content, err := c.server.store.Read(t, c.cwd, op.Path)
		return result(err, content, nil)
	case wire.OpWrite:
		err := c.server.store.Write(t, c.cwd, op.Path, op.Content)
		return result(err, "", nil)
	case wire.OpRm:
		err := c.server.store.Rm(t, c.cwd, op.Path)
		return result(err, "", nil)
	case wire.OpMv:
		err := c.server.store.Mv(t, c.cwd, op.Path, op.Dst)
		return result(err, "", nil)
	case wire.OpLs:
		names, err := c.server.store.Ls(t, c.cwd, op.Path)
		return result(err, "", names)
	case wire.OpCd:
		e, err := c.server.store.Cd(t, c.cwd, op.Path)
		if err == nil {
			c.cwd = e
		}
		return result(err, "", nil)
	default:
		return wire.MsgError, wire.NewErrorMessage("UnknownOp", string(op.Op))
	}
}

func (c *clientConn) handleTxnCtl(ctl *wire.TxnCtlMessage) (wire.MsgType, interface{}) {
	switch ctl.Action {
	case "begin":
		iso, err := txn.ParseIsolation(ctl.Isolation)
		if err != nil {
			return wire.MsgError, errorMessage(err)
		}
		t := c.server.store.Begin(iso)
		return wire.MsgTxnInfo, &wire.TxnInfoMessage{TxnID: t.ID, State: t.GetState().String()}

	case "commit", "rollback", "abort":
		t, err := c.server.store.Lookup(ctl.TxnID)
		if err != nil {
			return wire.MsgError, errorMessage(err)
		}
		switch ctl.Action {
		case "commit":
			err = c.server.store.Commit(t)
		case "rollback":
			err = c.server.store.Rollback(t)
		case "abort":
			err = c.server.store.Abort(t)
		}
		return result(err, "", nil)

	default:
		return wire.MsgError, wire.NewErrorMessage("UnknownAction", ctl.Action)
	}
}

func result(err error, content string, names []string) (wire.MsgType, interface{}) {
	if err != nil {
		return wire.MsgError, errorMessage(err)
	}
	return wire.MsgResult, &wire.OpResult{OK: true, Content: content, Names: names}
}

func errorMessage(err error) *wire.ErrorMessage {
	return wire.NewErrorMessage(errorKind(err), err.Error())
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, store.ErrNoSuchFile):
		return "NoSuchFile"
	case errors.Is(err, store.ErrNoSuchDirectory):
		return "NoSuchDirectory"
	case errors.Is(err, store.ErrNotAFile):
		return "NotAFile"
	case errors.Is(err, store.ErrNotADirectory):
		return "NotADirectory"
	case errors.Is(err, store.ErrAlreadyExists):
		return "AlreadyExists"
	case errors.Is(err, store.ErrNotEmpty):
		return "NotEmpty"
	case errors.Is(err, store.ErrNotOpen):
		return "NotOpen"
	case errors.Is(err, store.ErrWouldCycle):
		return "WouldCycle"
	case errors.Is(err, store.ErrNoSuchVersion):
		return "NoSuchVersion"
	case errors.Is(err, store.ErrUnknownTxn):
		return "UnknownTransaction"
	case errors.Is(err, store.ErrTransactionNotActive):
		return "TransactionNotActive"
	case errors.Is(err, store.ErrIsolationUnknown):
		return "IsolationUnknown"
	case errors.Is(err, store.ErrDeadlock):
		return "Deadlock"
	case errors.Is(err, store.ErrLockCancelled):
		return "LockCancelled"
	default:
		var rbf *store.RollbackFailedError
		if errors.As(err, &rbf) {
			return "RollbackFailed"
		}
		return "Error"
	}
}

func (c *clientConn) send(msgType wire.MsgType, payload interface{}) error {
	var payData []byte
	var err error
	if payload != nil {
		payData, err = wire.Encode(payload)
		if err != nil {
			return err
		}
	}

	length := uint32(1 + len(payData))
	if err := binary.Write(c.conn, binary.BigEndian, length); err != nil {
		return err
	}
	if err := binary.Write(c.conn, binary.BigEndian, uint8(msgType)); err != nil {
		return err
	}
	if len(payData) > 0 {
		if _, err := c.conn.Write(payData); err != nil {
			return err
		}
	}
	return nil
}
