package player

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kasuganosora/gridstash/protocol"
	"go.uber.org/zap"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
)

// PlayerSession is one connected peer. The peer id is the account id.
type PlayerSession struct {
	AccountID int64
	Username  string
	IP        string
	// BagID is the personal inventory provisioned on connect, 0 if none.
	BagID int64

	Conn        *websocket.Conn
	ConnectedAt time.Time

	// SendChan holds encoded packets for the write pump. Done closes once.
	SendChan chan []byte
	Done     chan struct{}
	// LastSeq is the highest client sequence number accepted so far.
	LastSeq uint64

	sent      atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewPlayerSession wraps conn and starts its write pump.
func NewPlayerSession(accountID int64, username string, conn *websocket.Conn, logger *zap.Logger) *PlayerSession {
	s := &PlayerSession{
		AccountID:   accountID,
		Username:    username,
		Conn:        conn,
		ConnectedAt: time.Now(),
		SendChan:    make(chan []byte, sendChanBuf),
		Done:        make(chan struct{}),
		logger:      logger,
	}
	go s.writePump()
	return s
}

// PeerID is the id the inventory registry knows this session by.
func (s *PlayerSession) PeerID() int64 { return s.AccountID }

func (s *PlayerSession) log() *zap.Logger {
	if s.logger == nil {
		return zap.NewNop()
	}
	return s.logger
}

func (s *PlayerSession) write(kind int, data []byte) error {
	_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return s.Conn.WriteMessage(kind, data)
}

// writePump owns every write on the connection. It pings the peer on an
// interval and, once Done closes, flushes what is still queued (a kick
// notice, say) before sending a normal close frame.
func (s *PlayerSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data := <-s.SendChan:
			if err := s.write(websocket.TextMessage, data); err != nil {
				s.log().Warn("ws write error", zap.Int64("account_id", s.AccountID), zap.Error(err))
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			s.flush()
			_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

func (s *PlayerSession) flush() {
	for {
		select {
		case data := <-s.SendChan:
			if s.write(websocket.TextMessage, data) != nil {
				return
			}
		default:
			return
		}
	}
}

// Send queues pkt without blocking. Packets for a closed session are
// ignored. A full queue means the peer can no longer keep up with the
// commands it is subscribed to, so the packet is counted as dropped and the
// session is closed; the peer reconnects and resubscribes from snapshots.
func (s *PlayerSession) Send(pkt *protocol.Packet) {
	if s.IsClosed() {
		return
	}
	data, err := json.Marshal(pkt)
	if err != nil {
		s.log().Error("encode packet", zap.String("type", pkt.Type), zap.Error(err))
		return
	}
	select {
	case s.SendChan <- data:
		s.sent.Add(1)
	case <-s.Done:
	default:
		s.dropped.Add(1)
		s.log().Warn("send queue full, closing session",
			zap.Int64("account_id", s.AccountID),
			zap.String("type", pkt.Type))
		s.Close()
	}
}

// Counters reports how many packets were queued and dropped.
func (s *PlayerSession) Counters() (sent, dropped uint64) {
	return s.sent.Load(), s.dropped.Load()
}

// Close stops the write pump. Safe to call more than once.
func (s *PlayerSession) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

func (s *PlayerSession) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// Pong answers a client ping, echoing its timestamp.
func (s *PlayerSession) Pong(clientTS int64) {
	s.Send(protocol.MustPacket(protocol.TypePong, protocol.Pong{
		ClientTS: clientTS,
		ServerTS: time.Now().UnixMilli(),
	}))
}

// ExtendReadDeadline pushes the read deadline out by a full interval.
func (s *PlayerSession) ExtendReadDeadline() {
	_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
}
