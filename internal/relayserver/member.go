package relayserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/Onyx-Void-Labs/onyx-sub001/internal/auth"
	"github.com/Onyx-Void-Labs/onyx-sub001/internal/wire"
)

type member struct {
	id     string
	owner  string
	send   chan []byte
	cancel context.CancelFunc
	once   sync.Once
}

func (m *member) enqueue(frame []byte) bool {
	select {
	case m.send <- frame:
		return true
	default:
		return false
	}
}

func (m *member) drop() {
	m.once.Do(m.cancel)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.allow(clientIP(r), time.Now()) {
		s.metrics.authFailures.WithLabelValues("rate_limited").Inc()
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many join attempts")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "unavailable", "relay is shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowedOrigins})
	if err != nil {
		s.logger.Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	identity, roomName, ok := s.authenticate(ctx, conn)
	if !ok {
		return
	}
	logger := s.logger.With().Str("room", roomName).Str("owner", identity.OwnerID).Logger()

	if err := writeFrame(ctx, conn, wire.AuthOK()); err != nil {
		return
	}
	m := &member{
		id:     uuid.NewString(),
		owner:  identity.OwnerID,
		send:   make(chan []byte, s.cfg.SendBuffer),
		cancel: cancel,
	}
	rm, err := s.join(roomName, m)
	if err != nil {
		logger.Error().Err(err).Msg("join failed")
		_ = conn.Close(websocket.StatusTryAgainLater, "room unavailable")
		if rm != nil {
			s.leave(rm, m)
		}
		return
	}
	defer s.leave(rm, m)
	logger.Debug().Str("member", m.id).Msg("member joined")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case frame := <-m.send:
				if err := conn.Write(ctx, websocket.MessageText, frame); err != nil {
					m.drop()
					return
				}
			}
		}
	}()
	defer func() { <-writerDone }()
	defer m.drop()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			s.metrics.updates.WithLabelValues("rejected").Inc()
			logger.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}
		if f.Type != wire.TypeUpdate && f.Type != wire.TypeSyncStep {
			continue
		}
		changed, err := s.merge(rm, m, f.Data)
		switch {
		case err != nil:
			s.metrics.updates.WithLabelValues("rejected").Inc()
			logger.Warn().Err(err).Msg("dropping undecodable update")
		case changed:
			s.metrics.updates.WithLabelValues("merged").Inc()
			s.publish(BusMessage{Origin: s.cfg.InstanceID, Room: rm.name, Update: f.Data})
		default:
			s.metrics.updates.WithLabelValues("duplicate").Inc()
		}
	}
}

// authenticate reads the Auth frame and verifies the token against the
// requested room. Rejections are reported to the peer before returning.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (auth.Identity, string, bool) {
	timer := time.AfterFunc(s.cfg.AuthTimeout, func() {
		s.metrics.authFailures.WithLabelValues("timeout").Inc()
		_ = conn.Close(websocket.StatusPolicyViolation, "auth timeout")
	})
	defer timer.Stop()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return auth.Identity{}, "", false
	}
	f, err := wire.Decode(data)
	if err != nil || f.Type != wire.TypeAuth {
		s.reject(ctx, conn, "malformed", "expected auth frame")
		return auth.Identity{}, "", false
	}
	if err := wire.CheckVersion(f.Version); err != nil {
		s.reject(ctx, conn, "unsupported_version", err.Error())
		return auth.Identity{}, "", false
	}
	owner, err := wire.RoomOwner(f.Room)
	if err != nil {
		s.reject(ctx, conn, "invalid_room", err.Error())
		return auth.Identity{}, "", false
	}

	verifyCtx, cancel := context.WithTimeout(ctx, s.cfg.AuthTimeout)
	identity, err := s.verifier.Verify(verifyCtx, f.Token)
	cancel()
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			s.reject(ctx, conn, "unauthorized", err.Error())
			return auth.Identity{}, "", false
		}
		s.metrics.authFailures.WithLabelValues("provider_unavailable").Inc()
		s.logger.Warn().Err(err).Msg("token verification unavailable")
		_ = conn.Close(websocket.StatusTryAgainLater, "identity provider unavailable")
		return auth.Identity{}, "", false
	}
	if identity.OwnerID != owner {
		s.reject(ctx, conn, "forbidden", "room belongs to another owner")
		return auth.Identity{}, "", false
	}
	return identity, f.Room, true
}

func (s *Server) reject(ctx context.Context, conn *websocket.Conn, code, reason string) {
	s.metrics.authFailures.WithLabelValues(code).Inc()
	s.logger.Info().Str("reason", code).Msg("join rejected")
	writeCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = writeFrame(writeCtx, conn, wire.AuthFail(reason))
	_ = conn.Close(websocket.StatusCode(wire.CloseAuthFailed), truncateReason(reason, maxCloseReason))
}

// maxCloseReason keeps the close frame payload under the 125 byte limit.
const maxCloseReason = 120

// truncateReason cuts s to at most limit bytes without splitting a rune.
func truncateReason(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := 0
	for i := range s {
		if i > limit {
			break
		}
		cut = i
	}
	return s[:cut]
}

func writeFrame(ctx context.Context, conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
