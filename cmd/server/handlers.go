package main

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/orincore/circleback/internal/apperr"
	"github.com/orincore/circleback/internal/coord"
	"github.com/orincore/circleback/internal/protocol"
	"github.com/orincore/circleback/internal/ratelimit"
	"github.com/orincore/circleback/internal/ws"
)

const handlerTimeout = 5 * time.Second

// registerHandlers wires every inbound WebSocket message type to the
// coordinator.
func registerHandlers(dispatcher *ws.MessageDispatcher, registry *ws.Registry, coordinator *coord.Coordinator, limiter *ratelimit.Limiter) {
	sendError := func(conn *ws.Connection, err error) {
		data, merr := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
			Code:    string(apperr.CodeOf(err)),
			Message: apperr.MessageOf(err),
		})
		if merr != nil {
			log.Printf("failed to build error frame conn=%s: %v", conn.ID, merr)
			return
		}
		if err := conn.Enqueue(ws.Event{Type: protocol.TypeError, Data: data}); err != nil &&
			!errors.Is(err, ws.ErrConnClosed) {
			log.Printf("failed to send error frame conn=%s: %v", conn.ID, err)
		}
	}

	send := func(conn *ws.Connection, msgType string, payload interface{}) {
		data, err := protocol.NewServerMessage(msgType, payload)
		if err != nil {
			log.Printf("failed to build %s frame conn=%s: %v", msgType, conn.ID, err)
			return
		}
		_ = conn.Enqueue(ws.Event{Type: msgType, Data: data})
	}

	// requireUser resolves the authenticated user on the connection or
	// pushes an auth error.
	requireUser := func(conn *ws.Connection) (string, bool) {
		uid := conn.UserID()
		if uid == "" {
			sendError(conn, apperr.AuthRequired())
			return "", false
		}
		return uid, true
	}

	// -----------------------------------------------------------------------
	// authenticate — bind connection to an identity
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAuthenticate, func(conn *ws.Connection, msg interface{}) {
		authMsg, ok := msg.(protocol.AuthenticateMsg)
		if !ok || authMsg.UserID == "" {
			send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Reason: "user_id required"})
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if !registry.Authenticate(conn.ID, authMsg.UserID) {
			return // connection already detached
		}
		if err := coordinator.UserOnline(ctx, authMsg.UserID); err != nil {
			send(conn, protocol.TypeAuthError, protocol.AuthErrorMsg{Reason: apperr.MessageOf(err)})
			conn.CloseWithReason("auth failed")
			return
		}

		send(conn, protocol.TypeAuthOK, protocol.AuthOKMsg{UserID: authMsg.UserID})
		log.Printf("authenticate conn=%s user=%s", conn.ID, authMsg.UserID)
	})

	// -----------------------------------------------------------------------
	// start-search / end-search
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeStartSearch, func(conn *ws.Connection, msg interface{}) {
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, uid, ratelimit.RuleSearch); !allowed {
				sendError(conn, apperr.New(apperr.CodeRateLimited, "too many search requests"))
				return
			}
		}
		if err := coordinator.StartSearch(ctx, uid); err != nil {
			sendError(conn, err)
			return
		}
		send(conn, protocol.TypeSearchStarted, protocol.SearchStartedMsg{})
		log.Printf("start-search user=%s", uid)
	})

	dispatcher.Register(protocol.TypeEndSearch, func(conn *ws.Connection, msg interface{}) {
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if err := coordinator.EndSearch(ctx, uid); err != nil {
			sendError(conn, err)
			return
		}
		send(conn, protocol.TypeSearchEnded, protocol.SearchEndedMsg{})
		log.Printf("end-search user=%s", uid)
	})

	// -----------------------------------------------------------------------
	// accept-match / reject-match
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeAcceptMatch, func(conn *ws.Connection, msg interface{}) {
		acceptMsg, ok := msg.(protocol.AcceptMatchMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		if _, err := coordinator.AcceptMatch(uid, acceptMsg.MatchID); err != nil {
			sendError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeRejectMatch, func(conn *ws.Connection, msg interface{}) {
		rejectMsg, ok := msg.(protocol.RejectMatchMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		if _, err := coordinator.RejectMatch(uid, rejectMsg.MatchID); err != nil {
			sendError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// send-message
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		sendMsg, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()

		if limiter != nil {
			if allowed, _ := limiter.Allow(ctx, uid, ratelimit.RuleMessage); !allowed {
				sendError(conn, apperr.New(apperr.CodeRateLimited, "sending too fast"))
				return
			}
		}
		if _, err := coordinator.SendMessage(ctx, uid, sendMsg.SessionID, sendMsg.Content); err != nil {
			sendError(conn, err)
		}
	})

	// -----------------------------------------------------------------------
	// typing / stop-typing / read-all / join-session
	// -----------------------------------------------------------------------
	dispatcher.Register(protocol.TypeTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.TypingMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		// Best-effort: delivery failures stay silent.
		if err := coordinator.Typing(ctx, uid, typingMsg.SessionID, true); err != nil {
			sendError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeStopTyping, func(conn *ws.Connection, msg interface{}) {
		typingMsg, ok := msg.(protocol.StopTypingMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coordinator.Typing(ctx, uid, typingMsg.SessionID, false); err != nil {
			sendError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeReadAll, func(conn *ws.Connection, msg interface{}) {
		readMsg, ok := msg.(protocol.ReadAllMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coordinator.ReadAll(ctx, uid, readMsg.SessionID); err != nil {
			sendError(conn, err)
		}
	})

	dispatcher.Register(protocol.TypeJoinSession, func(conn *ws.Connection, msg interface{}) {
		joinMsg, ok := msg.(protocol.JoinSessionMsg)
		if !ok {
			return
		}
		uid, ok := requireUser(conn)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := coordinator.JoinSession(ctx, uid, joinMsg.SessionID); err != nil {
			sendError(conn, err)
		}
	})
}
