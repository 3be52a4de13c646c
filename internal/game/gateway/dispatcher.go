package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmitro3/flipnosis/internal/game/engine"
	"github.com/dmitro3/flipnosis/internal/game/escrow"
	"github.com/dmitro3/flipnosis/internal/game/events"
	"github.com/dmitro3/flipnosis/internal/game/session"
	"github.com/dmitro3/flipnosis/internal/offers"
)

// Dispatcher routes decoded client messages to the ledger, escrow
// coordinator and round engine. Validation and authorization failures
// go back to the originating connection only; stale turn messages are
// logged at debug and dropped.
type Dispatcher struct {
	ctx    context.Context
	ledger *offers.Ledger
	escrow *escrow.Coordinator
	engine *engine.Engine
	store  *session.Store
}

// NewDispatcher creates a message dispatcher. ctx bounds background
// work started on behalf of client messages (deposit countdowns).
func NewDispatcher(ctx context.Context, ledger *offers.Ledger, esc *escrow.Coordinator, eng *engine.Engine, store *session.Store) *Dispatcher {
	return &Dispatcher{
		ctx:    ctx,
		ledger: ledger,
		escrow: esc,
		engine: eng,
		store:  store,
	}
}

// Dispatch decodes one inbound frame and applies it. The switch is
// exhaustive over the client message union.
func (d *Dispatcher) Dispatch(conn *Connection, raw []byte) {
	msgType, msg, err := events.DecodeClientMessage(raw)
	if err != nil {
		// One malformed message must not block the valid ones after it.
		log.Warn().
			Err(err).
			Str("connection_id", conn.ID).
			Msg("dropping malformed client message")
		return
	}

	switch m := msg.(type) {
	case events.JoinRoomMsg:
		d.handleJoinRoom(conn, m)
	case events.RegisterUserMsg:
		conn.SetAddress(m.Address)
		log.Debug().
			Str("connection_id", conn.ID).
			Str("address", m.Address).
			Msg("participant registered")
	case events.SubmitOfferMsg:
		if _, err := d.ledger.SubmitOffer(m.ListingID, m.OffererAddress, m.PriceUSD); err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.AcceptOfferMsg:
		if _, err := d.ledger.AcceptOffer(d.ctx, m.OfferID, m.AccepterAddress); err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.RejectOfferMsg:
		if err := d.ledger.RejectOffer(m.OfferID, m.RejecterAddress); err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.ConfirmDepositMsg:
		if err := d.escrow.ConfirmDeposit(d.ctx, m.SessionID, m.Player, m.AssetType, m.Proof); err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.MakeChoiceMsg:
		err := d.engine.SubmitChoice(m.SessionID, m.Player, m.Choice)
		if errors.Is(err, engine.ErrStaleMessage) {
			log.Debug().
				Str("session_id", m.SessionID.String()).
				Str("player", m.Player).
				Msg("dropping out-of-phase choice")
			return
		}
		if err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.PowerChargeStartMsg:
		// Display hint for the opponent; the engine only consumes the
		// completed numeric value.
		if ev, evErr := events.New(m.SessionID, events.EventTypePowerUpdate, events.PowerUpdatePayload{
			SessionID:  m.SessionID.String(),
			Player:     m.Player,
			PowerLevel: 0,
		}); evErr == nil {
			conn.Manager.BroadcastToGame(m.SessionID, ev)
		}
	case events.PowerChargeCompleteMsg:
		err := d.engine.SubmitPower(m.SessionID, m.Player, m.PowerLevel)
		if errors.Is(err, engine.ErrStaleMessage) {
			log.Debug().
				Str("session_id", m.SessionID.String()).
				Str("player", m.Player).
				Msg("dropping out-of-phase power charge")
			return
		}
		if err != nil {
			d.sendError(conn, msgType, err)
		}
	case events.ChatMsg:
		d.handleChat(conn, m)
	default:
		log.Warn().Str("type", string(msgType)).Msg("unhandled client message type")
	}
}

// handleJoinRoom moves the connection into the requested room and, if
// the room is a live session, replies with the one-shot state snapshot
// so reconnecting clients rehydrate without replaying history.
func (d *Dispatcher) handleJoinRoom(conn *Connection, m events.JoinRoomMsg) {
	roomID, err := uuid.Parse(m.RoomID)
	if err != nil {
		d.sendError(conn, events.MsgJoinRoom, err)
		return
	}

	if roomID != conn.RoomID {
		conn.Manager.unregisterConnectionKeepOpen(conn)
		conn.RoomID = roomID
		conn.Manager.registerConnection(conn)
	}

	snap, err := d.store.Snapshot(roomID)
	if err != nil {
		// Listing rooms have no session yet; nothing to replay.
		return
	}
	ev, evErr := events.New(roomID, events.EventTypeSessionState, events.SessionStatePayload{
		Session:    snap,
		ServerTime: time.Now().UTC(),
	})
	if evErr != nil {
		return
	}
	d.sendDirect(conn, ev)
}

func (d *Dispatcher) handleChat(conn *Connection, m events.ChatMsg) {
	snap, err := d.store.Snapshot(m.SessionID)
	if err == nil && !snap.IsParticipant(m.From) {
		log.Debug().
			Str("session_id", m.SessionID.String()).
			Str("from", m.From).
			Msg("dropping chat from non-participant")
		return
	}

	if ev, evErr := events.New(m.SessionID, events.EventTypeChatMessage, events.ChatMessagePayload{
		SessionID: m.SessionID.String(),
		From:      m.From,
		Text:      m.Text,
		SentAt:    time.Now().UTC(),
	}); evErr == nil {
		conn.Manager.BroadcastToGame(m.SessionID, ev)
	}
}

// sendError delivers a validation failure to the sender only.
func (d *Dispatcher) sendError(conn *Connection, reqType events.ClientMessageType, err error) {
	log.Info().
		Err(err).
		Str("connection_id", conn.ID).
		Str("request_type", string(reqType)).
		Msg("client request rejected")

	ev, evErr := events.New(conn.RoomID, events.EventTypeError, events.ErrorPayload{
		RequestType: string(reqType),
		Message:     err.Error(),
	})
	if evErr != nil {
		return
	}
	d.sendDirect(conn, ev)
}

func (d *Dispatcher) sendDirect(conn *Connection, ev *events.GameEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case conn.Send <- data:
	default:
		log.Warn().Str("connection_id", conn.ID).Msg("send buffer full, dropping direct message")
	}
}
