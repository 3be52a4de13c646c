package events

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitro3/flipnosis/internal/models"
)

// ClientMessageType represents the type of a client→server message.
type ClientMessageType string

const (
	MsgJoinRoom            ClientMessageType = "join_room"
	MsgRegisterUser        ClientMessageType = "register_user"
	MsgSubmitOffer         ClientMessageType = "submit_offer"
	MsgAcceptOffer         ClientMessageType = "accept_offer"
	MsgRejectOffer         ClientMessageType = "reject_offer"
	MsgConfirmDeposit      ClientMessageType = "confirm_deposit"
	MsgMakeChoice          ClientMessageType = "make_choice"
	MsgPowerChargeStart    ClientMessageType = "power_charge_start"
	MsgPowerChargeComplete ClientMessageType = "power_charge_complete"
	MsgChatMessage         ClientMessageType = "chat_message"
)

// ClientEnvelope is the wire frame for all client→server messages.
type ClientEnvelope struct {
	Type ClientMessageType `json:"type"`
	Data json.RawMessage   `json:"data"`
}

// NewClientEnvelope wraps a typed message into its wire frame.
func NewClientEnvelope(msgType ClientMessageType, payload interface{}) (*ClientEnvelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &ClientEnvelope{Type: msgType, Data: data}, nil
}

type JoinRoomMsg struct {
	RoomID string `json:"room_id"`
}

type RegisterUserMsg struct {
	Address string `json:"address"`
}

type SubmitOfferMsg struct {
	ListingID      uuid.UUID `json:"listing_id"`
	OffererAddress string    `json:"offerer_address"`
	PriceUSD       float64   `json:"price_usd"`
}

type AcceptOfferMsg struct {
	OfferID         uuid.UUID `json:"offer_id"`
	AccepterAddress string    `json:"accepter_address"`
}

type RejectOfferMsg struct {
	OfferID         uuid.UUID `json:"offer_id"`
	RejecterAddress string    `json:"rejecter_address"`
}

type ConfirmDepositMsg struct {
	SessionID uuid.UUID        `json:"session_id"`
	Player    string           `json:"player"`
	AssetType models.AssetType `json:"asset_type"`
	Proof     string           `json:"proof"`
}

type MakeChoiceMsg struct {
	SessionID uuid.UUID     `json:"session_id"`
	Player    string        `json:"player"`
	Choice    models.Choice `json:"choice"`
}

type PowerChargeStartMsg struct {
	SessionID uuid.UUID `json:"session_id"`
	Player    string    `json:"player"`
}

type PowerChargeCompleteMsg struct {
	SessionID  uuid.UUID `json:"session_id"`
	Player     string    `json:"player"`
	PowerLevel float64   `json:"power_level"`
}

type ChatMsg struct {
	SessionID uuid.UUID `json:"session_id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
}

// DecodeClientMessage decodes a raw frame into its typed message. The
// switch is exhaustive over ClientMessageType; unknown types are an
// error so the dispatcher can drop the frame without guessing.
func DecodeClientMessage(raw []byte) (ClientMessageType, interface{}, error) {
	var env ClientEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode envelope: %w", err)
	}

	var (
		msg interface{}
		err error
	)
	switch env.Type {
	case MsgJoinRoom:
		msg, err = decode[JoinRoomMsg](env.Data)
	case MsgRegisterUser:
		msg, err = decode[RegisterUserMsg](env.Data)
	case MsgSubmitOffer:
		msg, err = decode[SubmitOfferMsg](env.Data)
	case MsgAcceptOffer:
		msg, err = decode[AcceptOfferMsg](env.Data)
	case MsgRejectOffer:
		msg, err = decode[RejectOfferMsg](env.Data)
	case MsgConfirmDeposit:
		msg, err = decode[ConfirmDepositMsg](env.Data)
	case MsgMakeChoice:
		msg, err = decode[MakeChoiceMsg](env.Data)
	case MsgPowerChargeStart:
		msg, err = decode[PowerChargeStartMsg](env.Data)
	case MsgPowerChargeComplete:
		msg, err = decode[PowerChargeCompleteMsg](env.Data)
	case MsgChatMessage:
		msg, err = decode[ChatMsg](env.Data)
	default:
		return env.Type, nil, fmt.Errorf("unknown client message type %q", env.Type)
	}
	if err != nil {
		return env.Type, nil, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	return env.Type, msg, nil
}
