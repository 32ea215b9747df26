package remoting

import (
	"fmt"

	"github.com/glimte/mmate-remoting/contracts"
)

// PacketType discriminates packets crossing a connection
type PacketType uint8

const (
	PacketSend PacketType = iota + 1
	PacketDeliver
	PacketCreateQueue
	PacketCreateConsumer
	PacketCloseConsumer
	PacketSessionStart
	PacketSessionStop
	PacketSessionFlush
	PacketSessionClose
	PacketNullResponse
	PacketException
)

var packetTypeNames = map[PacketType]string{
	PacketSend:           "SEND",
	PacketDeliver:        "DELIVER",
	PacketCreateQueue:    "CREATE_QUEUE",
	PacketCreateConsumer: "CREATE_CONSUMER",
	PacketCloseConsumer:  "CLOSE_CONSUMER",
	PacketSessionStart:   "SESSION_START",
	PacketSessionStop:    "SESSION_STOP",
	PacketSessionFlush:   "SESSION_FLUSH",
	PacketSessionClose:   "SESSION_CLOSE",
	PacketNullResponse:   "NULL_RESPONSE",
	PacketException:      "EXCEPTION",
}

func (t PacketType) String() string {
	if name, ok := packetTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("PacketType(%d)", uint8(t))
}

// IsResponse reports whether packets of this type answer a request
func (t PacketType) IsResponse() bool {
	return t == PacketNullResponse || t == PacketException
}

// Payload is the body of a packet. Which concrete payload a packet carries is fixed by
// its type.
type Payload interface {
	clone() Payload
}

// SendMessage carries a producer-side message to the broker
type SendMessage struct {
	Address          string
	Message          *contracts.Message
	RequiresResponse bool
}

func (p *SendMessage) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	if p.Message != nil {
		cp.Message = p.Message.Copy()
	}
	return &cp
}

// ReceiveMessage carries a delivery-side message to a consumer
type ReceiveMessage struct {
	ConsumerID    int64
	Message       *contracts.Message
	DeliveryCount int
}

func (p *ReceiveMessage) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	if p.Message != nil {
		cp.Message = p.Message.Copy()
	}
	return &cp
}

// CreateQueue asks the broker to bind a queue to an address
type CreateQueue struct {
	Address string
	Queue   string
}

func (p *CreateQueue) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	return &cp
}

// CreateConsumer attaches a consumer to a queue
type CreateConsumer struct {
	ConsumerID int64
	Queue      string
}

func (p *CreateConsumer) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	return &cp
}

// CloseConsumer detaches a consumer
type CloseConsumer struct {
	ConsumerID int64
}

func (p *CloseConsumer) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	return &cp
}

// Exception reports a failure back to the peer
type Exception struct {
	Code    contracts.ErrorCode
	Message string
}

func (p *Exception) clone() Payload {
	if p == nil {
		return p
	}
	cp := *p
	return &cp
}

// Err returns the exception as a broker error
func (p *Exception) Err() *contracts.BrokerError {
	return contracts.NewBrokerError(p.Code, p.Message)
}

// Packet is the envelope of one operation crossing a connection.
// A packet is immutable once built; only the message it references may change.
type Packet struct {
	typ           PacketType
	channelID     int64
	correlationID int64
	payload       Payload
}

// NewPacket builds a packet. Use Validate to check the payload matches the type.
func NewPacket(typ PacketType, channelID, correlationID int64, payload Payload) *Packet {
	return &Packet{
		typ:           typ,
		channelID:     channelID,
		correlationID: correlationID,
		payload:       payload,
	}
}

// NewSendPacket builds a SEND packet for msg
func NewSendPacket(channelID, correlationID int64, address string, msg *contracts.Message, requiresResponse bool) *Packet {
	return NewPacket(PacketSend, channelID, correlationID, &SendMessage{
		Address:          address,
		Message:          msg,
		RequiresResponse: requiresResponse,
	})
}

// NewDeliverPacket builds a DELIVER packet for msg
func NewDeliverPacket(channelID, consumerID int64, msg *contracts.Message, deliveryCount int) *Packet {
	return NewPacket(PacketDeliver, channelID, 0, &ReceiveMessage{
		ConsumerID:    consumerID,
		Message:       msg,
		DeliveryCount: deliveryCount,
	})
}

// NewNullResponse builds the acknowledgment for the request with correlationID
func NewNullResponse(channelID, correlationID int64) *Packet {
	return NewPacket(PacketNullResponse, channelID, correlationID, nil)
}

// NewExceptionPacket builds an exception answering the request with correlationID
func NewExceptionPacket(channelID, correlationID int64, err error) *Packet {
	be := contracts.AsBrokerError(err)
	return NewPacket(PacketException, channelID, correlationID, &Exception{
		Code:    be.Code,
		Message: be.Message,
	})
}

// Type returns the packet type
func (p *Packet) Type() PacketType {
	return p.typ
}

// ChannelID returns the channel the packet belongs to
func (p *Packet) ChannelID() int64 {
	return p.channelID
}

// CorrelationID returns the id pairing a request with its response. Zero means none.
func (p *Packet) CorrelationID() int64 {
	return p.correlationID
}

// Payload returns the raw payload
func (p *Packet) Payload() Payload {
	return p.payload
}

// SendMessage returns the payload of a SEND packet
func (p *Packet) SendMessage() (*SendMessage, bool) {
	sm, ok := p.payload.(*SendMessage)
	return sm, ok && p.typ == PacketSend
}

// ReceiveMessage returns the payload of a DELIVER packet
func (p *Packet) ReceiveMessage() (*ReceiveMessage, bool) {
	rm, ok := p.payload.(*ReceiveMessage)
	return rm, ok && p.typ == PacketDeliver
}

// Message returns the message carried by a SEND or DELIVER packet
func (p *Packet) Message() *contracts.Message {
	switch pl := p.payload.(type) {
	case *SendMessage:
		return pl.Message
	case *ReceiveMessage:
		return pl.Message
	}
	return nil
}

// Validate checks that the payload variant is the one the packet type demands
func (p *Packet) Validate() error {
	var ok bool
	switch p.typ {
	case PacketSend:
		var sm *SendMessage
		sm, ok = p.payload.(*SendMessage)
		ok = ok && sm != nil && sm.Message != nil
	case PacketDeliver:
		var rm *ReceiveMessage
		rm, ok = p.payload.(*ReceiveMessage)
		ok = ok && rm != nil && rm.Message != nil
	case PacketCreateQueue:
		var pl *CreateQueue
		pl, ok = p.payload.(*CreateQueue)
		ok = ok && pl != nil
	case PacketCreateConsumer:
		var pl *CreateConsumer
		pl, ok = p.payload.(*CreateConsumer)
		ok = ok && pl != nil
	case PacketCloseConsumer:
		var pl *CloseConsumer
		pl, ok = p.payload.(*CloseConsumer)
		ok = ok && pl != nil
	case PacketException:
		var pl *Exception
		pl, ok = p.payload.(*Exception)
		ok = ok && pl != nil
	case PacketSessionStart, PacketSessionStop, PacketSessionFlush, PacketSessionClose, PacketNullResponse:
		ok = p.payload == nil
	default:
		return fmt.Errorf("%w: unknown packet type %s", contracts.ErrInvalidPacket, p.typ)
	}

	if !ok {
		return fmt.Errorf("%w: %s packet carries %T", contracts.ErrInvalidPacket, p.typ, p.payload)
	}
	return nil
}

// Clone returns a deep copy of the packet, including its message
func (p *Packet) Clone() *Packet {
	cp := *p
	if p.payload != nil {
		cp.payload = p.payload.clone()
	}
	return &cp
}

func (p *Packet) String() string {
	return fmt.Sprintf("Packet{type=%s, channel=%d, correlation=%d}", p.typ, p.channelID, p.correlationID)
}
