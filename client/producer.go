package client

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-remoting/contracts"
	"github.com/glimte/mmate-remoting/remoting"
)

// Producer sends messages to one address
type Producer struct {
	session *Session
	address string
}

// Address returns the address messages are sent to
func (p *Producer) Address() string {
	return p.address
}

// Send sends msg to the producer's address.
//
// On a blocking session Send waits for the broker's acknowledgment. A SEND vetoed by a
// server interceptor is never acknowledged, so a blocking Send then only returns when
// ctx is done. A SEND vetoed by a client interceptor never leaves the client and Send
// returns nil at once.
func (p *Producer) Send(ctx context.Context, msg *contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("nil message: %w", contracts.ErrInvalidPacket)
	}

	s := p.session
	if s.closed.Load() {
		return fmt.Errorf("send to %s: %w", p.address, contracts.ErrSessionClosed)
	}

	pkt := remoting.NewSendPacket(sessionChannel, s.correlation.Add(1), p.address, msg, s.blockOnSend)
	if s.blockOnSend {
		if err := s.roundTrip(ctx, pkt, false); err != nil {
			return fmt.Errorf("send to %s: %w", p.address, err)
		}
		return nil
	}

	if _, err := s.pipeline.Write(ctx, s.conn, pkt); err != nil {
		return fmt.Errorf("send to %s: %w", p.address, err)
	}
	return nil
}
