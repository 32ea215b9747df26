package interceptors

import (
	"context"
	"fmt"

	"github.com/glimte/mmate-remoting/journal"
	"github.com/glimte/mmate-remoting/remoting"
)

// JournalInterceptor records a snapshot of every packet carrying a message and accepts
// it. Placing journal interceptors between other interceptors shows which one changed
// what.
type JournalInterceptor struct {
	component string
	journal   journal.Journal
}

// NewJournalInterceptor creates an interceptor recording into j under component
func NewJournalInterceptor(component string, j journal.Journal) *JournalInterceptor {
	return &JournalInterceptor{component: component, journal: j}
}

// Intercept implements remoting.Interceptor
func (i *JournalInterceptor) Intercept(ctx context.Context, pkt *remoting.Packet, conn remoting.RemotingConnection) (bool, error) {
	if pkt.Message() == nil {
		return true, nil
	}
	if err := i.journal.RecordPacket(ctx, i.component, pkt, conn); err != nil {
		return false, err
	}
	return true, nil
}

// Name implements remoting.Named
func (i *JournalInterceptor) Name() string {
	return fmt.Sprintf("JournalInterceptor[%s]", i.component)
}
