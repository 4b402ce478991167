package messaging

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/wolfman30/trial-scheduling-engine/pkg/logging"
)

// StubSender logs outbound SMS instead of sending them. It stands in when no
// provider credentials are configured.
type StubSender struct {
	logger *logging.Logger
	seq    atomic.Int64
}

func NewStubSender(logger *logging.Logger) *StubSender {
	if logger == nil {
		logger = logging.Default()
	}
	return &StubSender{logger: logger}
}

// Send logs the message and returns a synthetic message id.
func (s *StubSender) Send(ctx context.Context, to, body string) (string, error) {
	id := fmt.Sprintf("stub-%d", s.seq.Add(1))
	s.logger.Info("stub sms sender: would send sms", "to", to, "chars", len(body), "message_id", id)
	return id, nil
}
