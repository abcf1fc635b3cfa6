package mailer

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// LogMailer writes messages to the logger instead of delivering them and keeps a copy.
// Used in development and as the test double.
type LogMailer struct {
	logger *zap.Logger

	mu   sync.Mutex
	sent []Message
	fail map[string]error
}

// NewLogMailer builds a LogMailer. A nil logger discards output.
func NewLogMailer(logger *zap.Logger) *LogMailer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogMailer{logger: logger, fail: make(map[string]error)}
}

// FailFor makes every send to address return err.
func (m *LogMailer) FailFor(address string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[address] = err
}

// Send implements Mailer.
func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.fail[msg.To.Address]; ok {
		return err
	}
	m.sent = append(m.sent, msg)
	m.logger.Info("email (log driver)",
		zap.String("to", msg.To.String()),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Text),
	)
	return nil
}

// Sent returns a copy of the delivered messages.
func (m *LogMailer) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}
