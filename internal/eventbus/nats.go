package eventbus

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/lucasnoah/orchestra/internal/db"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "orchestra.events"

// NATSMirror publishes events on <prefix>.<workflow_id>.<event_type>.
type NATSMirror struct {
	conn   *nats.Conn
	prefix string
	owned  bool
}

// ConnectNATS dials url and returns a mirror that owns the connection.
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSMirror, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("orchestra"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	m := NewNATSMirror(nc, prefix)
	m.owned = true
	return m, nil
}

// NewNATSMirror wraps an existing connection. Close leaves it open.
func NewNATSMirror(nc *nats.Conn, prefix string) *NATSMirror {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSMirror{conn: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject ev is published on.
func (m *NATSMirror) Subject(ev db.Event) string {
	return m.prefix + "." + subjectToken(ev.WorkflowID) + "." + subjectToken(ev.Type)
}

func (m *NATSMirror) Publish(ev db.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event %d: %w", ev.ID, err)
	}
	if err := m.conn.Publish(m.Subject(ev), data); err != nil {
		return fmt.Errorf("publish event %d: %w", ev.ID, err)
	}
	return nil
}

func (m *NATSMirror) Close() error {
	if !m.owned {
		return nil
	}
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
		return err
	}
	return nil
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(s string) string {
	if s == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, s)
}
