package events

import (
	"encoding/json"
	"strings"

	"github.com/nats-io/nats.go"

	"taskflow/internal/logging"
	"taskflow/internal/taskerr"
)

// publisher is the slice of *nats.Conn the bridge needs.
type publisher interface {
	Publish(subject string, data []byte) error
}

// NATSBridge mirrors every bus event to NATS under
// taskflow.workflows.<workflowId>.<type>.
type NATSBridge struct {
	conn   publisher
	closer func()
	stop   func()
	done   chan struct{}
	logger logging.Logger
}

// NewNATSBridge connects to the NATS server and starts mirroring the bus.
func NewNATSBridge(url string, bus *Bus, logger logging.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url, nats.Name("taskflow"))
	if err != nil {
		return nil, taskerr.Wrap(taskerr.KindConfig, err, "connect to nats at %s", url)
	}
	bridge := newBridge(nc, bus, logger)
	bridge.closer = nc.Close
	return bridge, nil
}

func newBridge(conn publisher, bus *Bus, logger logging.Logger) *NATSBridge {
	ch, cancel := bus.Subscribe()
	b := &NATSBridge{
		conn:   conn,
		stop:   cancel,
		done:   make(chan struct{}),
		logger: logging.OrNop(logger),
	}
	go b.pump(ch)
	return b
}

// Close stops mirroring and closes the connection.
func (b *NATSBridge) Close() {
	b.stop()
	<-b.done
	if b.closer != nil {
		b.closer()
	}
}

func (b *NATSBridge) pump(ch <-chan Event) {
	defer close(b.done)
	for ev := range ch {
		data, err := json.Marshal(ev)
		if err != nil {
			b.logger.Warn("nats bridge: marshal %s event: %v", ev.Type, err)
			continue
		}
		if err := b.conn.Publish(subjectFor(ev), data); err != nil {
			b.logger.Warn("nats bridge: publish %s event: %v", ev.Type, err)
		}
	}
}

// subjectFor builds the per-workflow subject. Workflow ids are sanitized so
// they stay within a single subject token.
func subjectFor(ev Event) string {
	id := ev.WorkflowID
	if id == "" {
		id = "_global"
	}
	return "taskflow.workflows." + sanitizeToken(id) + "." + sanitizeToken(ev.Type)
}

func sanitizeToken(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
