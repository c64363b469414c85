package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"praxisguard-backend/services/sensor-service/internal/source"
)

const DefaultSubject = "readings.ingest"

const drainTimeout = 5 * time.Second

// NATSSink publishes samples on the ingest subject consumed by the guard
// service.
type NATSSink struct {
	Conn    *nats.Conn
	Subject string
}

func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return nats.Connect(url,
		nats.Name("praxisguard-collector"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	)
}

func NewNATSSink(conn *nats.Conn, subject string) *NATSSink {
	if subject == "" {
		subject = DefaultSubject
	}
	return &NATSSink{Conn: conn, Subject: subject}
}

func (s *NATSSink) Send(_ context.Context, sample source.Sample) error {
	if s.Conn == nil || s.Conn.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	return s.Conn.Publish(s.Subject, data)
}

// Close flushes buffered samples and waits for the drained connection to
// close, forcing it after drainTimeout.
func (s *NATSSink) Close() error {
	if s.Conn == nil || s.Conn.IsClosed() {
		return nil
	}
	closed := make(chan struct{})
	var once sync.Once
	s.Conn.SetClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) })
	if err := s.Conn.Drain(); err != nil {
		s.Conn.Close()
		return err
	}
	select {
	case <-closed:
		return nil
	case <-time.After(drainTimeout):
		s.Conn.Close()
		return fmt.Errorf("nats drain did not finish within %s", drainTimeout)
	}
}
