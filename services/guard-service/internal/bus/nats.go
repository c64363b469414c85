package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials NATS with unbounded reconnects; disconnects are logged, not
// fatal.
func Connect(url, name string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", slog.String("error", err.Error()))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", nc.ConnectedUrl()))
		}),
	}
	return nats.Connect(url, opts...)
}

type Publisher struct {
	Conn *nats.Conn
}

func NewPublisher(conn *nats.Conn) *Publisher {
	return &Publisher{Conn: conn}
}

func (p *Publisher) Publish(subject string, payload any) error {
	if p.Conn == nil || p.Conn.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return p.Conn.Publish(subject, data)
}

type Subscriber struct {
	Conn   *nats.Conn
	Logger *slog.Logger
}

func NewSubscriber(conn *nats.Conn, logger *slog.Logger) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{Conn: conn, Logger: logger}
}

// SubscribeReadings delivers each well-formed reading message to handler.
// Undecodable messages are logged and dropped.
func (s *Subscriber) SubscribeReadings(subject string, handler func(ReadingEvent)) (*nats.Subscription, error) {
	return s.Conn.Subscribe(subject, func(msg *nats.Msg) {
		evt, err := DecodeReading(msg.Data)
		if err != nil {
			s.Logger.Warn("dropping reading message",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler(evt)
	})
}

// DrainTimeout bounds how long Close waits for a drain to finish.
const DrainTimeout = 10 * time.Second

// Close drains the connection and blocks until nats reports it closed:
// subscriptions stop taking new messages, handlers finish the ones already
// delivered, and buffered publishes are flushed. The connection is forced
// closed once timeout passes.
func Close(conn *nats.Conn, timeout time.Duration) error {
	if conn == nil || conn.IsClosed() {
		return nil
	}
	closed := make(chan struct{})
	var once sync.Once
	conn.SetClosedHandler(func(*nats.Conn) { once.Do(func() { close(closed) }) })
	if err := conn.Drain(); err != nil {
		conn.Close()
		return fmt.Errorf("drain nats: %w", err)
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-closed:
		return nil
	case <-timer.C:
		conn.Close()
		return fmt.Errorf("nats drain did not finish within %s", timeout)
	}
}
