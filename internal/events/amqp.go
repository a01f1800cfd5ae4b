package events

import (
	"errors"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerConfig holds the connection bootstrap for the broker-backed
// transport variant. Only the bootstrap differs from the websocket variant;
// the subscribe/event contract is identical.
type BrokerConfig struct {
	URL      string
	Login    string
	Passcode string
	Vhost    string
	Exchange string
}

type amqpConn struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (a *amqpConn) ReadFrame() ([]byte, error) {
	d, ok := <-a.deliveries
	if !ok {
		return nil, errors.New("amqp delivery channel closed")
	}
	return d.Body, nil
}

func (a *amqpConn) Close() error {
	if a.channel != nil {
		a.channel.Close()
	}
	return a.conn.Close()
}

// NewAMQPClient returns a Client for the broker-backed transport variant.
// It consumes from an exclusive auto-delete queue bound to the configured
// topic exchange, so each client instance sees every published event.
func NewAMQPClient(cfg BrokerConfig, reconnectDelay time.Duration, logger *slog.Logger) *Client {
	dial := func() (frameConn, error) {
		conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
			Vhost: cfg.Vhost,
			SASL:  []amqp.Authentication{&amqp.PlainAuth{Username: cfg.Login, Password: cfg.Passcode}},
		})
		if err != nil {
			return nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, err
		}
		if err := ch.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
		q, err := ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
		if err := ch.QueueBind(q.Name, "#", cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
		deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
		if err != nil {
			ch.Close()
			conn.Close()
			return nil, err
		}
		return &amqpConn{conn: conn, channel: ch, deliveries: deliveries}, nil
	}
	return newClient(dial, reconnectDelay, logger)
}
