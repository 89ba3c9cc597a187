package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	connectionTimeout      = 10 * time.Second
	reconnectDelay         = 1 * time.Second
	reconnectMaxDelay      = 30 * time.Second
	closedChannelLoopDelay = 100 * time.Millisecond
)

var ErrManagerClosed = errors.New("channel manager is closed")

type ChannelManager interface {
	Channel(ctx context.Context) (*amqp.Channel, error)
	Close() error
}

type channelManager struct {
	mu  sync.Mutex
	log logr.Logger

	url     string
	conn    *amqp.Connection
	channel *amqp.Channel

	closeOnce sync.Once
	shutdown  chan struct{}
}

func NewChannelManager(log logr.Logger, url string) (*channelManager, error) {
	log = log.WithName("amqp.channel-manager")

	log.Info("Dialing AMQP server", "url", redact(url))
	conn, ch, err := Dial(url)
	if err != nil {
		return nil, err
	}

	manager := &channelManager{
		log:      log,
		url:      url,
		conn:     conn,
		channel:  ch,
		shutdown: make(chan struct{}),
	}
	go manager.handleNotifications(conn, ch)

	return manager, nil
}

// Channel returns the live channel, waiting while a reconnect is in progress.
func (m *channelManager) Channel(ctx context.Context) (*amqp.Channel, error) {
	for {
		m.mu.Lock()
		ch := m.channel
		m.mu.Unlock()

		if !ch.IsClosed() {
			return ch, nil
		}

		select {
		case <-m.shutdown:
			return nil, ErrManagerClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(closedChannelLoopDelay):
		}
	}
}

func (m *channelManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.shutdown)

		m.mu.Lock()
		defer m.mu.Unlock()

		if !m.channel.IsClosed() {
			err = m.channel.Close()
		}
		if !m.conn.IsClosed() {
			if cerr := m.conn.Close(); err == nil {
				err = cerr
			}
		}
	})

	return err
}

func (m *channelManager) handleNotifications(conn *amqp.Connection, ch *amqp.Channel) {
	connCloses := conn.NotifyClose(make(chan *amqp.Error, 1))
	chanCloses := ch.NotifyClose(make(chan *amqp.Error, 1))
	chanCancels := ch.NotifyCancel(make(chan string, 1))

	// passive declarations that fail close the channel and, with it, frequently the
	// connection, so a closed channel is treated like a closed connection
	select {
	case err := <-connCloses:
		m.log.Error(err, "Connection closed, attempting full reconnect")
		m.reconnectWithRetry(true)
	case err := <-chanCloses:
		m.log.Error(err, "Channel closed, attempting to reconnect")
		m.reconnectWithRetry(true)
	case msg := <-chanCancels:
		m.log.Error(errors.New(msg), "Channel canceled, attempting to reconnect")
		m.reconnectWithRetry(false)
	case <-m.shutdown:
		m.log.Info("Shutting down")
		return
	}
}

func (m *channelManager) reconnectWithRetry(full bool) {
	err := retry.Do(
		func() error {
			return m.reconnect(full)
		},
		retry.OnRetry(func(n uint, err error) {
			m.log.Error(err, "Reconnect failed", "attempt", n)
		}),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, ErrManagerClosed)
		}),
		retry.Attempts(0),
		retry.Delay(reconnectDelay),
		retry.MaxDelay(reconnectMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		m.log.Info("Abandoned reconnect", "reason", err.Error())
		return
	}

	m.log.Info("Successfully reconnected after close")
}

func (m *channelManager) reconnect(full bool) error {
	select {
	case <-m.shutdown:
		return ErrManagerClosed
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if full || m.conn.IsClosed() {
		conn, ch, err := Dial(m.url)
		if err != nil {
			return err
		}

		_ = m.channel.Close()
		_ = m.conn.Close()

		m.conn = conn
		m.channel = ch
	} else {
		ch, err := m.conn.Channel()
		if err != nil {
			return err
		}

		_ = m.channel.Close()
		m.channel = ch
	}
	go m.handleNotifications(m.conn, m.channel)

	return nil
}

func Dial(url string) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(connectionTimeout)})
	if err != nil {
		return nil, nil, fmt.Errorf("dialing amqp url %q failed: %w", redact(url), err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("opening channel failed: %w", err)
	}

	return conn, ch, nil
}
