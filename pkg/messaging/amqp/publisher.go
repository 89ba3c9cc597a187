package amqp

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/go-logr/logr"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	AppID             = "sweeper"
	MandatoryDelivery = true
	ImmediateDelivery = false

	ExchangeType       = "direct"
	ExchangeDurable    = true
	ExchangeAutoDelete = false
	ExchangeInternal   = false
	ExchangeNoWait     = false

	QueueDurable    = true
	QueueAutoDelete = false
	QueueExclusive  = false
	QueueNoWait     = false

	publishAttempts = 3
	publishDelay    = 500 * time.Millisecond
)

var queueArgs = amqp.Table{
	"x-single-active-consumer": true,
}

type PublishOptions struct {
	ExchangeName string
	QueueName    string
	ContentType  string
	MessageID    string
	Body         []byte
}

type Publisher interface {
	Publish(ctx context.Context, opts PublishOptions) error
	Close() error
}

func IsNotFound(err error) bool {
	var ae *amqp.Error
	return errors.As(err, &ae) && strings.HasPrefix(ae.Reason, "NOT_FOUND")
}

type Client struct {
	log     logr.Logger
	manager ChannelManager
	now     func() time.Time
}

var _ Publisher = (*Client)(nil)

func NewPublisher(log logr.Logger, url string) (*Client, error) {
	manager, err := NewChannelManager(log, url)
	if err != nil {
		return nil, fmt.Errorf("cannot create channel manager: %w", err)
	}

	return &Client{
		log:     log.WithName("amqp.publisher"),
		manager: manager,
		now:     time.Now,
	}, nil
}

// Publish declares the target exchange and queue when missing and sends a persistent message.
// Failures caused by a channel that closed underneath the call are retried.
func (p *Client) Publish(ctx context.Context, opts PublishOptions) error {
	return retry.Do(
		func() error {
			return p.publish(ctx, opts)
		},
		retry.Context(ctx),
		retry.Attempts(publishAttempts),
		retry.Delay(publishDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(func(err error) bool {
			return errors.Is(err, amqp.ErrClosed)
		}),
		retry.OnRetry(func(n uint, err error) {
			p.log.Info("Retrying publish", "attempt", n+1, "error", err.Error())
		}),
		retry.LastErrorOnly(true),
	)
}

func (p *Client) publish(ctx context.Context, opts PublishOptions) error {
	if err := p.ensureExchange(ctx, opts.ExchangeName); err != nil {
		return err
	}
	if err := p.ensureQueue(ctx, opts.ExchangeName, opts.QueueName); err != nil {
		return err
	}
	ch, err := p.manager.Channel(ctx)
	if err != nil {
		return err
	}

	message := amqp.Publishing{
		AppId:        AppID,
		MessageId:    opts.MessageID,
		Timestamp:    p.now(),
		DeliveryMode: amqp.Persistent,
		ContentType:  opts.ContentType,
		Body:         opts.Body,
	}

	p.log.V(1).Info("Sending message to server", "exchange", opts.ExchangeName, "queue", opts.QueueName)
	err = ch.PublishWithContext(
		ctx,
		opts.ExchangeName,
		opts.QueueName,
		MandatoryDelivery,
		ImmediateDelivery,
		message,
	)
	if err != nil {
		return fmt.Errorf("message publishing failed: %w", err)
	}

	return nil
}

func (p *Client) Close() error {
	return p.manager.Close()
}

// ensureExchange declares exchange when it does not exist. A failed passive declaration closes
// the channel, so every step asks the manager for the current one.
func (p *Client) ensureExchange(ctx context.Context, exchange string) error {
	if exchange == "" {
		return nil
	}

	ch, err := p.manager.Channel(ctx)
	if err != nil {
		return err
	}
	err = ch.ExchangeDeclarePassive(exchange, ExchangeType, ExchangeDurable, ExchangeAutoDelete,
		ExchangeInternal, ExchangeNoWait, nil)
	if err == nil {
		return nil
	}
	if !IsNotFound(err) {
		return err
	}

	if ch, err = p.manager.Channel(ctx); err != nil {
		return err
	}
	err = ch.ExchangeDeclare(exchange, ExchangeType, ExchangeDurable, ExchangeAutoDelete,
		ExchangeInternal, ExchangeNoWait, nil)
	if err != nil {
		return fmt.Errorf("cannot declare exchange %q: %w", exchange, err)
	}

	return nil
}

func (p *Client) ensureQueue(ctx context.Context, exchange, queue string) error {
	if queue == "" {
		return nil
	}

	ch, err := p.manager.Channel(ctx)
	if err != nil {
		return err
	}
	if _, err = ch.QueueDeclarePassive(queue, QueueDurable, QueueAutoDelete, QueueExclusive, QueueNoWait, queueArgs); err != nil {
		if !IsNotFound(err) {
			return err
		}

		if ch, err = p.manager.Channel(ctx); err != nil {
			return err
		}
		_, err = ch.QueueDeclare(queue, QueueDurable, QueueAutoDelete, QueueExclusive, QueueNoWait, queueArgs)
		if err != nil {
			return fmt.Errorf("cannot declare queue %q: %w", queue, err)
		}
	}

	if exchange != "" {
		if err = ch.QueueBind(queue, queue, exchange, QueueNoWait, nil); err != nil {
			return fmt.Errorf("cannot bind queue %q: %w", queue, err)
		}
	}

	return nil
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
