package blockingio

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// MailJob is the outbox record for one e-mail.
type MailJob struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TweetJob is the outbox record for one tweet.
type TweetJob struct {
	Token  string `json:"token"`
	Secret string `json:"secret"`
	Text   string `json:"text"`
}

// Outbox hands mail and tweets to durable RabbitMQ queues; separate
// workers own the actual SMTP and Twitter delivery.
type Outbox struct {
	log        zerolog.Logger
	mailQueue  string
	tweetQueue string

	mu   sync.Mutex // amqp channels are not safe for concurrent publishing
	conn *amqp.Connection
	ch   *amqp.Channel
}

// DialOutbox connects to url and declares both queues.
func DialOutbox(log zerolog.Logger, url, mailQueue, tweetQueue string) (*Outbox, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	for _, q := range []string{mailQueue, tweetQueue} {
		if _, err := ch.QueueDeclare(
			q,     // name
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,   // args
		); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("amqp declare %s: %w", q, err)
		}
	}

	o := &Outbox{
		log:        log.With().Str("component", "outbox").Logger(),
		mailQueue:  mailQueue,
		tweetQueue: tweetQueue,
		conn:       conn,
		ch:         ch,
	}
	o.log.Info().Str("mail_queue", mailQueue).Str("tweet_queue", tweetQueue).Msg("outbox connected")
	return o, nil
}

// Mail enqueues an e-mail.
func (o *Outbox) Mail(ctx context.Context, to, subject, body string) error {
	return o.publish(ctx, o.mailQueue, MailJob{To: to, Subject: subject, Body: body})
}

// Tweet enqueues a tweet.
func (o *Outbox) Tweet(ctx context.Context, token, secret, text string) error {
	return o.publish(ctx, o.tweetQueue, TweetJob{Token: token, Secret: secret, Text: text})
}

func (o *Outbox) publish(ctx context.Context, queue string, job any) error {
	pub, err := persistentJSON(job)
	if err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.ch.PublishWithContext(ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		pub,
	); err != nil {
		return fmt.Errorf("amqp publish to %s: %w", queue, err)
	}
	return nil
}

func persistentJSON(job any) (amqp.Publishing, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("encode job: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}, nil
}

// Close closes the channel and the connection.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	chErr := o.ch.Close()
	if err := o.conn.Close(); err != nil {
		return err
	}
	return chErr
}
