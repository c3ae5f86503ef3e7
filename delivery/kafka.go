package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
	"github.com/warp/market-engine/ledger"
)

// Publisher writes JSON events to a topic.
type Publisher interface {
	PublishEvent(ctx context.Context, topic string, key string, event any) error
}

// KafkaPublisher keeps one writer per topic.
type KafkaPublisher struct {
	brokers []string

	mu      sync.Mutex
	writers map[string]*kafkaGo.Writer
}

func NewKafkaPublisher(brokers []string) *KafkaPublisher {
	return &KafkaPublisher{brokers: brokers, writers: make(map[string]*kafkaGo.Writer)}
}

func (k *KafkaPublisher) PublishEvent(ctx context.Context, topic string, key string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return k.writer(topic).WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(key),
		Value: payload,
	})
}

func (k *KafkaPublisher) writer(topic string) *kafkaGo.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()

	w, ok := k.writers[topic]
	if !ok {
		w = &kafkaGo.Writer{
			Addr:     kafkaGo.TCP(k.brokers...),
			Topic:    topic,
			Balancer: &kafkaGo.LeastBytes{},
		}
		k.writers[topic] = w
	}
	return w
}

// Close flushes and closes every writer.
func (k *KafkaPublisher) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var firstErr error
	for topic, w := range k.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
		delete(k.writers, topic)
	}
	return firstErr
}

// =============================================================================
// EVENTS
// =============================================================================

type NotificationEvent struct {
	Account ledger.AccountID `json:"account"`
	Message string           `json:"message"`
	At      time.Time        `json:"at"`
}

type AffiliateSaleEvent struct {
	Referrer    ledger.AccountID `json:"referrer"`
	ProductName string           `json:"product_name"`
	Price       ledger.Amount    `json:"price"`
	At          time.Time        `json:"at"`
}

// EventNotifier implements market.Notifier by publishing to a topic keyed
// by account, so one account's messages stay ordered.
type EventNotifier struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

func NewEventNotifier(p Publisher, topic string) *EventNotifier {
	return &EventNotifier{publisher: p, topic: topic, now: time.Now}
}

func (n *EventNotifier) Notify(ctx context.Context, account ledger.AccountID, message string) error {
	return n.publisher.PublishEvent(ctx, n.topic, string(account), NotificationEvent{
		Account: account,
		Message: message,
		At:      n.now().UTC(),
	})
}

// AffiliateEvents implements market.AffiliateLog.
type AffiliateEvents struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

func NewAffiliateEvents(p Publisher, topic string) *AffiliateEvents {
	return &AffiliateEvents{publisher: p, topic: topic, now: time.Now}
}

func (a *AffiliateEvents) LogSale(ctx context.Context, referrer ledger.AccountID, productName string, price ledger.Amount) error {
	return a.publisher.PublishEvent(ctx, a.topic, string(referrer), AffiliateSaleEvent{
		Referrer:    referrer,
		ProductName: productName,
		Price:       price,
		At:          a.now().UTC(),
	})
}
