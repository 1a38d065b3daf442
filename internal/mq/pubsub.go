package mq

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/usersvc/apiserver/config"
)

var errEmptyTopic = errors.New("pubsub topic is required")

// PubSubClient maps channels onto Pub/Sub topics, creating topics and
// subscriptions on first use. Topic handles are cached for the life of the client.
type PubSubClient struct {
	client             *pubsub.Client
	subscriptionSuffix string

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

func NewPubSubClient(ctx context.Context, cfg config.PubSubConfig, opts ...option.ClientOption) (*PubSubClient, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("pubsub project id is required")
	}
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, err
	}
	return &PubSubClient{
		client:             client,
		subscriptionSuffix: cfg.SubscriptionSuffix,
		topics:             make(map[string]*pubsub.Topic),
	}, nil
}

// Publish blocks until the server acknowledges the message and returns its id.
func (p *PubSubClient) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	if strings.TrimSpace(channel) == "" {
		return "", errEmptyTopic
	}
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return "", err
	}
	id, err := topic.Publish(ctx, &pubsub.Message{Data: data, Attributes: attrs}).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("pubsub publish: %w", err)
	}
	return id, nil
}

// Subscribe receives from the channel's subscription until ctx is done.
// With eventTypes set, a separate filtered subscription only receives
// messages whose AttrEventType matches one of them.
func (p *PubSubClient) Subscribe(ctx context.Context, channel string, handler Handler, eventTypes ...string) error {
	sub, err := p.subscription(ctx, channel, eventTypes)
	if err != nil {
		return err
	}

	return sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		if err := handler(ctx, Message{ID: m.ID, Data: m.Data, Attributes: m.Attributes}); err != nil {
			m.Nack()
			return
		}
		m.Ack()
	})
}

func (p *PubSubClient) Close() error {
	p.mu.Lock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
	p.mu.Unlock()
	return p.client.Close()
}

func (p *PubSubClient) topic(ctx context.Context, name string) (*pubsub.Topic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.topics[name]; ok {
		return t, nil
	}

	t := p.client.Topic(name)
	ok, err := t.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Another process may create the topic between Exists and CreateTopic.
		if _, err := p.client.CreateTopic(ctx, name); err != nil && status.Code(err) != codes.AlreadyExists {
			return nil, fmt.Errorf("create topic %s: %w", name, err)
		}
	}
	p.topics[name] = t
	return t, nil
}

// subscription ensures the topic and the subscription for the channel exist.
func (p *PubSubClient) subscription(ctx context.Context, channel string, eventTypes []string) (*pubsub.Subscription, error) {
	if strings.TrimSpace(channel) == "" {
		return nil, errEmptyTopic
	}
	topic, err := p.topic(ctx, channel)
	if err != nil {
		return nil, err
	}

	name := subscriptionName(channel, p.subscriptionSuffix, eventTypes)
	s := p.client.Subscription(name)
	ok, err := s.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if ok {
		return s, nil
	}

	_, err = p.client.CreateSubscription(ctx, name, pubsub.SubscriptionConfig{
		Topic:  topic,
		Filter: attributeFilter(eventTypes),
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return nil, fmt.Errorf("create subscription %s: %w", name, err)
	}
	return s, nil
}

// subscriptionName is "<channel><suffix>", followed by the sorted event types
// when the subscription is filtered.
func subscriptionName(channel, suffix string, eventTypes []string) string {
	name := channel + suffix
	if len(eventTypes) == 0 {
		return name
	}
	return name + "-" + strings.Join(sortedTypes(eventTypes), "-")
}

func attributeFilter(eventTypes []string) string {
	if len(eventTypes) == 0 {
		return ""
	}
	clauses := make([]string, 0, len(eventTypes))
	for _, t := range sortedTypes(eventTypes) {
		clauses = append(clauses, fmt.Sprintf("attributes.%s = %q", AttrEventType, t))
	}
	return strings.Join(clauses, " OR ")
}

func sortedTypes(eventTypes []string) []string {
	out := append([]string(nil), eventTypes...)
	sort.Strings(out)
	return out
}
