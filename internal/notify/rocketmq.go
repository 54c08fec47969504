package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	rocketmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
)

// RocketMQConfig holds connection settings for the RocketMQ publisher.
type RocketMQConfig struct {
	NameServers []string `yaml:"name_servers"`
	AccessKey   string   `yaml:"access_key"`
	SecretKey   string   `yaml:"secret_key"`
	Namespace   string   `yaml:"namespace"`
	TopicPrefix string   `yaml:"topic_prefix"`
}

// RocketMQ publishes lifecycle changes to a RocketMQ topic so external
// dashboard processes can consume them without a direct connection to
// this process.
type RocketMQ struct {
	cfg     RocketMQConfig
	mu      sync.Mutex
	prod    rocketmq.Producer
	started bool
}

var _ Publisher = (*RocketMQ)(nil)

// NewRocketMQ creates an unstarted RocketMQ publisher.
func NewRocketMQ(cfg RocketMQConfig) *RocketMQ {
	return &RocketMQ{cfg: cfg}
}

// Start creates and starts the underlying producer. Idempotent.
func (r *RocketMQ) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}
	if len(r.cfg.NameServers) == 0 {
		return fmt.Errorf("no rocketmq name servers configured")
	}

	prod, err := rocketmq.NewProducer(
		producer.WithNameServer(r.cfg.NameServers),
		producer.WithCredentials(primitive.Credentials{
			AccessKey: r.cfg.AccessKey,
			SecretKey: r.cfg.SecretKey,
		}),
		producer.WithNamespace(strings.TrimSpace(r.cfg.Namespace)),
		producer.WithRetry(2),
	)
	if err != nil {
		return fmt.Errorf("create rocketmq producer: %w", err)
	}
	if err := prod.Start(); err != nil {
		return fmt.Errorf("start rocketmq producer: %w", err)
	}
	r.prod = prod
	r.started = true
	return nil
}

// Stop shuts the producer down. Idempotent.
func (r *RocketMQ) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prod != nil {
		_ = r.prod.Shutdown()
		r.prod = nil
	}
	r.started = false
	return nil
}

// PublishLifecycle implements Publisher.
func (r *RocketMQ) PublishLifecycle(ctx context.Context, change LifecycleChange) error {
	if change.OccurredAt.IsZero() {
		change.OccurredAt = time.Now().UTC()
	}

	body, err := json.Marshal(map[string]any{
		"event":   "lifecycle.changed",
		"payload": change,
		"sent_at": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	r.mu.Lock()
	prod := r.prod
	r.mu.Unlock()
	if prod == nil {
		return fmt.Errorf("rocketmq producer not ready")
	}

	msg := &primitive.Message{
		Topic: r.topic(),
		Body:  body,
	}
	msg.WithProperty("event", "lifecycle.changed")
	msg.WithProperty("instance_id", change.InstanceID)
	msg.WithProperty("project_id", change.ProjectID)

	if _, err := prod.SendSync(ctx, msg); err != nil {
		return fmt.Errorf("rocketmq send: %w", err)
	}
	return nil
}

func (r *RocketMQ) topic() string {
	prefix := strings.TrimSpace(r.cfg.TopicPrefix)
	if prefix == "" {
		prefix = "rollup"
	}
	return prefix + ".lifecycle"
}
