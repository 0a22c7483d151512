// Package mqtt mirrors inverter samples and upload status to an MQTT broker.
// Messages published while the broker is unreachable are buffered and sent
// after reconnection.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/06benste/FoxEss-PVOutput/internal/domain"
	"github.com/06benste/FoxEss-PVOutput/internal/metrics"
	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// Availability payloads.
const (
	PayloadOnline  = "online"
	PayloadOffline = "offline"
)

// Publisher publishes samples to the MQTT broker.
type Publisher struct {
	config        Config
	client        pahomqtt.Client
	logger        zerolog.Logger
	metrics       *metrics.Registry
	mu            sync.RWMutex
	connected     atomic.Bool
	messageBuffer chan *BufferedMessage
	done          chan struct{}
	wg            sync.WaitGroup
	stats         *PublisherStats
}

// Config holds MQTT publisher configuration.
type Config struct {
	BrokerURL      string
	ClientID       string
	Username       string
	Password       string
	TopicPrefix    string
	QoS            byte
	Retain         bool
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	ReconnectDelay time.Duration
	BufferSize     int
	PublishTimeout time.Duration
}

// BufferedMessage is a message waiting for the broker.
type BufferedMessage struct {
	Topic     string
	Payload   []byte
	QoS       byte
	Retained  bool
	Timestamp time.Time
}

// PublisherStats tracks publisher counters.
type PublisherStats struct {
	MessagesPublished atomic.Uint64
	MessagesFailed    atomic.Uint64
	MessagesBuffered  atomic.Uint64
	BytesSent         atomic.Uint64
	ReconnectCount    atomic.Uint64
}

// DefaultConfig returns a Config with the gateway defaults.
func DefaultConfig() Config {
	return Config{
		BrokerURL:      "tcp://localhost:1883",
		ClientID:       "pvoutput-gateway",
		TopicPrefix:    "foxess",
		QoS:            1,
		Retain:         true,
		KeepAlive:      30 * time.Second,
		ConnectTimeout: 10 * time.Second,
		ReconnectDelay: 5 * time.Second,
		BufferSize:     1000,
		PublishTimeout: 5 * time.Second,
	}
}

// NewPublisher creates a disconnected publisher.
func NewPublisher(config Config, logger zerolog.Logger, metricsReg *metrics.Registry) *Publisher {
	defaults := DefaultConfig()
	if config.TopicPrefix == "" {
		config.TopicPrefix = defaults.TopicPrefix
	}
	config.TopicPrefix = strings.Trim(config.TopicPrefix, "/")
	if config.BufferSize <= 0 {
		config.BufferSize = defaults.BufferSize
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = defaults.PublishTimeout
	}
	if config.KeepAlive <= 0 {
		config.KeepAlive = defaults.KeepAlive
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = defaults.ConnectTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}

	return &Publisher{
		config:        config,
		logger:        logger.With().Str("component", "mqtt-publisher").Logger(),
		metrics:       metricsReg,
		messageBuffer: make(chan *BufferedMessage, config.BufferSize),
		done:          make(chan struct{}),
		stats:         &PublisherStats{},
	}
}

// Topic joins parts under the configured prefix.
func (p *Publisher) Topic(parts ...string) string {
	return strings.Join(append([]string{p.config.TopicPrefix}, parts...), "/")
}

// AvailabilityTopic carries online/offline, with offline as the will.
func (p *Publisher) AvailabilityTopic() string {
	return p.Topic("availability")
}

// Connect establishes the connection to the MQTT broker. It is called once.
func (p *Publisher) Connect(ctx context.Context) error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.BrokerURL)
	opts.SetClientID(p.config.ClientID)
	opts.SetCleanSession(true)
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(p.config.ReconnectDelay)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(p.config.ReconnectDelay)
	opts.SetWill(p.AvailabilityTopic(), PayloadOffline, p.config.QoS, true)

	if p.config.Username != "" {
		opts.SetUsername(p.config.Username)
		opts.SetPassword(p.config.Password)
	}

	opts.SetOnConnectHandler(p.onConnect)
	opts.SetConnectionLostHandler(p.onConnectionLost)
	opts.SetReconnectingHandler(p.onReconnecting)

	client := pahomqtt.NewClient(opts)
	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	p.wg.Add(1)
	go p.processBuffer()

	p.logger.Info().Str("broker", p.config.BrokerURL).Msg("Connecting to MQTT broker")

	// With connect retry enabled the client keeps trying in the background
	// after a timeout here; buffered messages flush once it succeeds.
	token := client.Connect()

	connectDone := make(chan bool, 1)
	go func() {
		connectDone <- token.WaitTimeout(p.config.ConnectTimeout)
	}()

	select {
	case success := <-connectDone:
		if !success {
			return fmt.Errorf("%w: connection timeout", domain.ErrMQTTConnectionFailed)
		}
		if token.Error() != nil {
			return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, token.Error())
		}
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrMQTTConnectionFailed, ctx.Err())
	}

	p.connected.Store(true)
	p.logger.Info().Msg("Connected to MQTT broker")
	return nil
}

// Disconnect marks the gateway offline and disconnects.
func (p *Publisher) Disconnect() {
	p.logger.Info().Msg("Disconnecting from MQTT broker")

	select {
	case <-p.done:
	default:
		close(p.done)
	}
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		if p.client.IsConnected() {
			token := p.client.Publish(p.AvailabilityTopic(), p.config.QoS, true, PayloadOffline)
			token.WaitTimeout(p.config.PublishTimeout)
		}
		// Cancels a pending ConnectRetry as well.
		p.client.Disconnect(1000)
	}

	p.connected.Store(false)
	p.logger.Info().Msg("Disconnected from MQTT broker")
}

// ValueMessage is the payload published per sample key.
type ValueMessage struct {
	Value     float64   `json:"value"`
	Unit      string    `json:"unit,omitempty"`
	Timestamp time.Time `json:"ts"`
}

// UploadMessage is the payload published after each upload attempt.
type UploadMessage struct {
	Outcome     string     `json:"outcome"`
	LastStatus  string     `json:"last_status"`
	LastUpload  *time.Time `json:"last_upload,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// PublishSample publishes every value in sample to <prefix>/sample/<key>.
func (p *Publisher) PublishSample(ctx context.Context, sample *domain.Sample) error {
	var firstErr error
	for _, key := range sample.Keys() {
		value, _ := sample.Get(key)
		payload, err := json.Marshal(ValueMessage{
			Value:     domain.DisplayValue(key, value),
			Unit:      string(domain.InferUnit(key)),
			Timestamp: sample.Timestamp,
		})
		if err != nil {
			return fmt.Errorf("failed to serialize %s: %w", key, err)
		}
		if err := p.publish(ctx, p.Topic("sample", key), payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// OnUpload mirrors an upload result to <prefix>/pvoutput/status. Its
// signature matches the uploader's listener.
func (p *Publisher) OnUpload(result domain.UploadResult, record domain.UploadRecord) {
	payload, err := json.Marshal(UploadMessage{
		Outcome:     string(result.Outcome),
		LastStatus:  record.LastStatus,
		LastUpload:  record.LastSuccess,
		LastAttempt: record.LastAttempt,
		Message:     result.Message,
	})
	if err != nil {
		p.logger.Warn().Err(err).Msg("Failed to serialize upload status")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if err := p.publish(ctx, p.Topic("pvoutput", "status"), payload); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to publish upload status")
	}
}

func (p *Publisher) publish(ctx context.Context, topic string, payload []byte) error {
	if !p.connected.Load() {
		return p.bufferMessage(topic, payload)
	}
	return p.publishRaw(ctx, topic, payload, p.config.QoS, p.config.Retain)
}

func (p *Publisher) publishRaw(ctx context.Context, topic string, payload []byte, qos byte, retained bool) error {
	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	if client == nil {
		return domain.ErrMQTTNotConnected
	}

	startTime := time.Now()
	token := client.Publish(topic, qos, retained, payload)

	publishDone := make(chan bool, 1)
	go func() {
		publishDone <- token.WaitTimeout(p.config.PublishTimeout)
	}()

	select {
	case success := <-publishDone:
		if !success {
			p.recordFailure()
			return fmt.Errorf("%w: publish timeout", domain.ErrMQTTPublishFailed)
		}
		if token.Error() != nil {
			p.recordFailure()
			return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, token.Error())
		}
	case <-ctx.Done():
		p.recordFailure()
		return fmt.Errorf("%w: %v", domain.ErrMQTTPublishFailed, ctx.Err())
	}

	p.stats.MessagesPublished.Add(1)
	p.stats.BytesSent.Add(uint64(len(payload)))
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(true, time.Since(startTime).Seconds())
	}
	return nil
}

func (p *Publisher) recordFailure() {
	p.stats.MessagesFailed.Add(1)
	if p.metrics != nil {
		p.metrics.RecordMQTTPublish(false, 0)
	}
}

// bufferMessage queues a message until the broker is reachable. When the
// buffer is full the oldest message is dropped.
func (p *Publisher) bufferMessage(topic string, payload []byte) error {
	msg := &BufferedMessage{
		Topic:     topic,
		Payload:   payload,
		QoS:       p.config.QoS,
		Retained:  p.config.Retain,
		Timestamp: time.Now(),
	}

	select {
	case p.messageBuffer <- msg:
		p.stats.MessagesBuffered.Add(1)
		return nil
	default:
		select {
		case <-p.messageBuffer:
			p.messageBuffer <- msg
			p.logger.Warn().Msg("Buffer full, dropped oldest message")
			return nil
		default:
			return fmt.Errorf("%w: message buffer full", domain.ErrMQTTPublishFailed)
		}
	}
}

func (p *Publisher) processBuffer() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			p.drainBuffer()
			return

		case msg := <-p.messageBuffer:
			if !p.connected.Load() {
				select {
				case p.messageBuffer <- msg:
				default:
				}
				select {
				case <-p.done:
				case <-time.After(100 * time.Millisecond):
				}
				continue
			}
			p.sendBuffered(msg)
		}
	}
}

func (p *Publisher) drainBuffer() {
	for {
		select {
		case msg := <-p.messageBuffer:
			if p.connected.Load() {
				p.sendBuffered(msg)
			}
		default:
			return
		}
	}
}

func (p *Publisher) sendBuffered(msg *BufferedMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), p.config.PublishTimeout)
	defer cancel()
	if err := p.publishRaw(ctx, msg.Topic, msg.Payload, msg.QoS, msg.Retained); err != nil {
		p.logger.Warn().Err(err).Str("topic", msg.Topic).Msg("Failed to publish buffered message")
	}
}

func (p *Publisher) onConnect(client pahomqtt.Client) {
	p.connected.Store(true)
	p.logger.Info().Msg("MQTT connection established")

	token := client.Publish(p.AvailabilityTopic(), p.config.QoS, true, PayloadOnline)
	go func() {
		if token.WaitTimeout(p.config.PublishTimeout) && token.Error() != nil {
			p.logger.Warn().Err(token.Error()).Msg("Failed to publish availability")
		}
	}()
}

func (p *Publisher) onConnectionLost(client pahomqtt.Client, err error) {
	p.connected.Store(false)
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

func (p *Publisher) onReconnecting(client pahomqtt.Client, opts *pahomqtt.ClientOptions) {
	p.stats.ReconnectCount.Add(1)
	p.logger.Info().Msg("Attempting to reconnect to MQTT broker")
}

// IsConnected returns true if the publisher is connected to the broker.
func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Stats returns publisher statistics.
func (p *Publisher) Stats() *PublisherStats {
	return p.stats
}

// BufferSize returns the current number of buffered messages.
func (p *Publisher) BufferSize() int {
	return len(p.messageBuffer)
}

// HealthCheck implements health.Checker.
func (p *Publisher) HealthCheck(ctx context.Context) error {
	if !p.connected.Load() {
		return domain.ErrMQTTNotConnected
	}
	return nil
}
