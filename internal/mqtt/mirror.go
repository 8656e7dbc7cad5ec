package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/oaproject/oa-agent/internal/buildinfo"
	"github.com/oaproject/oa-agent/internal/config"
)

// ErrNotConnected is returned by the mirror methods while Run is not
// managing a broker connection.
var ErrNotConnected = errors.New("mqtt: not connected")

// publishTimeout bounds a single mirrored publish so a slow broker
// cannot stall the relay loop.
const publishTimeout = 5 * time.Second

// CommandRouter handles a command document received on the command
// topic. *command.Router implements it.
type CommandRouter interface {
	Route(ctx context.Context, raw []byte) error
}

// Mirror publishes relay payloads to an MQTT broker and accepts
// commands from it. It implements relay.Mirror and relay.Collaborator.
type Mirror struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	router     CommandRouter
	limiter    *messageRateLimiter
	logger     *slog.Logger
	started    time.Time

	mu sync.Mutex
	cm *autopaho.ConnectionManager

	quitOnce sync.Once
	quit     chan struct{}
}

// New creates a Mirror but does not connect. router may be nil, in
// which case inbound commands are logged and dropped.
func New(cfg config.MQTTConfig, instanceID string, router CommandRouter, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("collaborator", "mqtt")
	return &Mirror{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		router:     router,
		limiter:    newMessageRateLimiter(20, time.Minute, logger),
		logger:     logger,
		started:    time.Now(),
		quit:       make(chan struct{}),
	}
}

// Name implements relay.Collaborator.
func (m *Mirror) Name() string { return "mqtt" }

// Quit stops Run. It is idempotent.
func (m *Mirror) Quit() {
	m.quitOnce.Do(func() { close(m.quit) })
}

// Run connects to the broker and keeps the connection alive until Quit
// is called or ctx is cancelled, then publishes "offline" and
// disconnects.
func (m *Mirror) Run(ctx context.Context) error {
	select {
	case <-m.quit:
		return nil
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-m.quit:
			cancel()
		case <-ctx.Done():
		}
	}()

	brokerURL, err := url.Parse(m.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	// The connection outlives ctx so "offline" can still be published
	// during shutdown.
	connCtx, connStop := context.WithCancel(context.WithoutCancel(ctx))
	defer connStop()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: m.cfg.Username,
		ConnectPassword: []byte(m.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   m.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			m.logger.Info("mqtt connected to broker", "broker", m.cfg.Broker)
			m.publishDiscovery(connCtx, cm)
			m.publishAvailability(connCtx, cm, "online")
			m.subscribe(connCtx, cm)
		},
		OnConnectError: func(err error) {
			m.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "oa-agent-" + m.instanceID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					return m.onPublish(ctx, pr.Packet.Topic, pr.Packet.Payload), nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(connCtx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	m.mu.Lock()
	m.cm = cm
	m.mu.Unlock()

	awaitCtx, awaitCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := cm.AwaitConnection(awaitCtx); err != nil && ctx.Err() == nil {
		m.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	awaitCancel()

	go m.limiter.start(ctx)
	m.runLoop(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), publishTimeout)
	defer stopCancel()
	m.publishAvailability(stopCtx, cm, "offline")
	if err := cm.Disconnect(stopCtx); err != nil {
		m.logger.Debug("mqtt disconnect", "error", err)
	}
	m.mu.Lock()
	m.cm = nil
	m.mu.Unlock()
	return nil
}

// MirrorHeartbeat publishes a heartbeat payload (not retained).
func (m *Mirror) MirrorHeartbeat(ctx context.Context, payload []byte) error {
	return m.publish(ctx, m.heartbeatTopic(), payload, 0, false)
}

// MirrorStatus publishes a status payload (retained).
func (m *Mirror) MirrorStatus(ctx context.Context, payload []byte) error {
	return m.publish(ctx, m.statusTopic(), payload, 1, true)
}

func (m *Mirror) publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error {
	m.mu.Lock()
	cm := m.cm
	m.mu.Unlock()
	if cm == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     qos,
		Retain:  retain,
	}); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// onPublish handles an inbound message. It reports whether the message
// was consumed.
func (m *Mirror) onPublish(ctx context.Context, topic string, payload []byte) bool {
	if topic != m.commandTopic() {
		return false
	}
	if err := m.handleCommand(ctx, payload); err != nil {
		m.logger.Warn("mqtt command failed", "topic", topic, "error", err)
	}
	return true
}

// --- Topic helpers ---

func (m *Mirror) availabilityTopic() string {
	return m.cfg.TopicPrefix + "/availability"
}

func (m *Mirror) heartbeatTopic() string {
	return m.cfg.TopicPrefix + "/heartbeat"
}

func (m *Mirror) statusTopic() string {
	return m.cfg.TopicPrefix + "/status"
}

func (m *Mirror) commandTopic() string {
	return m.cfg.TopicPrefix + "/cmd"
}

func (m *Mirror) stateTopic(entity string) string {
	return m.cfg.TopicPrefix + "/" + entity + "/state"
}

func (m *Mirror) discoveryTopic(component, entity string) string {
	return m.cfg.DiscoveryPrefix + "/" + component + "/" + m.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (m *Mirror) sensor(entity, name, stateTopic string) SensorConfig {
	return SensorConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          m.instanceID + "_" + entity,
		StateTopic:        stateTopic,
		AvailabilityTopic: m.availabilityTopic(),
		Device:            m.device,
	}
}

func (m *Mirror) sensorDefinitions() []sensorDef {
	state := m.sensor("printer_state", "Printer State", m.statusTopic())
	state.ValueTemplate = "{{ value_json.state }}"
	state.Icon = "mdi:printer-3d"

	completion := m.sensor("completion", "Completion", m.statusTopic())
	completion.ValueTemplate = "{{ (value_json.progress.completion | float(0)) | round(1) }}"
	completion.UnitOfMeasurement = "%"
	completion.StateClass = "measurement"
	completion.Icon = "mdi:progress-clock"

	uptime := m.sensor("uptime", "Uptime", m.stateTopic("uptime"))
	uptime.Icon = "mdi:clock-outline"
	uptime.EntityCategory = "diagnostic"

	version := m.sensor("version", "Version", m.stateTopic("version"))
	version.Icon = "mdi:tag"
	version.EntityCategory = "diagnostic"

	return []sensorDef{
		{entitySuffix: "printer_state", config: state},
		{entitySuffix: "completion", config: completion},
		{entitySuffix: "uptime", config: uptime},
		{entitySuffix: "version", config: version},
	}
}

func (m *Mirror) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range m.sensorDefinitions() {
		topic := m.discoveryTopic("sensor", s.entitySuffix)
		payload, err := json.Marshal(s.config)
		if err != nil {
			m.logger.Error("mqtt marshal discovery payload",
				"entity", s.entitySuffix, "error", err)
			continue
		}

		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   topic,
			Payload: payload,
			QoS:     1,
			Retain:  true,
		}); err != nil {
			m.logger.Warn("mqtt discovery publish failed",
				"entity", s.entitySuffix, "topic", topic, "error", err)
		} else {
			m.logger.Debug("mqtt discovery published",
				"entity", s.entitySuffix, "topic", topic)
		}
	}
}

func (m *Mirror) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   m.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		m.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		m.logger.Info("mqtt availability published", "status", status)
	}
}

func (m *Mirror) subscribe(ctx context.Context, cm *autopaho.ConnectionManager) {
	topic := m.commandTopic()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 1}},
	}); err != nil {
		m.logger.Warn("mqtt subscribe failed", "topic", topic, "error", err)
		return
	}
	m.logger.Info("mqtt subscribed", "topic", topic)
}

// --- Periodic diagnostics ---

func (m *Mirror) runLoop(ctx context.Context) {
	interval := m.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.publishStates(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.publishStates(ctx)
		}
	}
}

func (m *Mirror) diagnostics() map[string]string {
	return map[string]string{
		"uptime":  time.Since(m.started).Truncate(time.Second).String(),
		"version": buildinfo.Version,
	}
}

func (m *Mirror) publishStates(ctx context.Context) {
	states := m.diagnostics()
	for entity, value := range states {
		if err := m.publish(ctx, m.stateTopic(entity), []byte(value), 0, true); err != nil {
			m.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}
	m.logger.Debug("mqtt diagnostic states published", "entities", len(states))
}
