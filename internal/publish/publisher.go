// Package publish pushes track and placed-object snapshots to an MQTT
// broker as JSON.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/groundtrack/internal/monitoring"
	"github.com/banshee-data/groundtrack/internal/objects"
	"github.com/banshee-data/groundtrack/internal/perception"
	"github.com/banshee-data/groundtrack/internal/tracks"
)

// ErrNotConnected is returned when publishing without a live connection.
var ErrNotConnected = errors.New("MQTT client not connected")

// DefaultPrefix is the topic prefix when none is configured.
const DefaultPrefix = "groundtrack"

// Client is the part of mqtt.Client the publisher uses.
type Client interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

var _ Client = mqtt.Client(nil)

var logf = monitoring.Prefixed("[publish] ")

// Publisher publishes pipeline output under one topic prefix.
type Publisher struct {
	client  Client
	prefix  string
	qos     byte
	retain  bool
	timeout time.Duration
}

// NewPublisher creates a publisher. A nil client disables publishing and
// every call returns ErrNotConnected.
func NewPublisher(client Client, prefix string) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Publisher{
		client:  client,
		prefix:  prefix,
		qos:     0,    // fire and forget; the next tick supersedes
		retain:  true, // late subscribers get the latest state
		timeout: 2 * time.Second,
	}
}

// SetQoS changes the QoS used for later publishes.
func (p *Publisher) SetQoS(qos byte) { p.qos = qos }

// SetRetain changes the retain flag used for later publishes.
func (p *Publisher) SetRetain(retain bool) { p.retain = retain }

// TracksTopic is the topic carrying track snapshots.
func (p *Publisher) TracksTopic() string { return p.prefix + "/tracks" }

// ObjectsTopic is the topic carrying placed objects of label.
func (p *Publisher) ObjectsTopic(label perception.Label) string {
	return fmt.Sprintf("%s/objects/%d", p.prefix, label)
}

type tracksMessage struct {
	Tick      int64             `json:"tick"`
	Timestamp int64             `json:"timestamp"`
	Tracks    []tracks.Snapshot `json:"tracks"`
}

type objectsMessage struct {
	Tick      int64              `json:"tick"`
	Timestamp int64              `json:"timestamp"`
	Label     int                `json:"label"`
	Objects   []objects.Snapshot `json:"objects"`
}

// PublishTracks publishes every track snapshot of a tick as one message.
func (p *Publisher) PublishTracks(tick int64, now time.Time, snaps []tracks.Snapshot) error {
	if snaps == nil {
		snaps = []tracks.Snapshot{}
	}
	return p.publish(p.TracksTopic(), tracksMessage{Tick: tick, Timestamp: now.UnixMilli(), Tracks: snaps})
}

// PublishObjects publishes the placed objects of label for a tick.
func (p *Publisher) PublishObjects(label perception.Label, tick int64, now time.Time, snaps []objects.Snapshot) error {
	if snaps == nil {
		snaps = []objects.Snapshot{}
	}
	return p.publish(p.ObjectsTopic(label), objectsMessage{
		Tick:      tick,
		Timestamp: now.UnixMilli(),
		Label:     int(label),
		Objects:   snaps,
	})
}

func (p *Publisher) publish(topic string, msg any) error {
	if p.client == nil || !p.client.IsConnected() {
		return ErrNotConnected
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling %s payload: %w", topic, err)
	}
	token := p.client.Publish(topic, p.qos, p.retain, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publishing to %s: timed out after %v", topic, p.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Connect dials broker and blocks until connected or timeout. The client
// reconnects on its own after later drops.
func Connect(broker, clientID string, timeout time.Duration) (mqtt.Client, error) {
	if clientID == "" {
		clientID = DefaultPrefix
	}
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(60 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetOrderMatters(false)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logf("connected to MQTT broker %s", broker)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connecting to %s: timed out after %v", broker, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", broker, err)
	}
	return client, nil
}
