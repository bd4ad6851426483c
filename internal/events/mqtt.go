package events

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	paho "github.com/eclipse/paho.mqtt.golang"
)

const publishTimeout = 5 * time.Second

type MQTTOptions struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// MQTTPublisher publishes each event as JSON to <prefix>/<clientID>/<kind>.
type MQTTPublisher struct {
	client    paho.Client
	prefix    string
	connected atomic.Bool
	stop      chan struct{}
	closeOnce sync.Once
}

// NewMQTTPublisher starts connecting in the background. Events published
// before the broker is reachable are dropped.
func NewMQTTPublisher(opts MQTTOptions) *MQTTPublisher {
	broker := opts.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}
	prefix := strings.Trim(opts.TopicPrefix, "/")
	if prefix == "" {
		prefix = "eva"
	}
	log.Printf("[MQTT] connecting to broker: %s", broker)

	p := &MQTTPublisher{prefix: prefix, stop: make(chan struct{})}
	co := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetMaxReconnectInterval(10 * time.Second)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		if opts.Password != "" {
			co.SetPassword(opts.Password)
		}
	}
	co.SetConnectionLostHandler(func(_ paho.Client, err error) {
		p.connected.Store(false)
		log.Printf("[MQTT] connection lost: %v", err)
	})
	co.SetOnConnectHandler(func(paho.Client) {
		p.connected.Store(true)
		log.Printf("[MQTT] connected to broker")
	})
	p.client = paho.NewClient(co)

	go p.connectLoop()
	return p
}

func (p *MQTTPublisher) connectLoop() {
	for {
		token := p.client.Connect()
		if token.Wait() && token.Error() == nil {
			return
		}
		log.Printf("[MQTT] failed to connect to broker: %v, retrying", token.Error())
		select {
		case <-p.stop:
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Topic returns the topic an event is published on.
func (p *MQTTPublisher) Topic(ev Event) string {
	return Topic(p.prefix, ev)
}

func Topic(prefix string, ev Event) string {
	client := ev.ClientID
	if client == "" {
		client = "_"
	}
	return fmt.Sprintf("%s/%s/%s", prefix, client, ev.Kind)
}

func (p *MQTTPublisher) Publish(ev Event) {
	if !p.connected.Load() {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := sonic.Marshal(ev)
	if err != nil {
		log.Printf("[MQTT] encode %s event: %v", ev.Kind, err)
		return
	}
	topic := p.Topic(ev)
	token := p.client.Publish(topic, 0, false, payload)
	go func() {
		if token.WaitTimeout(publishTimeout) && token.Error() != nil {
			log.Printf("[MQTT] failed to publish to topic %s: %v", topic, token.Error())
		}
	}()
}

func (p *MQTTPublisher) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		if p.client.IsConnected() {
			p.client.Disconnect(250)
			log.Printf("[MQTT] disconnected from broker")
		}
		p.connected.Store(false)
	})
	return nil
}
