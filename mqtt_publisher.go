package main

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher pushes dispatch events and periodic health/metric
// snapshots to an MQTT broker.
type MQTTPublisher struct {
	client     mqtt.Client
	config     *MQTTConfig
	dispatcher *Dispatcher
	stop       chan struct{}
}

// HealthPayload is the periodic health snapshot message.
type HealthPayload struct {
	Timestamp int64        `json:"timestamp"`
	Version   string       `json:"version"`
	Slots     []SlotHealth `json:"slots"`
}

// MetricPayload carries gauge/counter values gathered from the
// Prometheus registry.
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Metrics   map[string]float64 `json:"metrics"`
	Labels    map[string]string  `json:"labels,omitempty"`
}

// generateClientID creates a random client ID for the MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "itachd_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher creates and connects the publisher.
func NewMQTTPublisher(config *MQTTConfig, dispatcher *Dispatcher) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.OnConnect = func(c mqtt.Client) {
		log.Printf("MQTT: connected to %s", config.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		log.Printf("MQTT: connection lost: %v", err)
	}

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.WaitTimeout(10*time.Second) && token.Error() != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", token.Error())
	}

	return &MQTTPublisher{
		client:     client,
		config:     config,
		dispatcher: dispatcher,
		stop:       make(chan struct{}),
	}, nil
}

// Start launches the periodic health/metric snapshot loop.
func (p *MQTTPublisher) Start() {
	interval := time.Duration(p.config.IntervalSec) * time.Second
	log.Printf("MQTT: publishing snapshots to %s/... every %v", p.config.TopicPrefix, interval)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.publishHealth()
				p.publishMetrics()
			case <-p.stop:
				return
			}
		}
	}()
}

// Stop halts the snapshot loop and disconnects.
func (p *MQTTPublisher) Stop() {
	close(p.stop)
	p.client.Disconnect(250)
}

// PublishEvent mirrors one dispatch event onto the events topic.
func (p *MQTTPublisher) PublishEvent(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	topic := p.config.TopicPrefix + "/events/" + ev.Type
	p.client.Publish(topic, 0, false, data)
}

func (p *MQTTPublisher) publishHealth() {
	payload := HealthPayload{
		Timestamp: time.Now().Unix(),
		Version:   Version,
		Slots:     p.dispatcher.Health(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT: health marshal failed: %v", err)
		return
	}
	token := p.client.Publish(p.config.TopicPrefix+"/health", 0, true, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		log.Printf("MQTT: health publish failed: %v", token.Error())
	}
}

// publishMetrics walks the Prometheus registry and republishes the
// itachd metric families so MQTT-only consumers see the same numbers
// the scrape endpoint exports.
func (p *MQTTPublisher) publishMetrics() {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		log.Printf("MQTT: metrics gather failed: %v", err)
		return
	}

	now := time.Now().Unix()
	for _, family := range families {
		name := family.GetName()
		if !strings.HasPrefix(name, "itachd_") {
			continue
		}
		for _, metric := range family.GetMetric() {
			value, ok := metricValue(family.GetType(), metric)
			if !ok {
				continue
			}
			payload := MetricPayload{
				Timestamp: now,
				Metrics:   map[string]float64{name: value},
			}
			topic := p.config.TopicPrefix + "/metrics/" + name
			for _, label := range metric.GetLabel() {
				if payload.Labels == nil {
					payload.Labels = make(map[string]string)
				}
				payload.Labels[label.GetName()] = label.GetValue()
				topic += "/" + sanitizeTopicPart(label.GetValue())
			}
			data, err := json.Marshal(payload)
			if err != nil {
				continue
			}
			p.client.Publish(topic, 0, false, data)
		}
	}
}

func metricValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	default:
		return 0, false
	}
}

// sanitizeTopicPart keeps label values from injecting topic separators
// or wildcards.
func sanitizeTopicPart(s string) string {
	r := strings.NewReplacer("/", "_", "+", "_", "#", "_", " ", "_")
	return r.Replace(s)
}
