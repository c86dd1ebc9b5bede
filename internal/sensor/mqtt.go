package sensor

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/logic"
)

// Topics the sensor nodes publish to.
const (
	TopicAir  = "garden/irrigation/sensors/air"
	TopicSoil = "garden/irrigation/sensors/soil"
)

// AirPayload is the JSON published on TopicAir.
type AirPayload struct {
	TemperatureC *float64 `json:"temperature_c"`
	HumidityRel  *float64 `json:"humidity_rel"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// SoilPayload is the JSON published on TopicSoil. Either moisture_rel or
// raw (with a configured calibration) must be present.
type SoilPayload struct {
	TemperatureC float64  `json:"temperature_c"`
	MoistureRel  *float64 `json:"moisture_rel"`
	Raw          *int     `json:"raw"`
	Timestamp    string   `json:"timestamp,omitempty"`
}

// MQTTFeed keeps the latest readings received over MQTT.
// Readings older than maxAge are reported as absent.
type MQTTFeed struct {
	client paho.Client
	cal    Calibration
	maxAge time.Duration
	now    func() time.Time

	mu   sync.RWMutex
	air  *logic.AirReading
	soil *logic.SoilReading
}

// NewMQTTFeed creates a feed that is not yet connected. Use Connect to subscribe.
func NewMQTTFeed(cal Calibration, maxAge time.Duration, now func() time.Time) *MQTTFeed {
	if now == nil {
		now = time.Now
	}
	return &MQTTFeed{cal: cal, maxAge: maxAge, now: now}
}

// Connect dials the broker with exponential backoff and subscribes to the
// sensor topics. Subscriptions are restored on every reconnect.
func (f *MQTTFeed) Connect(broker, clientID string) error {
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			f.subscribe(c)
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			log.Warn().Err(err).Msg("sensor feed: connection lost")
		})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second

	err := backoff.Retry(func() error {
		client := paho.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(10 * time.Second) {
			return errors.New("connection timeout")
		}
		if err := token.Error(); err != nil {
			log.Warn().Err(err).Str("broker", broker).Msg("sensor feed: connect failed")
			return err
		}
		f.client = client
		return nil
	}, bo)
	if err != nil {
		return fmt.Errorf("connect sensor feed: %w", err)
	}
	return nil
}

func (f *MQTTFeed) subscribe(c paho.Client) {
	handlers := map[string]func([]byte) error{
		TopicAir:  f.HandleAir,
		TopicSoil: f.HandleSoil,
	}
	for topic, h := range handlers {
		token := c.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
			if err := h(msg.Payload()); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("sensor feed: bad payload")
			}
		})
		if token.WaitTimeout(5*time.Second) && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", topic).Msg("sensor feed: subscribe failed")
		}
	}
}

// HandleAir decodes and stores an air payload.
func (f *MQTTFeed) HandleAir(payload []byte) error {
	var p AirPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode air: %w", err)
	}
	if p.TemperatureC == nil || p.HumidityRel == nil {
		return errors.New("air payload missing temperature_c or humidity_rel")
	}
	r := &logic.AirReading{
		TemperatureC: *p.TemperatureC,
		HumidityRel:  *p.HumidityRel,
		Timestamp:    f.timestamp(p.Timestamp),
	}
	f.mu.Lock()
	f.air = r
	f.mu.Unlock()
	return nil
}

// HandleSoil decodes and stores a soil payload, calibrating raw values.
func (f *MQTTFeed) HandleSoil(payload []byte) error {
	var p SoilPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode soil: %w", err)
	}
	var m float64
	switch {
	case p.MoistureRel != nil:
		m = *p.MoistureRel
	case p.Raw != nil && f.cal.Valid():
		m = f.cal.Moisture(*p.Raw)
	case p.Raw != nil:
		return errors.New("soil payload has raw value but no calibration is configured")
	default:
		return errors.New("soil payload missing moisture_rel or raw")
	}
	if m < 0 || m > 1 {
		return fmt.Errorf("soil moisture %.3f outside [0,1]", m)
	}
	r := &logic.SoilReading{
		TemperatureC: p.TemperatureC,
		MoistureRel:  m,
		Timestamp:    f.timestamp(p.Timestamp),
	}
	f.mu.Lock()
	f.soil = r
	f.mu.Unlock()
	return nil
}

func (f *MQTTFeed) timestamp(s string) time.Time {
	if s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			return t
		}
	}
	return f.now()
}

func (f *MQTTFeed) fresh(ts time.Time) bool {
	return f.maxAge <= 0 || f.now().Sub(ts) <= f.maxAge
}

// Air returns the latest air reading, or nil if none or stale.
func (f *MQTTFeed) Air() *logic.AirReading {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.air == nil || !f.fresh(f.air.Timestamp) {
		return nil
	}
	r := *f.air
	return &r
}

// Soil returns the latest soil reading, or nil if none or stale.
func (f *MQTTFeed) Soil() *logic.SoilReading {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.soil == nil || !f.fresh(f.soil.Timestamp) {
		return nil
	}
	r := *f.soil
	return &r
}

// Close disconnects from the broker.
func (f *MQTTFeed) Close() error {
	if f.client != nil {
		f.client.Disconnect(1000)
	}
	return nil
}
