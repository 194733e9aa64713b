package mqtt

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/HerbHall/routerwatch/internal/version"
)

var nonAlphanumeric = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// DiscoveryConfig holds a single HA MQTT discovery payload.
type DiscoveryConfig struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// HADevice is the "device" block in HA discovery payloads.
type HADevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model,omitempty"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	SWVersion    string   `json:"sw_version,omitempty"`
}

// SensorConfig is the HA discovery payload for sensor.
type SensorConfig struct {
	Name              string   `json:"name"`
	ObjectID          string   `json:"object_id"`
	UniqueID          string   `json:"unique_id"`
	StateTopic        string   `json:"state_topic"`
	DeviceClass       string   `json:"device_class,omitempty"`
	UnitOfMeasurement string   `json:"unit_of_measurement,omitempty"`
	StateClass        string   `json:"state_class,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            HADevice `json:"device"`
}

// SafeObjectID lowercases s and replaces anything outside [a-z0-9_] with an
// underscore, for use as an HA object_id.
func SafeObjectID(s string) string {
	s = strings.ToLower(s)
	s = nonAlphanumeric.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// BuildDiscoveryConfigs returns the retained discovery payloads for the
// watched router: a download speed sensor and a last event sensor.
func BuildDiscoveryConfigs(routerHost, topicPrefix, haPrefix string) []DiscoveryConfig {
	safeID := SafeObjectID(routerHost)
	device := HADevice{
		Identifiers:  []string{"routerwatch_" + safeID},
		Name:         "Router " + routerHost,
		Model:        "routerwatch",
		Manufacturer: "ZTE",
		SWVersion:    version.Short(),
	}

	sensors := []struct {
		key string
		cfg SensorConfig
	}{
		{"download_speed", SensorConfig{
			Name:              device.Name + " Download Speed",
			StateTopic:        topicPrefix + "/download_speed",
			DeviceClass:       "data_rate",
			UnitOfMeasurement: "bit/s",
			StateClass:        "measurement",
			Icon:              "mdi:speedometer",
		}},
		{"last_event", SensorConfig{
			Name:       device.Name + " Last Event",
			StateTopic: topicPrefix + "/last_event",
			Icon:       "mdi:router-wireless-settings",
		}},
	}

	configs := make([]DiscoveryConfig, 0, len(sensors))
	for _, s := range sensors {
		cfg := s.cfg
		cfg.ObjectID = "routerwatch_" + safeID + "_" + s.key
		cfg.UniqueID = cfg.ObjectID
		cfg.Device = device
		payload, err := json.Marshal(cfg)
		if err != nil {
			continue
		}
		configs = append(configs, DiscoveryConfig{
			Topic:   fmt.Sprintf("%s/sensor/routerwatch_%s/%s/config", haPrefix, safeID, s.key),
			Payload: payload,
			Retain:  true,
		})
	}
	return configs
}
