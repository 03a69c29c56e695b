package config

import (
	"os"
	"sync"
)

// Credentials is the runtime store for the secrets the supervisors need.
// Readers get copies; writers replace only the fields they set.
type Credentials struct {
	mu sync.RWMutex

	mqttUser     string
	mqttPassword string
	wifiSSID     string
	wifiPassword string
}

// NewCredentials seeds a store from the file config, then lets the
// MQTT_USER, MQTT_PASSWORD, WIFI_SSID and WIFI_PASSWORD environment
// variables override individual fields.
func NewCredentials(cfg *Config) *Credentials {
	c := &Credentials{}
	u := Update()
	if cfg != nil {
		if cfg.Messaging.MQTT.User != "" {
			u = u.MQTTUser(cfg.Messaging.MQTT.User)
		}
		if cfg.Messaging.MQTT.Password != "" {
			u = u.MQTTPassword(cfg.Messaging.MQTT.Password)
		}
		if cfg.Network.SSID != "" {
			u = u.WifiSSID(cfg.Network.SSID)
		}
		if cfg.Network.Password != "" {
			u = u.WifiPassword(cfg.Network.Password)
		}
	}
	if v, ok := os.LookupEnv("MQTT_USER"); ok {
		u = u.MQTTUser(v)
	}
	if v, ok := os.LookupEnv("MQTT_PASSWORD"); ok {
		u = u.MQTTPassword(v)
	}
	if v, ok := os.LookupEnv("WIFI_SSID"); ok {
		u = u.WifiSSID(v)
	}
	if v, ok := os.LookupEnv("WIFI_PASSWORD"); ok {
		u = u.WifiPassword(v)
	}
	c.Apply(u)
	return c
}

func (c *Credentials) MQTTUser() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUser
}

func (c *Credentials) MQTTPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttPassword
}

func (c *Credentials) WifiSSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiSSID
}

func (c *Credentials) WifiPassword() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiPassword
}

// Broker returns the MQTT user and password as one consistent pair.
func (c *Credentials) Broker() (user, password string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mqttUser, c.mqttPassword
}

// Wifi returns the SSID and password as one consistent pair.
func (c *Credentials) Wifi() (ssid, password string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.wifiSSID, c.wifiPassword
}

// Apply writes every field the update set and leaves the others alone.
func (c *Credentials) Apply(u CredentialUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if u.mqttUser != nil {
		c.mqttUser = *u.mqttUser
	}
	if u.mqttPassword != nil {
		c.mqttPassword = *u.mqttPassword
	}
	if u.wifiSSID != nil {
		c.wifiSSID = *u.wifiSSID
	}
	if u.wifiPassword != nil {
		c.wifiPassword = *u.wifiPassword
	}
}

// CredentialUpdate is a partial change to Credentials. Build one with Update.
type CredentialUpdate struct {
	mqttUser     *string
	mqttPassword *string
	wifiSSID     *string
	wifiPassword *string
}

// Update starts an empty partial update.
func Update() CredentialUpdate { return CredentialUpdate{} }

func (u CredentialUpdate) MQTTUser(v string) CredentialUpdate { u.mqttUser = &v; return u }
func (u CredentialUpdate) MQTTPassword(v string) CredentialUpdate { u.mqttPassword = &v; return u }
func (u CredentialUpdate) WifiSSID(v string) CredentialUpdate { u.wifiSSID = &v; return u }
func (u CredentialUpdate) WifiPassword(v string) CredentialUpdate { u.wifiPassword = &v; return u }

// Empty reports whether the update sets no field.
func (u CredentialUpdate) Empty() bool {
	return u.mqttUser == nil && u.mqttPassword == nil && u.wifiSSID == nil && u.wifiPassword == nil
}

// SyncTo copies the non-secret fields the update set into cfg so they survive
// a Save. Passwords stay out of the file; they come from the environment.
func (u CredentialUpdate) SyncTo(cfg *Config) {
	cfg.Lock()
	defer cfg.Unlock()
	if u.mqttUser != nil {
		cfg.Messaging.MQTT.User = *u.mqttUser
	}
	if u.wifiSSID != nil {
		cfg.Network.SSID = *u.wifiSSID
	}
}
