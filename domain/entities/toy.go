package entities

import (
	"errors"
	"time"
)

// Device represents a physical toy device unit.
type Device struct {
	ID           string    `json:"id" bson:"_id"`
	SerialNumber string    `json:"serial_number" bson:"serial_number"`
	SecretKey    string    `json:"secret_key" bson:"secret_key"`
	Model        string    `json:"model" bson:"model"`
	ToyID        string    `json:"toy_id" bson:"toy_id"`
	CreatedAt    time.Time `json:"created_at" bson:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" bson:"updated_at"`
}

// DeviceStatus is the connectivity status recorded for a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
)

// ToyConfig is the resolved configuration for the assigned toy persona.
// It is fetched from the backend store during the connection handshake
// and drives the pipeline's prompting, safety level, and voice.
type ToyConfig struct {
	ID            string    `json:"id" bson:"_id"`
	Name          string    `json:"name" bson:"name"`
	Persona       string    `json:"persona" bson:"persona"`
	VoiceID       string    `json:"voice_id" bson:"voice_id"`
	Language      string    `json:"language" bson:"language"`
	Restricted    bool      `json:"restricted" bson:"restricted"`
	MaxReplyWords int       `json:"max_reply_words" bson:"max_reply_words"`
	UpdatedAt     time.Time `json:"updated_at" bson:"updated_at"`
}

func (t *ToyConfig) Validate() error {
	if t.ID == "" {
		return errors.New("toy id is required")
	}
	if t.Persona == "" {
		return errors.New("persona is required")
	}
	return nil
}

func (d *Device) Validate() error {
	if d.SerialNumber == "" {
		return errors.New("serial number is required")
	}
	if d.SecretKey == "" {
		return errors.New("secret key is required")
	}
	return nil
}
