package storage

import (
	"errors"

	"github.com/google/uuid"
)

const (
	keyTracing   = "tracing_enabled"
	keyInstallID = "install_id"
)

// InstallID is the persisted install identifier: a stable random value plus
// a flag controlling whether it is attached to outgoing telemetry.
type InstallID struct {
	Enabled bool   `json:"enabled"`
	Value   string `json:"value"`
}

// TracingEnabled reports the persisted tracing flag; false when never set.
func (d *DB) TracingEnabled() (bool, error) {
	v, err := d.Get(keyTracing)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v == "true", nil
}

// SetTracingEnabled persists the tracing flag.
func (d *DB) SetTracingEnabled(enabled bool) error {
	v := "false"
	if enabled {
		v = "true"
	}
	return d.Set(keyTracing, v)
}

// InstallID returns the persisted install identifier, minting and storing a
// new enabled one on first use.
func (d *DB) InstallID() (InstallID, error) {
	var id InstallID
	err := d.GetJSON(keyInstallID, &id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return InstallID{}, err
	}
	id = InstallID{Enabled: true, Value: uuid.NewString()}
	if err := d.SetJSON(keyInstallID, id); err != nil {
		return InstallID{}, err
	}
	return id, nil
}

// SetInstallID replaces the persisted install identifier.
func (d *DB) SetInstallID(id InstallID) error {
	return d.SetJSON(keyInstallID, id)
}
