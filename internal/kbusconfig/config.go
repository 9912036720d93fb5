// Package kbusconfig loads switch and bridge tuning from an env-style
// file, the same way R2Northstar-Atlas's cmd/atlas/main.go reads its
// deployment configuration, without pulling in a full CLI (that
// belongs to the host-language binding layer, out of scope here).
package kbusconfig

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"
)

// SwitchConfig tunes a single device's defaults. Every field has a
// sane zero-config default; callers only need to touch what they want
// to override.
type SwitchConfig struct {
	// DefaultQueueDepth is the inbound queue capacity new endpoints
	// get unless they call SetMaxMessages themselves.
	DefaultQueueDepth int

	// MaxNameLength bounds a literal or binding name, enforced on
	// bind and on send (NameTooLong).
	MaxNameLength int

	// MaxEntireMessageSize bounds the data length of a message
	// admitted by a send (MessageTooLarge); the name and header are
	// not counted.
	MaxEntireMessageSize int

	// DeferredUnboundListSize bounds the per-subscriber side-list of
	// replier-unbind events awaiting redelivery (§4.4).
	DeferredUnboundListSize int
}

// BridgeConfig tunes a bridge pairing.
type BridgeConfig struct {
	// ListenAddr is the local TCP address the bridge accepts the
	// peer connection on ("" to dial out instead, see DialAddr).
	ListenAddr string

	// DialAddr is the remote TCP address to connect to when this
	// side of the pair initiates.
	DialAddr string

	// SubscribePattern is the binding pattern this bridge mirrors
	// across the link, default "$.*".
	SubscribePattern string

	// PoisonName is the message name that, once read from the local
	// switch, tells the bridge to close down cleanly.
	PoisonName string

	// HandshakeTimeout is a duration for the HELO exchange. The bridge
	// transport does not read this field: its handshake applies a
	// fixed 5-second deadline.
	HandshakeTimeout time.Duration
}

// Defaults returns the out-of-the-box SwitchConfig, matching the
// values referenced throughout spec.md's worked examples (a queue
// cap of 10 is used in the Urgent-ordering scenario).
func Defaults() SwitchConfig {
	return SwitchConfig{
		DefaultQueueDepth:       10,
		MaxNameLength:           1000,
		MaxEntireMessageSize:    1 << 16,
		DeferredUnboundListSize: 64,
	}
}

// DefaultBridge returns the out-of-the-box BridgeConfig.
func DefaultBridge(poisonName string) BridgeConfig {
	return BridgeConfig{
		SubscribePattern: "$.*",
		PoisonName:       poisonName,
		HandshakeTimeout: 5 * time.Second,
	}
}

// LoadSwitchEnv overlays env-style "KEY=VALUE" pairs (as produced by
// envparse.Parse) onto a SwitchConfig, the same two-step shape
// cmd/atlas/main.go uses: parse the file into a key/value map, then
// fold recognised keys onto a config struct.
func LoadSwitchEnv(r interface {
	Read(p []byte) (int, error)
}) (SwitchConfig, error) {
	cfg := Defaults()
	entries, err := envparse.Parse(r)
	if err != nil {
		return cfg, fmt.Errorf("parse env config: %w", err)
	}

	if v, ok := entries["KBUS_QUEUE_DEPTH"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("KBUS_QUEUE_DEPTH: %w", err)
		}
		cfg.DefaultQueueDepth = n
	}
	if v, ok := entries["KBUS_MAX_NAME_LENGTH"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("KBUS_MAX_NAME_LENGTH: %w", err)
		}
		cfg.MaxNameLength = n
	}
	if v, ok := entries["KBUS_MAX_MESSAGE_SIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("KBUS_MAX_MESSAGE_SIZE: %w", err)
		}
		cfg.MaxEntireMessageSize = n
	}
	if v, ok := entries["KBUS_DEFERRED_UNBOUND_LIST_SIZE"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("KBUS_DEFERRED_UNBOUND_LIST_SIZE: %w", err)
		}
		cfg.DeferredUnboundListSize = n
	}
	return cfg, nil
}

// Flags registers a SwitchConfig onto a pflag.FlagSet, for a host
// binary that wants command-line overrides (no such binary ships from
// this module; building one is the host-language binding layer's job,
// out of scope per spec.md §1).
func Flags(fs *pflag.FlagSet, cfg *SwitchConfig) {
	fs.IntVar(&cfg.DefaultQueueDepth, "queue-depth", cfg.DefaultQueueDepth, "default endpoint inbound queue capacity")
	fs.IntVar(&cfg.MaxNameLength, "max-name-length", cfg.MaxNameLength, "maximum message/binding name length")
	fs.IntVar(&cfg.MaxEntireMessageSize, "max-message-size", cfg.MaxEntireMessageSize, "maximum message data size in bytes")
}

// mustStderr reports a configuration load failure the way
// cmd/atlas/main.go reports fatal startup errors, without os.Exit, so
// callers embedding kbus keep control flow.
func mustStderr(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
}

// LoadSwitchEnvOrDefaults is LoadSwitchEnv with a fallback: a malformed
// or missing config file logs to stderr and returns Defaults() rather
// than failing startup, the posture cmd/atlas/main.go takes for
// optional env-file overlays (flags/defaults still work without one).
func LoadSwitchEnvOrDefaults(r interface {
	Read(p []byte) (int, error)
}) SwitchConfig {
	cfg, err := LoadSwitchEnv(r)
	if err != nil {
		mustStderr(err)
		return Defaults()
	}
	return cfg
}
