package syncer

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/perimetra/fieldsync/internal/settings"
	"go.uber.org/zap"
)

const minAutoSyncInterval = 5 * time.Minute

var errMissingSettings = errors.New("settings store is required")

// Trigger identifies who asked for a cycle.
type Trigger string

const (
	// TriggerManual is a user-initiated sync; it bypasses the interval
	// check but no other gate.
	TriggerManual Trigger = "manual"
	// TriggerAuto is a background sync started by a timer, a network
	// transition, or an app-foreground event.
	TriggerAuto Trigger = "auto"
)

// NetState is the device's current connectivity as reported by the platform.
type NetState struct {
	Connected bool
	Kind      string // "wifi", "cellular", "ethernet", ...
}

// Decision is the gate's answer with a human-readable reason when denied.
type Decision struct {
	Allowed bool
	Reason  string
}

// Pinger probes server reachability within its own bounded timeout.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// GateConfig configures a trigger gate.
type GateConfig struct {
	Settings        *settings.Store
	Pinger          Pinger
	Clock           func() time.Time
	DefaultAutoSync bool
	DefaultInterval time.Duration
	DefaultWifiOnly bool
	Logger          *zap.Logger
}

// Gate decides whether a sync cycle may run right now, combining
// connectivity, user preference, server reachability, and elapsed time since
// the last successful cycle.
type Gate struct {
	settings        *settings.Store
	pinger          Pinger
	clock           func() time.Time
	defaultAutoSync bool
	defaultInterval time.Duration
	defaultWifiOnly bool
	logger          *zap.Logger

	mu    sync.RWMutex
	state NetState
}

// NewGate constructs a Gate. The network state starts disconnected until the
// first SetNetworkState event arrives.
func NewGate(cfg GateConfig) (*Gate, error) {
	if cfg.Settings == nil {
		return nil, errMissingSettings
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	interval := cfg.DefaultInterval
	if interval < minAutoSyncInterval {
		interval = minAutoSyncInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gate{
		settings:        cfg.Settings,
		pinger:          cfg.Pinger,
		clock:           clock,
		defaultAutoSync: cfg.DefaultAutoSync,
		defaultInterval: interval,
		defaultWifiOnly: cfg.DefaultWifiOnly,
		logger:          logger,
	}, nil
}

// SetNetworkState records a connectivity change event.
func (g *Gate) SetNetworkState(state NetState) {
	g.mu.Lock()
	g.state = state
	g.mu.Unlock()
	g.logger.Debug("network state changed",
		zap.Bool("connected", state.Connected), zap.String("kind", state.Kind))
}

// NetworkState returns the last reported connectivity.
func (g *Gate) NetworkState() NetState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// CanRun evaluates the eligibility gates in cost order, finishing with the
// reachability probe. alreadyActive is supplied by the orchestrator, which
// owns the single-cycle flag.
func (g *Gate) CanRun(ctx context.Context, trigger Trigger, alreadyActive bool) Decision {
	if alreadyActive {
		return Decision{Reason: "already syncing"}
	}

	state := g.NetworkState()
	if !state.Connected {
		return Decision{Reason: "no network connectivity"}
	}

	if g.wifiOnly() && state.Kind != "wifi" {
		return Decision{Reason: "sync restricted to wifi"}
	}

	if trigger == TriggerAuto {
		if !g.autoSyncEnabled() {
			return Decision{Reason: "auto sync disabled"}
		}
		lastSync := g.settings.Time(settings.KeyLastSyncTime)
		if !lastSync.IsZero() {
			elapsed := g.clock().UTC().Sub(lastSync)
			if elapsed < g.interval() {
				return Decision{Reason: "last sync too recent"}
			}
		}
	}

	if g.pinger != nil && !g.pinger.Ping(ctx) {
		return Decision{Reason: "server unreachable"}
	}

	return Decision{Allowed: true}
}

func (g *Gate) autoSyncEnabled() bool {
	return g.settings.Bool(settings.KeyAutoSync, g.defaultAutoSync)
}

func (g *Gate) wifiOnly() bool {
	return g.settings.Bool(settings.KeyWifiOnly, g.defaultWifiOnly)
}

// interval returns the configured auto-sync interval with the enforced floor.
func (g *Gate) interval() time.Duration {
	raw := g.settings.String(settings.KeySyncInterval)
	if raw == "" {
		return g.defaultInterval
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return g.defaultInterval
	}
	interval := time.Duration(minutes) * time.Minute
	if interval < minAutoSyncInterval {
		return minAutoSyncInterval
	}
	return interval
}
