package engine

import (
	"modelcached/internal/errdefs"
	"modelcached/pkg/types"
)

// Network classifies the link the host currently has.
type Network string

const (
	NetworkUnknown  Network = "unknown"
	NetworkWiFi     Network = "wifi"
	NetworkCellular Network = "cellular"
	NetworkOffline  Network = "offline"
)

// NetworkProber reports the current network type. Injected so hosts with a
// real connectivity source can supply one; tests use StaticProber.
type NetworkProber interface {
	CurrentNetwork() Network
}

// StaticProber always reports a fixed network type.
type StaticProber struct{ Network Network }

func (p StaticProber) CurrentNetwork() Network { return p.Network }

// checkConditions fails fast before any bytes move: a transfer that the
// conditions forbid must never reach the wire.
func checkConditions(prober NetworkProber, cond types.DownloadConditions) error {
	if prober == nil {
		return nil
	}
	switch prober.CurrentNetwork() {
	case NetworkOffline:
		return errdefs.Wrapf(errdefs.ErrNetwork, "network is offline")
	case NetworkCellular:
		if !cond.AllowCellular {
			return errdefs.Wrapf(errdefs.ErrConditionViolation, "cellular transfers not allowed")
		}
	}
	return nil
}
