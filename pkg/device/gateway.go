package device

import (
	"context"
	"log/slog"

	"iotdc/internal/config"
	"iotdc/internal/session"
)

// GatewayDevice is a directly connected device that enrolls downstream
// devices on their behalf.
type GatewayDevice struct {
	*DirectlyConnectedDevice
}

func NewGateway(cfg config.Config, logger *slog.Logger) (*GatewayDevice, error) {
	d, err := newDevice(cfg, logger, true)
	if err != nil {
		return nil, err
	}
	return &GatewayDevice{DirectlyConnectedDevice: d}, nil
}

// Activate enrolls the gateway itself, announcing the indirect-activation
// capability alongside the given models.
func (g *GatewayDevice) Activate(ctx context.Context, modelURNs ...string) error {
	urns := append([]string{}, modelURNs...)
	urns = append(urns, session.IndirectActivationURN)
	return g.DirectlyConnectedDevice.Activate(ctx, urns...)
}

// RegisterDevice enrolls a downstream device identified by hardwareID and
// returns its endpoint ID. The gateway must already be activated.
func (g *GatewayDevice) RegisterDevice(ctx context.Context, hardwareID string, metadata map[string]any, modelURNs ...string) (string, error) {
	return g.session.RegisterIndirect(ctx, hardwareID, metadata, modelURNs)
}
