package chargepoint

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gridwire/go-csms/protocol"
)

func (cp *ChargePoint) BootNotification(ctx context.Context, request *protocol.BootNotificationRequest) (*protocol.BootNotificationConfirmation, error) {
	response, err := cp.Call(ctx, protocol.ActionBootNotification, request)
	if err != nil {
		return nil, err
	}

	var result protocol.BootNotificationConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal BootNotification response: %w", err)
	}
	return &result, nil
}

func (cp *ChargePoint) Heartbeat(ctx context.Context) (*protocol.HeartbeatConfirmation, error) {
	response, err := cp.Call(ctx, protocol.ActionHeartbeat, nil)
	if err != nil {
		return nil, err
	}

	var result protocol.HeartbeatConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal Heartbeat response: %w", err)
	}
	return &result, nil
}

func (cp *ChargePoint) StatusNotification(ctx context.Context, request *protocol.StatusNotificationRequest) (*protocol.StatusNotificationConfirmation, error) {
	response, err := cp.Call(ctx, protocol.ActionStatusNotification, request)
	if err != nil {
		return nil, err
	}

	var result protocol.StatusNotificationConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal StatusNotification response: %w", err)
	}
	return &result, nil
}
