package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/server/session"
)

const defaultHeartbeatInterval = 10 * time.Second

// handleBootNotification accepts every charge point and hands out the
// heartbeat interval it should keep.
func (cs *CentralSystem) handleBootNotification(_ context.Context, s *session.Session, payload json.RawMessage) (any, error) {
	var request protocol.BootNotificationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, protocol.NewCallError(protocol.ErrorFormationViolation, err.Error())
	}

	cs.logger.Infof("charge point %s: boot notification, vendor=%s model=%s",
		s.ID(), request.ChargePointVendor, request.ChargePointModel)

	return &protocol.BootNotificationConfirmation{
		Status:      protocol.RegistrationAccepted,
		CurrentTime: time.Now().UTC(),
		Interval:    int(cs.heartbeatInterval / time.Second),
	}, nil
}

func (cs *CentralSystem) handleHeartbeat(_ context.Context, s *session.Session, _ json.RawMessage) (any, error) {
	cs.logger.Debugf("charge point %s: heartbeat", s.ID())
	return &protocol.HeartbeatConfirmation{CurrentTime: time.Now().UTC()}, nil
}

// handleStatusNotification acknowledges connector status updates. The
// confirmation carries no fields; only logging happens here.
func (cs *CentralSystem) handleStatusNotification(_ context.Context, s *session.Session, payload json.RawMessage) (any, error) {
	var request protocol.StatusNotificationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, protocol.NewCallError(protocol.ErrorFormationViolation, err.Error())
	}

	cs.logger.Infof("charge point %s: connector %d status %s (%s)",
		s.ID(), request.ConnectorID, request.Status, request.ErrorCode)

	return &protocol.StatusNotificationConfirmation{}, nil
}
