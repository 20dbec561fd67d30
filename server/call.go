package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/server/session"
)

// Call issues a raw request to one charge point and returns the reply
// payload. Typed wrappers below cover the common actions.
func (cs *CentralSystem) Call(ctx context.Context, chargePointID string, action protocol.Action, payload any) (json.RawMessage, error) {
	s, ok := cs.registry.Lookup(chargePointID)
	if !ok {
		return nil, fmt.Errorf("charge point %s: %w", chargePointID, pkg.ErrNotConnected)
	}
	return s.Call(ctx, action, payload)
}

func (cs *CentralSystem) GetConfiguration(ctx context.Context, chargePointID string, keys []string) (*protocol.GetConfigurationConfirmation, error) {
	response, err := cs.Call(ctx, chargePointID, protocol.ActionGetConfiguration, &protocol.GetConfigurationRequest{Key: keys})
	if err != nil {
		return nil, err
	}

	var result protocol.GetConfigurationConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal GetConfiguration response: %w", err)
	}
	return &result, nil
}

func (cs *CentralSystem) ChangeConfiguration(ctx context.Context, chargePointID, key, value string) (*protocol.ChangeConfigurationConfirmation, error) {
	response, err := cs.Call(ctx, chargePointID, protocol.ActionChangeConfiguration, &protocol.ChangeConfigurationRequest{Key: key, Value: value})
	if err != nil {
		return nil, err
	}

	var result protocol.ChangeConfigurationConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal ChangeConfiguration response: %w", err)
	}
	return &result, nil
}

func (cs *CentralSystem) RemoteStartTransaction(ctx context.Context, chargePointID, idTag string, connectorID *int) (*protocol.RemoteStartTransactionConfirmation, error) {
	request := &protocol.RemoteStartTransactionRequest{IDTag: idTag, ConnectorID: connectorID}
	response, err := cs.Call(ctx, chargePointID, protocol.ActionRemoteStartTransaction, request)
	if err != nil {
		return nil, err
	}

	var result protocol.RemoteStartTransactionConfirmation
	if err := json.Unmarshal(response, &result); err != nil {
		return nil, fmt.Errorf("unmarshal RemoteStartTransaction response: %w", err)
	}
	return &result, nil
}

// ChangeConfigurationAll pushes one key/value to every connected charge
// point concurrently and waits for all of them. A slow or failing charge
// point never blocks the others; its error is reported alongside theirs.
func (cs *CentralSystem) ChangeConfigurationAll(ctx context.Context, key, value string) error {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errList []error
	)

	cs.registry.ForEach(func(s *session.Session) {
		wg.Add(1)
		go func() {
			defer pkg.Recover()
			defer wg.Done()

			if _, err := s.Call(ctx, protocol.ActionChangeConfiguration, &protocol.ChangeConfigurationRequest{Key: key, Value: value}); err != nil {
				mu.Lock()
				errList = append(errList, fmt.Errorf("charge point %s: %w", s.ID(), err))
				mu.Unlock()
			}
		}()
	})
	wg.Wait()

	return errors.Join(errList...)
}

// Disconnect requests teardown of one charge point's session and returns
// without waiting for it to finish.
func (cs *CentralSystem) Disconnect(chargePointID string) error {
	if err := cs.registry.Disconnect(chargePointID); err != nil {
		return fmt.Errorf("charge point %s: %w", chargePointID, err)
	}
	return nil
}
