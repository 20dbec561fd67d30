// cpsim connects simulated charge points to a central system: each one
// boots, reports connector 1 available, then heartbeats at the interval the
// central system handed out, answering configuration requests from an
// in-memory key store.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gridwire/go-csms/chargepoint"
	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
)

func main() {
	endpoint := flag.String("endpoint", "ws://127.0.0.1:8887", "central system endpoint")
	count := flag.Int("count", 1, "number of simulated charge points")
	prefix := flag.String("prefix", "CP", "charge point id prefix")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for i := 1; i <= *count; i++ {
		d := &device{
			id: fmt.Sprintf("%s-%03d", *prefix, i),
			config: map[string]string{
				"HeartbeatInterval":        "10",
				"MeterValueSampleInterval": "60",
			},
			logger: pkg.DefaultLogger,
		}

		wg.Add(1)
		go func() {
			defer pkg.Recover()
			defer wg.Done()

			if err := d.run(ctx, *endpoint); err != nil && ctx.Err() == nil {
				log.Printf("%s: %v", d.id, err)
			}
		}()
	}
	wg.Wait()
}

type device struct {
	id     string
	mu     sync.Mutex
	config map[string]string
	logger pkg.Logger
}

func (d *device) run(ctx context.Context, endpoint string) error {
	cp, err := chargepoint.Dial(ctx, endpoint, d.id,
		chargepoint.WithLogger(d.logger),
		chargepoint.WithHandler(protocol.ActionChangeConfiguration, d.handleChangeConfiguration),
		chargepoint.WithHandler(protocol.ActionGetConfiguration, d.handleGetConfiguration),
	)
	if err != nil {
		return err
	}
	defer cp.Close()

	boot, err := cp.BootNotification(ctx, &protocol.BootNotificationRequest{
		ChargePointVendor: "gridwire",
		ChargePointModel:  "cpsim",
	})
	if err != nil {
		return fmt.Errorf("boot: %w", err)
	}

	if _, err := cp.StatusNotification(ctx, &protocol.StatusNotificationRequest{
		ConnectorID: 1,
		ErrorCode:   "NoError",
		Status:      "Available",
	}); err != nil {
		return fmt.Errorf("status notification: %w", err)
	}

	interval := time.Duration(boot.Interval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	d.logger.Infof("%s: boot %s, heartbeat every %s", d.id, boot.Status, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if _, err := cp.Heartbeat(ctx); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-cp.Done():
			return errors.New("connection lost")
		case <-ctx.Done():
			return nil
		}
	}
}

func (d *device) handleChangeConfiguration(_ context.Context, payload json.RawMessage) (any, error) {
	var request protocol.ChangeConfigurationRequest
	if err := json.Unmarshal(payload, &request); err != nil {
		return nil, protocol.NewCallError(protocol.ErrorFormationViolation, err.Error())
	}

	d.mu.Lock()
	d.config[request.Key] = request.Value
	d.mu.Unlock()

	d.logger.Infof("%s: configuration %s=%s", d.id, request.Key, request.Value)
	return &protocol.ChangeConfigurationConfirmation{Status: protocol.ConfigurationAccepted}, nil
}

func (d *device) handleGetConfiguration(_ context.Context, payload json.RawMessage) (any, error) {
	var request protocol.GetConfigurationRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &request); err != nil {
			return nil, protocol.NewCallError(protocol.ErrorFormationViolation, err.Error())
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	confirmation := &protocol.GetConfigurationConfirmation{}
	if len(request.Key) == 0 {
		for k, v := range d.config {
			v := v
			confirmation.ConfigurationKey = append(confirmation.ConfigurationKey, protocol.KeyValue{Key: k, Value: &v})
		}
		return confirmation, nil
	}

	for _, k := range request.Key {
		v, ok := d.config[k]
		if !ok {
			confirmation.UnknownKey = append(confirmation.UnknownKey, k)
			continue
		}
		confirmation.ConfigurationKey = append(confirmation.ConfigurationKey, protocol.KeyValue{Key: k, Value: &v})
	}
	return confirmation, nil
}
