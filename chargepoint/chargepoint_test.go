package chargepoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gridwire/go-csms/pkg"
	"github.com/gridwire/go-csms/protocol"
	"github.com/gridwire/go-csms/transport"
)

// central scripts the server end of a charge point's pipe: it reads the
// frames the device writes and sends back whatever the test wants received.
type central struct {
	t    *testing.T
	conn transport.Conn
}

func (c *central) read() protocol.Message {
	c.t.Helper()

	type result struct {
		msg protocol.Message
		err error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := c.conn.ReadMessage()
		if err != nil {
			ch <- result{err: err}
			return
		}
		msg, err := protocol.ParseMessage(data)
		ch <- result{msg: msg, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.t.Fatalf("central read: %v", r.err)
		}
		return r.msg
	case <-time.After(5 * time.Second):
		c.t.Fatal("central read: no frame within 5s")
		return nil
	}
}

func (c *central) readCall() *protocol.Call {
	c.t.Helper()
	msg := c.read()
	call, ok := msg.(*protocol.Call)
	if !ok {
		c.t.Fatalf("central read %T, want *protocol.Call", msg)
	}
	return call
}

func (c *central) send(msg protocol.Message) {
	c.t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		c.t.Fatalf("central marshal: %v", err)
	}
	if err := c.conn.WriteMessage(data); err != nil {
		c.t.Fatalf("central write: %v", err)
	}
}

func (c *central) reply(uniqueID string, payload any) {
	c.t.Helper()
	result, err := protocol.NewCallResult(uniqueID, payload)
	if err != nil {
		c.t.Fatalf("central build result: %v", err)
	}
	c.send(result)
}

func (c *central) expectEOF() {
	c.t.Helper()

	errCh := make(chan error, 1)
	go func() {
		_, err := c.conn.ReadMessage()
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if !errors.Is(err, io.EOF) {
			c.t.Fatalf("central read = %v, want io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		c.t.Fatal("charge point did not close its connection")
	}
}

func startChargePoint(t *testing.T, opts ...Option) (*ChargePoint, *central) {
	t.Helper()

	deviceEnd, serverEnd := transport.Pipe()
	opts = append([]Option{WithLogger(pkg.NopLogger)}, opts...)
	cp := New("CP1", deviceEnd, opts...)

	t.Cleanup(func() {
		cp.Close()
		select {
		case <-cp.Done():
		case <-time.After(5 * time.Second):
			t.Error("charge point read loop did not exit")
		}
	})
	return cp, &central{t: t, conn: serverEnd}
}

// heartbeat drives one full Heartbeat exchange to prove the connection is
// still usable.
func heartbeat(t *testing.T, cp *ChargePoint, cs *central) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		_, err := cp.Heartbeat(context.Background())
		errCh <- err
	}()

	call := cs.readCall()
	if call.Action != protocol.ActionHeartbeat {
		t.Fatalf("action = %s, want Heartbeat", call.Action)
	}
	cs.reply(call.UniqueID, &protocol.HeartbeatConfirmation{CurrentTime: time.Now().UTC()})

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Heartbeat: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Heartbeat did not resolve")
	}
}

func TestBootNotificationRoundTrip(t *testing.T) {
	cp, cs := startChargePoint(t)

	type result struct {
		conf *protocol.BootNotificationConfirmation
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		conf, err := cp.BootNotification(context.Background(), &protocol.BootNotificationRequest{
			ChargePointVendor: "GridWire",
			ChargePointModel:  "GW-100",
		})
		resCh <- result{conf: conf, err: err}
	}()

	call := cs.readCall()
	if call.Action != protocol.ActionBootNotification {
		t.Fatalf("action = %s, want BootNotification", call.Action)
	}
	var req protocol.BootNotificationRequest
	if err := json.Unmarshal(call.Payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.ChargePointVendor != "GridWire" || req.ChargePointModel != "GW-100" {
		t.Fatalf("request = %+v", req)
	}

	now := time.Now().UTC().Truncate(time.Second)
	cs.reply(call.UniqueID, &protocol.BootNotificationConfirmation{
		CurrentTime: now,
		Interval:    300,
		Status:      protocol.RegistrationAccepted,
	})

	select {
	case r := <-resCh:
		if r.err != nil {
			t.Fatalf("BootNotification: %v", r.err)
		}
		if r.conf.Status != protocol.RegistrationAccepted || r.conf.Interval != 300 {
			t.Fatalf("confirmation = %+v", r.conf)
		}
		if !r.conf.CurrentTime.Equal(now) {
			t.Fatalf("currentTime = %v, want %v", r.conf.CurrentTime, now)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("BootNotification did not resolve")
	}
}

func TestConcurrentCallsResolveIndependently(t *testing.T) {
	cp, cs := startChargePoint(t)

	const n = 3
	results := make(chan string, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			payload, err := cp.Call(context.Background(), protocol.ActionStatusNotification, &protocol.StatusNotificationRequest{ConnectorID: i})
			if err != nil {
				results <- fmt.Sprintf("error: %v", err)
				return
			}
			results <- string(payload)
		}(i)
	}

	calls := make([]*protocol.Call, n)
	for i := range calls {
		calls[i] = cs.readCall()
	}
	// Answer in reverse arrival order; correlation ids keep them straight.
	for i := n - 1; i >= 0; i-- {
		var req protocol.StatusNotificationRequest
		if err := json.Unmarshal(calls[i].Payload, &req); err != nil {
			t.Fatalf("unmarshal request: %v", err)
		}
		cs.reply(calls[i].UniqueID, map[string]int{"echo": req.ConnectorID})
	}

	got := map[string]bool{}
	for i := 0; i < n; i++ {
		select {
		case r := <-results:
			got[r] = true
		case <-time.After(5 * time.Second):
			t.Fatal("call did not resolve")
		}
	}
	for i := 0; i < n; i++ {
		want := fmt.Sprintf(`{"echo":%d}`, i)
		if !got[want] {
			t.Fatalf("missing reply %s in %v", want, got)
		}
	}
}

func TestCallRejectedWithCallError(t *testing.T) {
	cp, cs := startChargePoint(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := cp.Call(context.Background(), protocol.ActionBootNotification, &protocol.BootNotificationRequest{})
		errCh <- err
	}()

	call := cs.readCall()
	cerr := protocol.NewCallError(protocol.ErrorSecurity, "unknown charge point")
	cerr.UniqueID = call.UniqueID
	cs.send(cerr)

	select {
	case err := <-errCh:
		var got *protocol.CallError
		if !errors.As(err, &got) {
			t.Fatalf("err = %v, want *protocol.CallError", err)
		}
		if got.Code != protocol.ErrorSecurity {
			t.Fatalf("code = %s, want SecurityError", got.Code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not resolve")
	}
}

func TestCallTimeoutAndLateReply(t *testing.T) {
	cp, cs := startChargePoint(t, WithCallTimeout(50*time.Millisecond))

	errCh := make(chan error, 1)
	go func() {
		_, err := cp.Heartbeat(context.Background())
		errCh <- err
	}()

	call := cs.readCall()

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrCallTimeout) {
			t.Fatalf("err = %v, want ErrCallTimeout", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call did not time out")
	}

	// The reply arriving after the deadline is dropped, not misdelivered.
	cs.reply(call.UniqueID, &protocol.HeartbeatConfirmation{CurrentTime: time.Now().UTC()})
	heartbeat(t, cp, cs)
}

func TestServerCallDispatchedToHandler(t *testing.T) {
	received := make(chan protocol.ChangeConfigurationRequest, 1)
	_, cs := startChargePoint(t, WithHandler(protocol.ActionChangeConfiguration,
		func(ctx context.Context, payload json.RawMessage) (any, error) {
			var req protocol.ChangeConfigurationRequest
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
			received <- req
			return &protocol.ChangeConfigurationConfirmation{Status: protocol.ConfigurationAccepted}, nil
		}))

	call, err := protocol.NewCall("srv-1", protocol.ActionChangeConfiguration,
		&protocol.ChangeConfigurationRequest{Key: "LightIntensity", Value: "80"})
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	cs.send(call)

	msg := cs.read()
	result, ok := msg.(*protocol.CallResult)
	if !ok {
		t.Fatalf("central read %T, want *protocol.CallResult", msg)
	}
	if result.UniqueID != "srv-1" {
		t.Fatalf("uniqueID = %q, want srv-1", result.UniqueID)
	}
	var conf protocol.ChangeConfigurationConfirmation
	if err := json.Unmarshal(result.Payload, &conf); err != nil {
		t.Fatalf("unmarshal confirmation: %v", err)
	}
	if conf.Status != protocol.ConfigurationAccepted {
		t.Fatalf("status = %s, want Accepted", conf.Status)
	}

	select {
	case req := <-received:
		if req.Key != "LightIntensity" || req.Value != "80" {
			t.Fatalf("handler saw %+v", req)
		}
	default:
		t.Fatal("handler did not run")
	}
}

func TestUnknownServerActionRejected(t *testing.T) {
	_, cs := startChargePoint(t)

	call, err := protocol.NewCall("srv-2", protocol.Action("ClearCache"), nil)
	if err != nil {
		t.Fatalf("build call: %v", err)
	}
	cs.send(call)

	msg := cs.read()
	cerr, ok := msg.(*protocol.CallError)
	if !ok {
		t.Fatalf("central read %T, want *protocol.CallError", msg)
	}
	if cerr.UniqueID != "srv-2" || cerr.Code != protocol.ErrorNotImplemented {
		t.Fatalf("reply = %+v, want NotImplemented for srv-2", cerr)
	}
}

func TestHandlerErrorRejectsRequestOnly(t *testing.T) {
	cp, cs := startChargePoint(t)
	cp.RegisterHandler("Reset", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, protocol.NewCallError(protocol.ErrorNotSupported, "resets disabled")
	})
	cp.RegisterHandler("UnlockConnector", func(ctx context.Context, payload json.RawMessage) (any, error) {
		return nil, errors.New("actuator jammed")
	})

	call, _ := protocol.NewCall("srv-3", "Reset", nil)
	cs.send(call)
	cerr, ok := cs.read().(*protocol.CallError)
	if !ok || cerr.Code != protocol.ErrorNotSupported {
		t.Fatalf("reply = %+v, want NotSupported", cerr)
	}

	call, _ = protocol.NewCall("srv-4", "UnlockConnector", nil)
	cs.send(call)
	cerr, ok = cs.read().(*protocol.CallError)
	if !ok || cerr.Code != protocol.ErrorInternal {
		t.Fatalf("reply = %+v, want InternalError", cerr)
	}

	heartbeat(t, cp, cs)
}

func TestCloseFailsPendingCall(t *testing.T) {
	cp, cs := startChargePoint(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := cp.Heartbeat(context.Background())
		errCh <- err
	}()
	cs.readCall()

	if err := cp.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	select {
	case err := <-errCh:
		if !errors.Is(err, pkg.ErrSessionClosed) {
			t.Fatalf("err = %v, want ErrSessionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending call did not fail")
	}

	select {
	case <-cp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not close")
	}
	cs.expectEOF()

	if _, err := cp.Heartbeat(context.Background()); !errors.Is(err, pkg.ErrSessionClosed) {
		t.Fatalf("call after close = %v, want ErrSessionClosed", err)
	}
	if err := cp.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestServerDisconnectClosesDone(t *testing.T) {
	cp, cs := startChargePoint(t)

	if err := cs.conn.Close(); err != nil {
		t.Fatalf("close central end: %v", err)
	}

	select {
	case <-cp.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done did not close after server disconnect")
	}

	if _, err := cp.Heartbeat(context.Background()); !errors.Is(err, pkg.ErrSessionClosed) {
		t.Fatalf("call after disconnect = %v, want ErrSessionClosed", err)
	}
}
