package host

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/unitlink/unitlink/pkg/capability"
	"github.com/unitlink/unitlink/pkg/protocol"
	"github.com/unitlink/unitlink/pkg/provision"
	"github.com/unitlink/unitlink/pkg/unit"
	"github.com/unitlink/unitlink/pkg/unit/hw"
)

// startAgent runs a real unit agent on the far end of a pipe and hands
// back the host session talking to it.
func startAgent(t *testing.T, hasFactory bool, kinds ...capability.Kind) (*Session, *hw.Sim, <-chan error) {
	t.Helper()

	store, err := provision.Open(filepath.Join(t.TempDir(), "unit.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if hasFactory {
		err := store.Write(ctx, provision.PartitionFactory,
			map[string]any{capability.FieldUnitID: "ENV-0042"})
		if err != nil {
			t.Fatal(err)
		}
	}

	sim := hw.NewSim("02:aa:bb:cc:dd:ee")
	agent, err := unit.NewAgent(ctx, unit.Config{
		Manifest:       capability.Build("env-sensor", "bench-unit", "unitlink-sim", "1.4.2", kinds),
		Store:          store,
		Bank:           sim.Bank(),
		EntryWindow:    10 * time.Second,
		BeaconInterval: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}

	hostConn, unitConn := net.Pipe()
	errCh := make(chan error, 1)
	go func() {
		errCh <- agent.Run(ctx, unitConn)
		_ = unitConn.Close()
	}()

	sess := NewSession("bench", hostConn)
	t.Cleanup(func() { _ = sess.Close() })
	return sess, sim, errCh
}

func connect(t *testing.T, sess *Session) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		t.Fatalf("entry handshake: %v", err)
	}
}

func TestConnect_FreshUnit(t *testing.T) {
	sess, _, _ := startAgent(t, false, capability.KindWifi)

	connect(t, sess)
	if sess.State() != StateConnected {
		t.Fatalf("state = %v, want connected", sess.State())
	}

	// Fresh units beacon from the start; the session should have one.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if b, _ := sess.LastBeacon(); b != nil {
			if b.Provisioned {
				t.Error("fresh unit must beacon provisioned=false")
			}
			if b.DeviceType != "env-sensor" {
				t.Errorf("device_type = %q", b.DeviceType)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no beacon received from fresh unit")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestConnect_ProvisionedUnit(t *testing.T) {
	sess, _, _ := startAgent(t, true, capability.KindWifi)

	connect(t, sess)

	status, err := sess.Status(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if status["unit_id"] != "ENV-0042" {
		t.Errorf("unit_id = %v", status["unit_id"])
	}
	if status["mode"] != "interactive" {
		t.Errorf("mode = %v", status["mode"])
	}
}

func TestEndToEnd_FactoryFlow(t *testing.T) {
	sess, _, _ := startAgent(t, false, capability.KindWifi, capability.KindEnvironment)
	ctx := context.Background()

	connect(t, sess)

	manifest, err := sess.Capabilities(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !manifest.Has("wifi") || manifest.Has("ble") {
		t.Fatalf("manifest presence wrong: %v", manifest.Present)
	}

	derived, err := sess.ProvisionFactory(ctx, map[string]any{
		"unit_id": "ENV-0042",
		"wifi":    map[string]any{"region": "EU"},
	})
	if err != nil {
		t.Fatal(err)
	}
	wifi, ok := derived["wifi"].(map[string]any)
	if !ok || wifi["setup_ssid"] != "UL-SETUP-0042" {
		t.Errorf("derived credentials = %v", derived)
	}

	status, err := sess.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	group, ok := status["wifi"].(map[string]any)
	if !ok || group["region"] != "EU" {
		t.Errorf("status wifi group = %v", status["wifi"])
	}

	resp, err := sess.RunTest(ctx, "wifi", "scan", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() {
		t.Fatalf("scan: %s (%s)", resp.ErrorCode(), resp.Message)
	}

	// Leaving service mode works now that the unit is provisioned, and
	// afterwards the unit refuses further commands.
	if err := sess.ExitServiceMode(ctx); err != nil {
		t.Fatal(err)
	}
	_, err = sess.Status(ctx)
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) || cmdErr.Code != protocol.CodeNotInServiceMode {
		t.Fatalf("status after exit: got %v, want not_in_service_mode", err)
	}
}

func TestCommandError_Validation(t *testing.T) {
	sess, _, _ := startAgent(t, true, capability.KindWifi)
	ctx := context.Background()

	connect(t, sess)

	_, err := sess.ProvisionConsumer(ctx, map[string]any{
		"wifi": map[string]any{"psk": "hunter2hunter2"},
	})
	var cmdErr *CommandError
	if !errors.As(err, &cmdErr) {
		t.Fatalf("expected CommandError, got %v", err)
	}
	if cmdErr.Code != protocol.CodeMissingFields {
		t.Errorf("code = %q, want missing_fields", cmdErr.Code)
	}
}

func TestRunAllTests_OrderAndContinuation(t *testing.T) {
	sess, _, _ := startAgent(t, true, capability.KindWifi)
	ctx := context.Background()

	connect(t, sess)

	// wifi advertises scan then connect; connect fails without params but
	// the run records it and keeps going.
	results, err := sess.RunAllTests(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	if results[0].Test != "scan" || results[1].Test != "connect" {
		t.Errorf("order = %s, %s; want scan, connect", results[0].Test, results[1].Test)
	}
	if !results[0].Passed {
		t.Errorf("scan should pass: %+v", results[0])
	}
	if results[1].Passed || results[1].ErrorCode != protocol.CodeMissingFields {
		t.Errorf("parameterless connect should fail validation: %+v", results[1])
	}
}

func TestReset_ConsumerConfirmed(t *testing.T) {
	sess, _, errCh := startAgent(t, true, capability.KindWifi)
	ctx := context.Background()

	connect(t, sess)

	assumed, err := sess.Reset(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if assumed {
		t.Error("confirmation arrived before the reboot; assumed must be false")
	}

	// The agent ends its boot cycle right after the confirmation.
	select {
	case agentErr := <-errCh:
		if !errors.Is(agentErr, unit.ErrRebootRequested) {
			t.Errorf("agent exit = %v, want ErrRebootRequested", agentErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not end its boot cycle after reset")
	}
}

// scriptedPeer gives a test manual control of the unit side of the pipe.
type scriptedPeer struct {
	conn net.Conn
	dec  *protocol.Decoder
	enc  *protocol.Encoder
}

func newScriptedPeer(t *testing.T) (*Session, *scriptedPeer) {
	t.Helper()
	hostConn, peerConn := net.Pipe()
	sess := NewSession("scripted", hostConn)
	t.Cleanup(func() { _ = sess.Close() })
	t.Cleanup(func() { _ = peerConn.Close() })
	return sess, &scriptedPeer{
		conn: peerConn,
		dec:  protocol.NewDecoder(peerConn),
		enc:  protocol.NewEncoder(peerConn),
	}
}

// drain consumes host-side writes so the pipe never blocks.
func (p *scriptedPeer) drain() {
	go func() {
		for {
			if _, err := p.dec.Next(); err != nil {
				return
			}
		}
	}()
}

func TestDo_ContextDeadline(t *testing.T) {
	sess, peer := newScriptedPeer(t)
	peer.drain()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := sess.Do(ctx, protocol.Request{Cmd: protocol.CmdGetStatus}, ClassShort)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want context deadline", err)
	}
}

func TestReadLoop_DiscardsUnmatchedResponse(t *testing.T) {
	sess, peer := newScriptedPeer(t)

	// A stale response for an id nobody is waiting on must be swallowed.
	if err := peer.enc.Encode(protocol.OKResponse("stale-id", nil)); err != nil {
		t.Fatal(err)
	}

	// Answer the next real request by echoing its id.
	go func() {
		for {
			ev, err := peer.dec.Next()
			if err != nil {
				return
			}
			if !ev.IsMessage() {
				continue
			}
			req, perr := protocol.ParseRequest(ev.Message)
			if perr != nil || req.ID == "" {
				continue
			}
			_ = peer.enc.Encode(protocol.OKResponse(req.ID, map[string]any{"mode": "interactive"}))
			return
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := sess.Do(ctx, protocol.Request{Cmd: protocol.CmdGetStatus}, ClassShort)
	if err != nil {
		t.Fatalf("the stale response must not poison the stream: %v", err)
	}
	if !resp.OK() {
		t.Errorf("unexpected response: %v", resp)
	}
}

func TestSession_CloseFailsPending(t *testing.T) {
	sess, peer := newScriptedPeer(t)
	peer.drain()

	errCh := make(chan error, 1)
	go func() {
		_, err := sess.Do(context.Background(), protocol.Request{Cmd: protocol.CmdGetStatus}, ClassShort)
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	_ = sess.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("got %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request did not fail on close")
	}
}

func TestPeerDisconnect_MarksUnreachable(t *testing.T) {
	sess, peer := newScriptedPeer(t)
	peer.drain()

	_ = peer.conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for sess.State() != StateUnreachable {
		if time.Now().After(deadline) {
			t.Fatalf("state = %v, want unreachable", sess.State())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
