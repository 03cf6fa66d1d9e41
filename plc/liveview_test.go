package plc

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"
)

func TestLiveViewEndpoints(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	start, err := engine.AddDigitalInput(1, "start")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	start.Activate()

	if err := engine.EnableLiveView("127.0.0.1:0"); err != nil {
		t.Fatalf("enable live view: %v", err)
	}
	defer engine.Close()

	base := fmt.Sprintf("http://%s", engine.LiveViewAddress())

	resp, err := http.Get(base + "/api/state")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("state status = %d", resp.StatusCode)
	}
	var snap Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if snap.State != "idle" {
		t.Fatalf("state = %s, want idle", snap.State)
	}
	if len(snap.DigitalIn) != 1 || snap.DigitalIn[0].Value != true {
		t.Fatalf("digital inputs = %+v", snap.DigitalIn)
	}

	resp, err = http.Get(base + "/api/points/digital_in/start")
	if err != nil {
		t.Fatalf("get point: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("point status = %d", resp.StatusCode)
	}
	var point PointSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&point); err != nil {
		t.Fatalf("decode point: %v", err)
	}
	if point.Address != "1_01" {
		t.Fatalf("address = %s, want 1_01", point.Address)
	}

	resp, err = http.Get(base + "/api/points/digital_in/missing")
	if err != nil {
		t.Fatalf("get missing point: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing point status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(base + "/healthz")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d, want 200", resp.StatusCode)
	}

	resp, err = http.Get(base + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", resp.StatusCode)
	}
}

func TestLiveViewHealthAfterTermination(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	if err := engine.EnableLiveView("127.0.0.1:0"); err != nil {
		t.Fatalf("enable live view: %v", err)
	}
	defer engine.Close()

	engine.terminate(CauseStop)

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", engine.LiveViewAddress()))
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("health status = %d, want 503", resp.StatusCode)
	}
}

func TestEnableLiveViewTwiceFails(t *testing.T) {
	engine := newTestEngine(t, &fakeClient{})
	if err := engine.EnableLiveView("127.0.0.1:0"); err != nil {
		t.Fatalf("enable live view: %v", err)
	}
	defer engine.Close()

	if err := engine.EnableLiveView("127.0.0.1:0"); err == nil {
		t.Fatalf("expected second enable to fail")
	}
}
