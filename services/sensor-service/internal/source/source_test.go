package source

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
)

func TestSimulatorIsSeedable(t *testing.T) {
	a := NewSimulator(SimulatorConfig{Seed: 42})
	b := NewSimulator(SimulatorConfig{Seed: 42})
	for i := 0; i < 15; i++ {
		sa, sb := a.Next(), b.Next()
		if sa.Vibration != sb.Vibration || sa.Temperature != sb.Temperature {
			t.Fatalf("tick %d diverged: %+v vs %+v", i, sa, sb)
		}
	}
}

func TestSimulatorDriftsIntoFault(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: 7, HealthyTicks: 10})
	var healthyVib, faultyVib float64
	for i := 0; i < 10; i++ {
		s := sim.Next()
		if s.MachineID != "MAC-101" {
			t.Fatalf("expected default machine, got %q", s.MachineID)
		}
		healthyVib += s.Vibration
	}
	for i := 0; i < 10; i++ {
		faultyVib += sim.Next().Vibration
	}
	// Means of 20 and 85 with small spread; averages sit far from the 80 limit.
	if healthyVib/10 > 40 {
		t.Fatalf("expected healthy phase near 20, got mean %v", healthyVib/10)
	}
	if faultyVib/10 < 70 {
		t.Fatalf("expected fault phase near 85, got mean %v", faultyVib/10)
	}
}

func TestSimulatorRunStopsOnCancel(t *testing.T) {
	sim := NewSimulator(SimulatorConfig{Seed: 1, Interval: time.Millisecond})
	out := make(chan Sample, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx, out) }()

	for i := 0; i < 3; i++ {
		select {
		case <-out:
		case <-time.After(2 * time.Second):
			t.Fatalf("expected sample %d", i)
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("simulator did not stop")
	}
}

func TestOPCUAConfigValidation(t *testing.T) {
	if _, err := NewOPCUASource(OPCUAConfig{MachineID: "MAC-101"}, nil); err == nil {
		t.Fatalf("expected missing endpoint error")
	}
	if _, err := NewOPCUASource(OPCUAConfig{Endpoint: "opc.tcp://plc:4840", MachineID: "MAC-101", VibrationNode: "ns=2;s=Vib"}, nil); err == nil {
		t.Fatalf("expected missing temperature node error")
	}
}

func TestOPCUAApplyPairsTags(t *testing.T) {
	src, err := NewOPCUASource(OPCUAConfig{
		Endpoint:        "opc.tcp://plc:4840",
		MachineID:       "MAC-101",
		VibrationNode:   "ns=2;s=Vib",
		TemperatureNode: "ns=2;s=Temp",
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	first := src.apply(&ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{
		{ClientHandle: handleVibration, Value: &ua.DataValue{Value: ua.MustVariant(float32(85)), SourceTimestamp: ts}},
	}})
	if len(first) != 0 {
		t.Fatalf("expected no sample before both tags report, got %+v", first)
	}

	second := src.apply(&ua.DataChangeNotification{MonitoredItems: []*ua.MonitoredItemNotification{
		{ClientHandle: handleTemperature, Value: &ua.DataValue{Value: ua.MustVariant(float64(95)), SourceTimestamp: ts}},
		{ClientHandle: 99, Value: &ua.DataValue{Value: ua.MustVariant(float64(1))}},
		{ClientHandle: handleVibration, Value: &ua.DataValue{Value: ua.MustVariant("not a number")}},
	}})
	if len(second) != 1 {
		t.Fatalf("expected 1 sample, got %d", len(second))
	}
	got := second[0]
	if got.Vibration != 85 || got.Temperature != 95 || !got.Timestamp.Equal(ts) || got.MachineID != "MAC-101" {
		t.Fatalf("unexpected sample: %+v", got)
	}
}

func TestVariantToFloat(t *testing.T) {
	if v, ok := variantToFloat(ua.MustVariant(int32(12))); !ok || v != 12 {
		t.Fatalf("expected 12, got %v ok=%v", v, ok)
	}
	if _, ok := variantToFloat(nil); ok {
		t.Fatalf("expected nil variant to be rejected")
	}
	if _, ok := variantToFloat(ua.MustVariant(true)); ok {
		t.Fatalf("expected bool variant to be rejected")
	}
}
