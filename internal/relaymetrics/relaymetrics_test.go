package relaymetrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestNewMetricsRegistersAndIncrements(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.FramesSent.Inc()
	m.FramesSent.Inc()
	m.CryptoAuthFailures.Inc()
	m.FramesDropped.WithLabelValues("truncated").Inc()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var sawSent, sawCrypto, sawDropped bool
	for _, mf := range mfs {
		switch mf.GetName() {
		case "relay_frames_sent_total":
			sawSent = true
			if got := mf.Metric[0].GetCounter().GetValue(); got != 2 {
				t.Errorf("frames_sent = %v, want 2", got)
			}
		case "relay_crypto_auth_failures_total":
			sawCrypto = true
			if got := mf.Metric[0].GetCounter().GetValue(); got != 1 {
				t.Errorf("crypto_auth_failures = %v, want 1", got)
			}
		case "relay_frames_dropped_total":
			sawDropped = true
		}
	}
	if !sawSent || !sawCrypto || !sawDropped {
		t.Fatalf("missing expected metric families: sent=%v crypto=%v dropped=%v", sawSent, sawCrypto, sawDropped)
	}
}

type fakeStatsSource struct {
	rooms map[uint64]RoomStats
}

func (f fakeStatsSource) RoomCount() int { return len(f.rooms) }
func (f fakeStatsSource) RoomStats() map[uint64]RoomStats { return f.rooms }

func TestGaugeCollectorPollsSource(t *testing.T) {
	reg := prometheus.NewRegistry()
	src := fakeStatsSource{rooms: map[uint64]RoomStats{
		42: {Objects: 3, AttachedMembers: 2, ConnectedMembers: 2},
	}}
	reg.MustRegister(NewGaugeCollector(src))

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	found := map[string]*dto.MetricFamily{}
	for _, mf := range mfs {
		found[mf.GetName()] = mf
	}

	rooms, ok := found["relay_rooms"]
	if !ok || rooms.Metric[0].GetGauge().GetValue() != 1 {
		t.Fatalf("expected relay_rooms=1, got %+v", rooms)
	}
	objects, ok := found["relay_objects"]
	if !ok || objects.Metric[0].GetGauge().GetValue() != 3 {
		t.Fatalf("expected relay_objects=3, got %+v", objects)
	}
}
