package otel

import (
	"context"
	"strings"
	"testing"
)

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "stablefid"})
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := Init(context.Background(), Config{Traces: true}); err == nil {
		t.Fatalf("expected error without service name")
	}
}

func TestParseHeaders(t *testing.T) {
	got := ParseHeaders(" authorization=Bearer x , bad, =empty,tenant=sf ")
	if len(got) != 2 || got["authorization"] != "Bearer x" || got["tenant"] != "sf" {
		t.Fatalf("unexpected headers %v", got)
	}
}

func TestSamplerHonoursRatio(t *testing.T) {
	cases := map[float64]string{
		0:    "AlwaysOnSampler",
		1:    "AlwaysOnSampler",
		0.25: "TraceIDRatioBased{0.25}",
	}
	for ratio, want := range cases {
		desc := Config{SampleRatio: ratio}.sampler().Description()
		if !strings.Contains(desc, want) {
			t.Fatalf("ratio %v: sampler %q does not contain %q", ratio, desc, want)
		}
	}
}

func TestResourceCarriesChain(t *testing.T) {
	res, err := newResource(Config{ServiceName: "stablefid", Environment: "dev", ChainID: 7})
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	var chain int64
	for _, kv := range res.Attributes() {
		if kv.Key == "stablefi.chain_id" {
			chain = kv.Value.AsInt64()
		}
	}
	if chain != 7 {
		t.Fatalf("chain attribute = %d", chain)
	}
}
