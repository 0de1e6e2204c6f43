package metrics

import "testing"

func TestRegisterCoreMetrics(t *testing.T) {
	reg := NewRegistry()
	RegisterCoreMetrics(reg)
	CallCounter.WithLabelValues("success").Inc()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "warden_rpc_calls_total" {
			found = true
		}
	}
	if !found {
		t.Fatal("warden_rpc_calls_total not registered")
	}
}
