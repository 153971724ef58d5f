package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegister(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	RegisterSessions(reg, func() int { return 3 })

	SendTotal.WithLabelValues("sent").Inc()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{"wpphub_send_total", "wpphub_sessions_live", "go_goroutines"} {
		if !names[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}

	expected := `
# HELP wpphub_sessions_live Connection handles in the registry.
# TYPE wpphub_sessions_live gauge
wpphub_sessions_live 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "wpphub_sessions_live"); err != nil {
		t.Error(err)
	}
}
