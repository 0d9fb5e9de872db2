/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, m *Metrics) map[string]*dto.MetricFamily {
	t.Helper()
	fams, err := m.registry.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	out := make(map[string]*dto.MetricFamily, len(fams))
	for _, f := range fams {
		out[f.GetName()] = f
	}
	return out
}

func TestCountersCarryLabels(t *testing.T) {
	m := New()
	m.ActivitiesTotal.WithLabelValues("interaction", "high").Inc()
	m.ActivitiesTotal.WithLabelValues("interaction", "high").Inc()
	m.FreezesTotal.WithLabelValues("agent").Inc()

	fams := gather(t, m)
	f, ok := fams["overseer_activities_total"]
	if !ok {
		t.Fatal("activities_total not registered")
	}
	metric := f.GetMetric()[0]
	if got := metric.GetCounter().GetValue(); got != 2 {
		t.Fatalf("activities counter %v, want 2", got)
	}
	labels := map[string]string{}
	for _, l := range metric.GetLabel() {
		labels[l.GetName()] = l.GetValue()
	}
	if labels["type"] != "interaction" || labels["risk_level"] != "high" {
		t.Fatalf("labels %v", labels)
	}

	if _, ok := fams["overseer_freezes_total"]; !ok {
		t.Fatal("freezes_total not registered")
	}
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.AgentsByStatus.WithLabelValues("active").Set(3)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `overseer_agents{status="active"} 3`) {
		t.Fatalf("exposition missing gauge:\n%s", body)
	}
}
