package metrics

import "testing"

// The counter names are an operational contract; renaming one breaks
// dashboards and alerts.
func TestCounterNamesAreStable(t *testing.T) {
	m := New("kaldb")

	want := map[string]bool{
		"kaldb_messages_received_total":                 false,
		"kaldb_messages_failed_total":                   false,
		"kaldb_rollovers_initiated_total":               false,
		"kaldb_rollovers_completed_total":               false,
		"kaldb_rollovers_failed_total":                  false,
		"kaldb_recovery_node_assignment_received_total": false,
		"kaldb_recovery_node_assignment_success_total":  false,
		"kaldb_recovery_node_assignment_failed_total":   false,
	}

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if _, ok := want[mf.GetName()]; ok {
			want[mf.GetName()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("contract counter %s is not registered", name)
		}
	}
}

func TestCountersStartAtZeroAndIncrement(t *testing.T) {
	m := New("kaldb_test")

	m.MessagesReceived.Inc()
	m.MessagesReceived.Inc()
	m.RolloversFailed.Inc()

	// Independent instances do not share state.
	other := New("kaldb_test")
	other.MessagesReceived.Inc()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		switch mf.GetName() {
		case "kaldb_test_messages_received_total":
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 2 {
				t.Errorf("messages_received = %v, want 2", v)
			}
		case "kaldb_test_rollovers_failed_total":
			if v := mf.GetMetric()[0].GetCounter().GetValue(); v != 1 {
				t.Errorf("rollovers_failed = %v, want 1", v)
			}
		}
	}
}
