package kmetrics_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"vmkernel/kmetrics"
)

func TestRegistryCountersIncrementByLabel(t *testing.T) {
	r := kmetrics.NewRegistry()

	r.FaultHandled("demand_zero")
	r.FaultHandled("demand_zero")
	r.FaultHandled("cow")
	r.SafetyViolation("buffer_overflow")
	r.TLBShootdown(3)
	r.LiveVMAs(5)

	expected := `
# HELP vmkernel_faults_total Page faults handled, by resolution kind.
# TYPE vmkernel_faults_total counter
vmkernel_faults_total{kind="cow"} 1
vmkernel_faults_total{kind="demand_zero"} 2
`
	require.NoError(t, testutil.GatherAndCompare(r.Gatherer(), strings.NewReader(expected), "vmkernel_faults_total"))
}

func TestDiscardRecorderAcceptsEveryCall(t *testing.T) {
	rec := kmetrics.Discard()
	rec.FaultHandled("demand_zero")
	rec.TLBShootdown(1)
	rec.SafetyViolation("null_deref")
	rec.LiveVMAs(2)
}
