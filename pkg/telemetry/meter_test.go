// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package telemetry_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nitrokv/nitrokv-go/pkg/telemetry"
)

func TestMeter_DisabledByDefault_RecordsNothing(t *testing.T) {
	m := telemetry.NewMeter()
	m.RecordLatency("node-1", "bucket", telemetry.LatencyKVRetrieval, 5)
	require.Empty(t, m.Report())
}

func TestMeter_Enabled_RecordsLatencyHistogramAndCounters(t *testing.T) {
	m := telemetry.NewMeter()
	m.Enable()

	m.RecordLatency("node-1", "bucket", telemetry.LatencyKVRetrieval, 5)
	m.RecordLatency("node-1", "bucket", telemetry.LatencyKVRetrieval, 2000)
	m.RecordTotal("node-1", "bucket", telemetry.ServiceKV)
	m.RecordTimedOut("node-1", "bucket", telemetry.ServiceKV)

	report := string(m.Report())
	require.Contains(t, report, `kind="kv_retrieval"`)
	require.Contains(t, report, `sdk_op_latency_count{node_uuid="node-1",bucket_name="bucket",kind="kv_retrieval"} 2`)
	require.Contains(t, report, `outcome="total",service="kv"} 1`)
	require.Contains(t, report, `outcome="timedout",service="kv"} 1`)
}

func TestMeter_Report_SortsDeterministically(t *testing.T) {
	m := telemetry.NewMeter()
	m.Enable()
	m.RecordTotal("node-b", "bucket", telemetry.ServiceQuery)
	m.RecordTotal("node-a", "bucket", telemetry.ServiceQuery)

	report := string(m.Report())
	idxA := strings.Index(report, `node_uuid="node-a"`)
	idxB := strings.Index(report, `node_uuid="node-b"`)
	require.GreaterOrEqual(t, idxA, 0)
	require.GreaterOrEqual(t, idxB, 0)
	require.Less(t, idxA, idxB)
}

func TestMeter_DisableStopsFurtherRecording(t *testing.T) {
	m := telemetry.NewMeter()
	m.Enable()
	m.RecordTotal("node-1", "bucket", telemetry.ServiceKV)
	m.Disable()
	m.RecordTotal("node-1", "bucket", telemetry.ServiceKV)

	report := string(m.Report())
	require.Contains(t, report, `outcome="total",service="kv"} 1`) // still 1, second record dropped
}
