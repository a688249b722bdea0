package metric

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openFixture(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Open(filepath.Join("testdata", name))
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestDecodeMetricsResponse(t *testing.T) {
	resp, err := DecodeResponse(openFixture(t, "metrics-response.xml"))
	require.NoError(t, err)
	require.False(t, resp.IsFault())

	root := resp.Metrics
	assert.Equal(t, "SERVER:FI/GOV/1710128-9/gdev-ss1", root.Name)
	require.Len(t, root.Children, 2)
	assert.Equal(t, Text{Name: "proxyVersion", Value: "6.16.0"}, root.Children[0])

	sys, ok := root.Children[1].(*Set)
	require.True(t, ok)
	assert.Equal(t, "systemMetrics", sys.Name)
	require.Len(t, sys.Children, 4)
	assert.Equal(t, Numeric{Name: "OpenFileDescriptorCount", Value: 331}, sys.Children[0])

	h, ok := sys.Children[1].(Histogram)
	require.True(t, ok)
	assert.Equal(t, time.Date(2017, 9, 21, 10, 1, 2, 345000000, time.UTC), h.Updated.UTC())
	assert.Equal(t, 1.0, h.Min)
	assert.Equal(t, 5.0, h.Max)
	assert.Equal(t, 1.5, h.Stddev)

	procs, ok := sys.Children[2].(*Set)
	require.True(t, ok)
	assert.Equal(t, "Processes", procs.NodeName())
	require.Len(t, procs.Children, 1)
}

func TestDecodeFaultResponse(t *testing.T) {
	resp, err := DecodeResponse(openFixture(t, "fault-response.xml"))
	require.NoError(t, err)
	require.True(t, resp.IsFault())
	assert.Equal(t, &Fault{
		Code:    "Server.ClientProxy.NetworkError",
		Message: "Could not connect to any target host",
	}, resp.Fault)
	assert.Equal(t, "Server.ClientProxy.NetworkError Could not connect to any target host", resp.Fault.String())
}

func TestDecodeRejectsMalformedResponses(t *testing.T) {
	cases := map[string]string{
		"not xml":          "this is not xml",
		"no body":          `<Envelope><Header/></Envelope>`,
		"empty body":       `<Envelope><Body></Body></Envelope>`,
		"wrong root":       `<Envelope><Body><somethingElse/></Body></Envelope>`,
		"no metric set":    `<Envelope><Body><getSecurityServerMetricsResponse/></Body></Envelope>`,
		"unnamed set":      `<Envelope><Body><getSecurityServerMetricsResponse><metricSet></metricSet></getSecurityServerMetricsResponse></Body></Envelope>`,
		"numeric no value": `<Envelope><Body><getSecurityServerMetricsResponse><metricSet><name>r</name><numericMetric><name>n</name></numericMetric></metricSet></getSecurityServerMetricsResponse></Body></Envelope>`,
		"numeric not num":  `<Envelope><Body><getSecurityServerMetricsResponse><metricSet><name>r</name><numericMetric><name>n</name><value>abc</value></numericMetric></metricSet></getSecurityServerMetricsResponse></Body></Envelope>`,
		"histogram no max": `<Envelope><Body><getSecurityServerMetricsResponse><metricSet><name>r</name><histogramMetric><name>h</name><updated>2017-09-21T10:01:02Z</updated><min>1</min><mean>1</mean><median>1</median><stddev>0</stddev></histogramMetric></metricSet></getSecurityServerMetricsResponse></Body></Envelope>`,
		"truncated":        `<Envelope><Body><getSecurityServerMetricsResponse><metricSet><name>r</name>`,
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeResponse(strings.NewReader(body))
			var ferr *FormatError
			assert.True(t, errors.As(err, &ferr), "expected FormatError, got %v", err)
		})
	}
}

func TestFaultFromError(t *testing.T) {
	f := FaultFromError(errors.New("dial tcp: connection refused"))
	assert.Equal(t, "Client dial tcp: connection refused", f.String())
}
