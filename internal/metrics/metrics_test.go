package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()

	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatal(err)
	}
	return m.GetCounter().GetValue()
}

func TestAddForwardBytes(t *testing.T) {
	up := counterValue(t, ForwardBytesTotal.WithLabelValues("up"))
	down := counterValue(t, ForwardBytesTotal.WithLabelValues("down"))

	AddForwardBytes(10, 25)

	if got := counterValue(t, ForwardBytesTotal.WithLabelValues("up")) - up; got != 10 {
		t.Fatalf("up delta = %v", got)
	}
	if got := counterValue(t, ForwardBytesTotal.WithLabelValues("down")) - down; got != 25 {
		t.Fatalf("down delta = %v", got)
	}
}
