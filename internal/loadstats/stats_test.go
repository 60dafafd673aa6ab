package loadstats

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		in   []time.Duration
		want Summary
	}{
		{"empty", nil, Summary{}},
		{"single", []time.Duration{ms(7)}, Summary{N: 1, Avg: ms(7), P50: ms(7), P95: ms(7), P99: ms(7), Max: ms(7)}},
		{
			"unsorted",
			[]time.Duration{ms(4), ms(1), ms(3), ms(2)},
			Summary{N: 4, Avg: 2500 * time.Microsecond, P50: ms(3), P95: ms(4), P99: ms(4), Max: ms(4)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.in); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSummarize_Hundred(t *testing.T) {
	in := make([]time.Duration, 0, 100)
	for i := 100; i >= 1; i-- {
		in = append(in, ms(i))
	}
	s := Summarize(in)
	if s.P50 != ms(51) || s.P95 != ms(95) || s.P99 != ms(99) || s.Max != ms(100) {
		t.Errorf("unexpected percentiles %+v", s)
	}
	if in[0] != ms(100) {
		t.Error("input must not be reordered")
	}
}

func TestCollector_ConcurrentAndReport(t *testing.T) {
	c := NewCollector()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c.AddConnect(ms(i))
			c.AddUpdate()
			c.AddFanout(-ms(1))
			if i%10 == 0 {
				c.AddError()
			}
		}(i)
	}
	wg.Wait()

	if c.ConnectionCount() != 20 || c.ErrorCount() != 2 {
		t.Fatalf("connections=%d errors=%d", c.ConnectionCount(), c.ErrorCount())
	}

	var buf bytes.Buffer
	c.Report(&buf)
	out := buf.String()
	for _, want := range []string{"Connections:  20", "Updates sent: 20", "Errors:       2", "--- Fan-out Latency ---", "max: 0s"} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}
