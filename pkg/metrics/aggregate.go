// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metrics

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"text/tabwriter"
	"time"
)

// Summary describes all events sharing a category and name.
type Summary struct {
	Category string
	Name     string
	Count    int
	Failures int
	Bytes    int64
	Min      time.Duration
	Max      time.Duration
	Mean     time.Duration
	P50      time.Duration
	P95      time.Duration
	P99      time.Duration
	// Errors counts failures by their error detail.
	Errors map[string]int
}

// SuccessRate is the fraction of events that succeeded, in [0, 1].
func (s Summary) SuccessRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Count-s.Failures) / float64(s.Count)
}

type seriesKey struct {
	category string
	name     string
}

type series struct {
	durations []time.Duration
	failures  int
	bytes     int64
	errors    map[string]int
}

// Aggregator is an in-memory Sink that summarizes events per phase.
type Aggregator struct {
	mu     sync.Mutex
	series map[seriesKey]*series
}

// NewAggregator creates an empty Aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{series: make(map[seriesKey]*series)}
}

// Record implements Sink.
func (a *Aggregator) Record(ev Event) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	k := seriesKey{ev.Category, ev.Name}
	s, ok := a.series[k]
	if !ok {
		s = &series{errors: make(map[string]int)}
		a.series[k] = s
	}
	s.durations = append(s.durations, ev.Duration)
	s.bytes += int64(ev.PayloadSize)
	if ev.Failed() {
		s.failures++
		s.errors[ev.Error]++
	}
	return nil
}

// Summaries returns one Summary per phase, sorted by category then name.
func (a *Aggregator) Summaries() []Summary {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Summary, 0, len(a.series))
	for k, s := range a.series {
		sorted := append([]time.Duration(nil), s.durations...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		var total time.Duration
		for _, d := range sorted {
			total += d
		}
		sum := Summary{
			Category: k.category,
			Name:     k.name,
			Count:    len(sorted),
			Failures: s.failures,
			Bytes:    s.bytes,
			Errors:   make(map[string]int, len(s.errors)),
		}
		for reason, n := range s.errors {
			sum.Errors[reason] = n
		}
		if len(sorted) > 0 {
			sum.Min = sorted[0]
			sum.Max = sorted[len(sorted)-1]
			sum.Mean = total / time.Duration(len(sorted))
			sum.P50 = percentile(sorted, 50)
			sum.P95 = percentile(sorted, 95)
			sum.P99 = percentile(sorted, 99)
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// percentile uses the nearest-rank method on an ascending slice.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}

// WriteReport prints the summaries as an aligned table.
func WriteReport(w io.Writer, summaries []Summary) error {
	tw := tabwriter.NewWriter(w, 2, 2, 2, ' ', 0)
	fmt.Fprintln(tw, "CATEGORY\tNAME\tCOUNT\tFAIL\tSUCCESS\tMIN\tMEAN\tP50\tP95\tP99\tMAX\tBYTES")
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%.1f%%\t%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
			s.Category, s.Name, s.Count, s.Failures, s.SuccessRate()*100,
			fmtDuration(s.Min), fmtDuration(s.Mean), fmtDuration(s.P50),
			fmtDuration(s.P95), fmtDuration(s.P99), fmtDuration(s.Max), s.Bytes)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	header := false
	for _, s := range summaries {
		reasons := make([]string, 0, len(s.Errors))
		for r := range s.Errors {
			reasons = append(reasons, r)
		}
		sort.Strings(reasons)
		for _, r := range reasons {
			if !header {
				if _, err := fmt.Fprintln(w, "\nFAILURES"); err != nil {
					return err
				}
				header = true
			}
			if _, err := fmt.Fprintf(w, "  %s: %dx %s\n", s.Name, s.Errors[r], r); err != nil {
				return err
			}
		}
	}
	return nil
}

func fmtDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
}
