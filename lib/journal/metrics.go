package journal

import (
	"fmt"
	"io"

	"github.com/VictoriaMetrics/metrics"
	"github.com/puzpuzpuz/xsync/v3"
)

// sets holds the metric sets of all open journals
var sets = xsync.NewMapOf[*metrics.Set, string]()

// WritePrometheus writes the metrics of every open journal in the prometheus text format.
func WritePrometheus(w io.Writer) {
	sets.Range(func(s *metrics.Set, _ string) bool {
		s.WritePrometheus(w)
		return true
	})
}

// journalMetrics holds the counters of one journal. They are exported by WritePrometheus
// as long as the journal is open.
type journalMetrics struct {
	set        *metrics.Set
	proposed   *metrics.Counter
	committed  *metrics.Counter
	rolledBack *metrics.Counter
	conflicts  *metrics.Counter
	fresh      *metrics.Counter
}

func newJournalMetrics(label string, inFlight func() float64) *journalMetrics {
	s := metrics.NewSet()
	name := func(metric string) string {
		return fmt.Sprintf(`rtable_journal_%s{journal=%q}`, metric, label)
	}
	m := &journalMetrics{
		set:        s,
		proposed:   s.NewCounter(name("proposed_total")),
		committed:  s.NewCounter(name("committed_total")),
		rolledBack: s.NewCounter(name("rolled_back_total")),
		conflicts:  s.NewCounter(name("write_conflicts_total")),
		fresh:      s.NewCounter(name("fresh_applies_total")),
	}
	s.NewGauge(name("in_flight"), inFlight)
	sets.Store(s, label)
	return m
}

func (m *journalMetrics) unregister() {
	sets.Delete(m.set)
}
