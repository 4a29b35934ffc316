// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "flowtrack"

// DropSource reports events lost by the event hub.
type DropSource interface {
	Dropped() uint64
	Subscribers() int
}

type counterDesc struct {
	desc  *prometheus.Desc
	value func(s ConntrackStats) uint64
}

// Exporter is a prometheus.Collector that reads tracker statistics at
// scrape time.
type Exporter struct {
	source Source
	events DropSource

	entries      *prometheus.Desc
	max          *prometheus.Desc
	pending      *prometheus.Desc
	buckets      *prometheus.Desc
	expectations *prometheus.Desc
	counters     []counterDesc

	eventsDropped *prometheus.Desc
	subscribers   *prometheus.Desc
}

func counter(name, help string, value func(s ConntrackStats) uint64) counterDesc {
	return counterDesc{
		desc:  prometheus.NewDesc(prometheus.BuildFQName(namespace, "conntrack", name+"_total"), help, nil, nil),
		value: value,
	}
}

// NewExporter creates an exporter over source. events may be nil.
func NewExporter(source Source, events DropSource) *Exporter {
	gauge := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "conntrack", name), help, nil, nil)
	}
	e := &Exporter{
		source:       source,
		events:       events,
		entries:      gauge("entries", "Number of confirmed entries in the table"),
		max:          gauge("entries_max", "Configured maximum number of entries"),
		pending:      gauge("pending", "Number of unconfirmed entries"),
		buckets:      gauge("buckets", "Number of hash buckets"),
		expectations: gauge("expectations", "Number of live expectations"),
		counters: []counterDesc{
			counter("searched", "Table lookups", func(s ConntrackStats) uint64 { return s.Searched }),
			counter("found", "Lookups that found an entry", func(s ConntrackStats) uint64 { return s.Found }),
			counter("new", "Entries created", func(s ConntrackStats) uint64 { return s.New }),
			counter("invalid", "Packets that could not be tracked", func(s ConntrackStats) uint64 { return s.Invalid }),
			counter("ignore", "Packets already tracked at an earlier hook", func(s ConntrackStats) uint64 { return s.Ignore }),
			counter("insert", "Entries confirmed into the table", func(s ConntrackStats) uint64 { return s.Insert }),
			counter("insert_failed", "Confirmations that lost a race", func(s ConntrackStats) uint64 { return s.InsertFailed }),
			counter("drop", "Packets dropped because the table was full", func(s ConntrackStats) uint64 { return s.Drop }),
			counter("early_drop", "Entries evicted to make room", func(s ConntrackStats) uint64 { return s.EarlyDrop }),
			counter("delete", "Entries destroyed", func(s ConntrackStats) uint64 { return s.Delete }),
			counter("search_restart", "Lookups restarted after a lost race", func(s ConntrackStats) uint64 { return s.SearchRestart }),
			counter("expect_new", "Expectations consumed by a related flow", func(s ConntrackStats) uint64 { return s.ExpectNew }),
			counter("expect_create", "Expectations created", func(s ConntrackStats) uint64 { return s.ExpectCreate }),
			counter("expect_delete", "Expectations removed", func(s ConntrackStats) uint64 { return s.ExpectDelete }),
		},
	}
	if events != nil {
		e.eventsDropped = prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "dropped_total"),
			"Events lost because a subscriber fell behind", nil, nil)
		e.subscribers = prometheus.NewDesc(prometheus.BuildFQName(namespace, "events", "subscribers"),
			"Live event subscribers", nil, nil)
	}
	return e
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.entries
	ch <- e.max
	ch <- e.pending
	ch <- e.buckets
	ch <- e.expectations
	for _, c := range e.counters {
		ch <- c.desc
	}
	if e.events != nil {
		ch <- e.eventsDropped
		ch <- e.subscribers
	}
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	s := FromStats(e.source.Stats())
	ch <- prometheus.MustNewConstMetric(e.entries, prometheus.GaugeValue, float64(s.Current))
	ch <- prometheus.MustNewConstMetric(e.max, prometheus.GaugeValue, float64(s.Max))
	ch <- prometheus.MustNewConstMetric(e.pending, prometheus.GaugeValue, float64(s.Pending))
	ch <- prometheus.MustNewConstMetric(e.buckets, prometheus.GaugeValue, float64(s.HashSize))
	ch <- prometheus.MustNewConstMetric(e.expectations, prometheus.GaugeValue, float64(s.Expectations))
	for _, c := range e.counters {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.CounterValue, float64(c.value(s)))
	}
	if e.events != nil {
		ch <- prometheus.MustNewConstMetric(e.eventsDropped, prometheus.CounterValue, float64(e.events.Dropped()))
		ch <- prometheus.MustNewConstMetric(e.subscribers, prometheus.GaugeValue, float64(e.events.Subscribers()))
	}
}

// NewRegistry returns a registry holding the exporter and the standard
// process and Go runtime collectors.
func NewRegistry(source Source, events DropSource) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewExporter(source, events),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
