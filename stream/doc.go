// Package stream publishes execution lifecycle events over redis streams.
//
// Every status transition is appended to a stream so the marketplace can
// consume execution progress without polling the records API. Publication
// is best effort: a broker failure is logged, never surfaced into the
// transition itself. The same stream doubles as the broker whose per-topic
// consumer lag the metrics exposition reports.
package stream
