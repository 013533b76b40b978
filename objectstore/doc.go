// Package objectstore archives terminal execution output to S3.
//
// When a bucket is configured, the orchestrator hands every terminal
// record's logs (and any collected artifacts) to the archiver as a
// best-effort background write. The same client answers the object-store
// health probe with a HeadBucket round trip.
package objectstore
