// Package api serves the REST surface: execution submit/cancel/retry/get/list,
// liveness, readiness and the metrics exposition.
//
// Every /api route passes through the rate-limit middleware, which stamps the
// X-RateLimit-* headers on allowed and rejected responses alike, and through
// the request-duration histogram feeding the metrics endpoint. Domain errors
// map to status codes at this boundary; handlers below it deal only in the
// execution package's error taxonomy.
package api
