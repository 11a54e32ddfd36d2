// Package ingest defines the domain types, errors, and interfaces shared by
// the event ingestion pipeline: fetchers, extractors, the enricher, stores,
// and the run controller.
package ingest
