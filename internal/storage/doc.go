package storage

// Package storage provides the persistence layer used by the app.
//
// It currently supports:
//   - Schedule template snapshots (restored on startup)
//   - An append-only archive of finished jobs
