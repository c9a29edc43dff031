// Package trail is the library API of the audit, versioning and retention
// engine. A Client built by Open records ledger events, captures and
// restores snapshots, rolls entities back and runs retention sweeps over
// the backends selected in config.Config.
//
// # Concurrency Safety
//
//   - All Client methods are safe for concurrent use.
//
//   - Appends to different chain scopes proceed in parallel. Appends to one
//     scope serialize on the scope's tip and are retried on conflict.
//
//   - Several processes may share one PostgreSQL store. Only one of them
//     sweeps at a time; the sweep lease must then use the redis or file
//     driver.
//
// # Recommended Usage Pattern
//
//	client, err := trail.Open(ctx, cfg, trail.Collaborators{
//	    StateReader: pages,
//	    Applier:     pages,
//	    Tiers:       billing,
//	})
//	defer client.Close(ctx)
//
//	// Before an AI edit: blocking safety-net capture.
//	client.CaptureSnapshot(ctx, trail.CaptureRequest{EntityID: id, Source: model.SourcePreAI})
//
//	// After every edit: audit entry, then a debounced auto capture.
//	entry, err := client.RecordEvent(ctx, draft)
//	client.TouchEntity(id, actor)
package trail
