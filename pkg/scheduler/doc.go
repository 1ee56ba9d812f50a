// Package scheduler runs periodic background jobs on cron schedules.
//
// The guardian uses it for billing reconciliation and for sweeping stale
// quota reservations:
//
//	s := scheduler.New()
//	s.Add(ctx, scheduler.Job{Name: "billing.reconcile", Schedule: "@every 5m", Run: reconciler.Run})
//	s.Start(ctx)
//	defer s.Stop()
package scheduler
