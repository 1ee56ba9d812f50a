// Package admission is the entry point for metered tenant operations.
//
// A Gate runs each Request through a fixed pipeline:
//
//  1. rate limit (ratelimit.Limiter)
//  2. quota reservation (quota.Manager)
//  3. cost estimate (pricing.Estimator), at the plan overage rate when the
//     quota is in charge-mode overage
//  4. credit conversion (credits.Converter)
//  5. credit hold
//
// A request that passes every step is Admitted and receives a ticket. The
// caller runs the operation and settles the ticket with Report:
//
//	res, err := gate.Admit(ctx, admission.Request{
//	    TenantID:  "acme",
//	    Metric:    plans.MetricDesignsCreated,
//	    Route:     "/v1/designs",
//	    Provider:  "internal",
//	    Model:     "designer",
//	    Operation: "design_create",
//	    Units:     1,
//	})
//	if err != nil {
//	    return err // misconfiguration or store failure
//	}
//	if !res.Allowed {
//	    return res.Err // rate limited, quota exceeded or out of credits
//	}
//	if runErr := createDesign(); runErr != nil {
//	    gate.Report(ctx, res.Ticket, admission.OutcomeFailure)
//	    return runErr
//	}
//	gate.Report(ctx, res.Ticket, admission.OutcomeSuccess)
//
// Every decision and settlement is emitted as an Event to the configured
// EventSink.
package admission
