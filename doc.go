// Package maildispatch delivers pre-rendered transactional email through a
// third-party HTTP provider and keeps the caller safe when that provider
// degrades.
//
// Every send is guarded by a circuit breaker with a rolling error-rate
// window, retried with capped exponential backoff while the failure is
// transient, and recorded in a dedicated Prometheus registry.
//
// # Basic Usage
//
//	client, err := maildispatch.New(maildispatch.DefaultConfig(),
//		maildispatch.WithResend(os.Getenv("RESEND_API_KEY")),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer client.Close()
//
//	err = client.Send(ctx, "a@x.com", "Invoice 42 from Idurar", "<p>Hi</p>")
//	switch {
//	case maildispatch.IsCircuitOpen(err):
//		// provider is shedding load, no request was made
//	case maildispatch.IsPermanent(err):
//		// 4xx other than 429, never retried
//	case maildispatch.IsRetriesExhausted(err), maildispatch.IsCancelled(err):
//	}
//
// # Failure classification
//
// A 4xx response other than 429 is a permanent rejection. A 429, any 5xx,
// and a missing response are retryable.
//
// # Providers
//
//   - Resend (default)
//   - SendGrid
//   - AWS SES
//
// Configuration can be built in code with DefaultConfig and options, or read
// from a file and MAILDISPATCH_* environment variables with LoadConfig.
package maildispatch
