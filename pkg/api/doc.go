// Package api provides the HTTP REST API of the metering service.
//
// # Overview
//
// The API exposes request routing, credit balances, monthly quota state and
// subscription propagation as JSON endpoints on a gorilla/mux router. Handlers
// are thin: they parse and validate input, call the service layer and map its
// typed errors to status codes.
//
// # API Endpoints
//
// Routing:
//
//	POST /route              Classify a request and pick a backend tier
//	POST /route/complete     Charge the actual cost of an answered request
//	POST /route/fail         Refund a request that could not be answered
//
// Credits:
//
//	GET  /credits?accountId=              Balance {total, used, available}
//	POST /credits/use                     Consume credits
//	POST /credits/refund                  Return credits
//	GET  /credits/history?accountId=&limit=
//
// Usage and subscriptions:
//
//	GET  /usage/summary?accountId=
//	POST /subscription/update             200 when every projection was updated, 207 otherwise
//	POST /subscription/reconcile
//	GET  /audit?accountId=&type=&status=&since=
//
// # Error Mapping
//
//	400  validation failure or malformed JSON
//	402  insufficient credits, body {error, total, used, available}
//	403  tier not available on the account's plan
//	404  unknown account
//	503  storage unavailable after retries
//	500  anything else
//
// # Usage
//
//	server := api.NewServer(api.Dependencies{
//		Router:        meteringService,
//		Credits:       ledger,
//		Usage:         quotaTracker,
//		Subscriptions: subscriptionManager,
//	}, log)
//	observability.RegisterHealthRoutes(server.Router(), checker)
//	http.ListenAndServe(":8080", server)
package api
