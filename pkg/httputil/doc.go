// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Overview
//
// This package offers helper functions for JSON encoding/decoding, error responses,
// parameter parsing, validation, and the middleware stack shared by the API.
//
// # Response Helpers
//
//	httputil.WriteJSON(w, http.StatusOK, data)
//	httputil.WriteSuccess(w, data)
//	httputil.WriteBadRequest(w, "accountId is required")
//	httputil.WriteTooManyRequests(w, "rate limit exceeded", time.Minute)
//	httputil.WriteServiceUnavailable(w, "store unavailable", time.Second)
//
// # Request Parsing
//
//	var req UseCreditsRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
//	accountID, ok := httputil.RequireQueryString(w, r, "accountId")
//	limit, ok := httputil.ParseQueryIntOrError(w, r, "limit", 50)
//
// # Validation
//
//	httputil.ValidateAll(w,
//		httputil.NonEmpty(req.AccountID, "accountId"),
//		httputil.Positive(req.Amount, "amount"),
//	)
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RequestIDMiddleware(log),
//		httputil.LoggingMiddleware,
//		httputil.RecoveryMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)
//
// RequestIDMiddleware stores the request ID and logger in the request context;
// handlers read them back with observability.LoggerFromContext.
package httputil
