// Package classifier assigns a complexity class, request type and feature
// flags to a coaching request using declarative phrase families and an
// ordered rule table.
//
// Rules are evaluated in order and the first match wins:
//
//	trivial  greeting, or at most 5 words           -> simple
//	complex  prediction, planning or competitive;
//	         or more than 50 words;
//	         or analysis and multi-step;
//	         or personalization and analysis         -> complex
//	medium   analysis, multi-step, or over 20 words  -> medium
//	fallback                                         -> simple
//
// Phrases and rules are data. Extra phrases can be supplied with
// WithExtraPatterns without touching the evaluation order.
package classifier
