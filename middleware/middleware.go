// Package middleware decorates session.RequestHandler values.
//
// Chain composes decorators into an onion:
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"duplexstream/session"
)

type Middleware func(next session.RequestHandler) session.RequestHandler

// Chain combines middlewares so the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next session.RequestHandler) session.RequestHandler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
