package httpx

import "context"

type ctxKey string

const (
	// CtxKeyAssertion holds the raw bearer assertion presented by the client.
	CtxKeyAssertion ctxKey = "assertion"
	// CtxKeySubjectID holds the resolved subject id, when a handler has one.
	CtxKeySubjectID ctxKey = "subject_id"
)

// AssertionFromContext returns the raw bearer assertion attached by
// BearerMiddleware, or "" when the request carried none.
func AssertionFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeyAssertion).(string); ok {
		return v
	}
	return ""
}

func subjectFromCtx(ctx context.Context) string {
	if v, ok := ctx.Value(CtxKeySubjectID).(string); ok {
		return v
	}
	return ""
}
