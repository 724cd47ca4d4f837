package common

import "context"

type ctxKey string

const operatorKey ctxKey = "auth/operator"

// WithOperator stores the authenticated operator subject on ctx.
func WithOperator(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, operatorKey, subject)
}

// Operator returns the operator subject placed by the admin auth middleware.
func Operator(ctx context.Context) (string, bool) {
	subject, ok := ctx.Value(operatorKey).(string)
	return subject, ok && subject != ""
}
