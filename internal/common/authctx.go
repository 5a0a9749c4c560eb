package common

import "context"

type ctxKey string

const subjectKey ctxKey = "auth/subject"

// WithSubject stores the authenticated principal on the provided context.
func WithSubject(ctx context.Context, sub string) context.Context {
	return context.WithValue(ctx, subjectKey, sub)
}

// Subject extracts the authenticated principal from the context if present.
func Subject(ctx context.Context) (string, bool) {
	v := ctx.Value(subjectKey)
	if v == nil {
		return "", false
	}
	sub, ok := v.(string)
	return sub, ok
}
