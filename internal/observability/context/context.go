package context

import (
	"context"
	"strings"
)

type requestIDKey struct{}
type companyIDKey struct{}
type eventIDKey struct{}
type actorKey struct{}

type actor struct {
	kind string
	id   string
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(requestIDKey{}).(string)
	return value
}

func WithCompanyID(ctx context.Context, companyID string) context.Context {
	companyID = strings.TrimSpace(companyID)
	if companyID == "" {
		return ctx
	}
	return context.WithValue(ctx, companyIDKey{}, companyID)
}

func CompanyIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(companyIDKey{}).(string)
	return value
}

func WithEventID(ctx context.Context, eventID string) context.Context {
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return ctx
	}
	return context.WithValue(ctx, eventIDKey{}, eventID)
}

func EventIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	value, _ := ctx.Value(eventIDKey{}).(string)
	return value
}

// WithActor records who triggered the work: "user" for API calls, "system" for the poller.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{
		kind: strings.TrimSpace(actorType),
		id:   strings.TrimSpace(actorID),
	})
}

func ActorFromContext(ctx context.Context) (string, string) {
	if ctx == nil {
		return "", ""
	}
	value, ok := ctx.Value(actorKey{}).(actor)
	if !ok {
		return "", ""
	}
	return value.kind, value.id
}
