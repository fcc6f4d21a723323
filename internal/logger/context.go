package logger

import "context"

type contextKey string

const (
	TraceIDKey        contextKey = "trace_id"
	UserIDKey         contextKey = "user_id"
	ConversationIDKey contextKey = "conversation_id"
)

func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, UserIDKey, id)
}

func GetUserID(ctx context.Context) string {
	return stringValue(ctx, UserIDKey)
}

func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ConversationIDKey, id)
}

func GetConversationID(ctx context.Context) string {
	return stringValue(ctx, ConversationIDKey)
}

func stringValue(ctx context.Context, key contextKey) string {
	if id, ok := ctx.Value(key).(string); ok {
		return id
	}
	return ""
}
