package core

import "context"

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey   contextKey = "request-id"
	transactionKey contextKey = "transaction"
)

// WithRequestID returns a new context with the request ID attached.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if v := ctx.Value(requestIDKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// WithTransaction returns a new context carrying tx.
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, transactionKey, tx)
}

// TransactionFrom returns the transaction carried by ctx, or nil.
func TransactionFrom(ctx context.Context) *Transaction {
	tx, _ := ctx.Value(transactionKey).(*Transaction)
	return tx
}
