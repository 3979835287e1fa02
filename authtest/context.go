package authtest

import (
	"context"
	"net/http"
)

func contextWithUser(r *http.Request, userID string) context.Context {
	return context.WithValue(r.Context(), ctxKey{}, userID)
}

func userFrom(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}
