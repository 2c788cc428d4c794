package utils

import (
	"context"
)

type contextKey string

const (
	contextKeyToken           contextKey = "Token"
	contextKeyBusinessId      contextKey = "BusinessId"
	contextKeyUsername        contextKey = "Username"
	contextKeyUserId          contextKey = "UserId"
	contextKeyUserName        contextKey = "UserName"
	contextKeyUserRole        contextKey = "UserRole"
	contextKeyCorrelationId   contextKey = "CorrelationId"
	contextKeySkipTenantScope contextKey = "SkipTenantScope"
)

func getString(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	v, ok := ctx.Value(key).(string)
	return v, ok
}

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyToken)
}

func GetBusinessIdFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyBusinessId)
}

func GetUsernameFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyUsername)
}

func GetUserIdFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyUserId)
}

func GetUserNameFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyUserName)
}

func GetUserRoleFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyUserRole)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return getString(ctx, contextKeyCorrelationId)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyToken, token)
}

func SetBusinessIdInContext(ctx context.Context, businessId string) context.Context {
	return context.WithValue(ctx, contextKeyBusinessId, businessId)
}

func SetUsernameInContext(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, contextKeyUsername, username)
}

func SetUserIdInContext(ctx context.Context, userId string) context.Context {
	return context.WithValue(ctx, contextKeyUserId, userId)
}

func SetUserNameInContext(ctx context.Context, userName string) context.Context {
	return context.WithValue(ctx, contextKeyUserName, userName)
}

func SetUserRoleInContext(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, contextKeyUserRole, role)
}

func SetCorrelationIdInContext(ctx context.Context, correlationId string) context.Context {
	return context.WithValue(ctx, contextKeyCorrelationId, correlationId)
}

// SkipTenantScope is set by background workers that sweep every business.
func GetSkipTenantScopeFromContext(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	v, _ := ctx.Value(contextKeySkipTenantScope).(bool)
	return v
}

func SetSkipTenantScopeInContext(ctx context.Context, skip bool) context.Context {
	return context.WithValue(ctx, contextKeySkipTenantScope, skip)
}
