package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"artifactvault/internal/domain"
)

const (
	methodWhoAmI       = "/identity.v1.Identity/WhoAmI"
	methodRefreshToken = "/identity.v1.Identity/RefreshToken"
)

// Client talks to the identity service.
type Client struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{conn: conn, timeout: timeout}
}

func mapError(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated:
		return fmt.Errorf("%w: %v", domain.ErrNotAuthenticated, err)
	case codes.PermissionDenied:
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	}
	return fmt.Errorf("identity service: %w", err)
}

// VerifyToken resolves a bearer token to the caller it belongs to.
func (c *Client) VerifyToken(ctx context.Context, token string) (domain.Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return domain.Caller{}, fmt.Errorf("%w: no authorization header", domain.ErrNotAuthenticated)
	}
	if !strings.HasPrefix(strings.ToLower(token), "bearer ") {
		token = "Bearer " + token
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	md := metadata.New(map[string]string{
		"Authorization": token,
	})
	ctx = metadata.NewOutgoingContext(ctx, md)

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, methodWhoAmI, &emptypb.Empty{}, resp); err != nil {
		return domain.Caller{}, mapError(err)
	}

	user := resp.GetFields()["user"].GetStructValue().GetFields()
	caller := domain.Caller{
		UserID:    user["id"].GetStringValue(),
		ProjectID: user["project_id"].GetStringValue(),
	}
	for _, role := range user["roles"].GetListValue().GetValues() {
		if r := role.GetStringValue(); r != "" {
			caller.Roles = append(caller.Roles, r)
		}
	}
	if caller.UserID == "" {
		return domain.Caller{}, fmt.Errorf("%w: identity service returned no user", domain.ErrNotAuthenticated)
	}
	return caller, nil
}

// Refresher renews the access token with a long-lived refresh token.
type Refresher struct {
	client       *Client
	refreshToken string
}

func NewRefresher(client *Client, refreshToken string) *Refresher {
	return &Refresher{client: client, refreshToken: refreshToken}
}

// Refresh returns ctx carrying a freshly issued token.
func (r *Refresher) Refresh(ctx context.Context) (context.Context, error) {
	if r.refreshToken == "" {
		return ctx, fmt.Errorf("%w: no refresh token configured", domain.ErrNotAuthenticated)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.client.timeout)
	defer cancel()

	req, err := structpb.NewStruct(map[string]any{"refresh_token": r.refreshToken})
	if err != nil {
		return ctx, fmt.Errorf("failed to build refresh request: %w", err)
	}
	resp := &structpb.Struct{}
	if err := r.client.conn.Invoke(callCtx, methodRefreshToken, req, resp); err != nil {
		return ctx, mapError(err)
	}

	token := resp.GetFields()["access_token"].GetStringValue()
	if token == "" {
		return ctx, fmt.Errorf("%w: identity service returned no token", domain.ErrNotAuthenticated)
	}
	log.Debug("access token refreshed")
	return WithToken(ctx, "Bearer "+token), nil
}

type tokenKey struct{}

type callerKey struct{}

// WithToken attaches the bearer token to ctx, both for in-process readers and
// as outgoing gRPC metadata.
func WithToken(ctx context.Context, token string) context.Context {
	ctx = context.WithValue(ctx, tokenKey{}, token)
	return metadata.AppendToOutgoingContext(ctx, "authorization", token)
}

func TokenFrom(ctx context.Context) string {
	token, _ := ctx.Value(tokenKey{}).(string)
	return token
}

func WithCaller(ctx context.Context, caller domain.Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

func CallerFrom(ctx context.Context) (domain.Caller, bool) {
	caller, ok := ctx.Value(callerKey{}).(domain.Caller)
	return caller, ok
}
