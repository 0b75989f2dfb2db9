package auth

import (
	"context"
	"errors"
	"net"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"artifactvault/internal/domain"
)

// identityServer answers both identity methods without generated stubs.
func identityServer(t *testing.T) *Client {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ any, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		switch method {
		case methodWhoAmI:
			if err := stream.RecvMsg(&emptypb.Empty{}); err != nil {
				return err
			}
			md, _ := metadata.FromIncomingContext(stream.Context())
			if got := md.Get("authorization"); len(got) == 0 || got[0] != "Bearer good" {
				return status.Error(codes.Unauthenticated, "bad token")
			}
			resp, err := structpb.NewStruct(map[string]any{
				"user": map[string]any{
					"id":         "u-1",
					"project_id": "p-1",
					"roles":      []any{"member", "admin"},
				},
			})
			if err != nil {
				return err
			}
			return stream.SendMsg(resp)

		case methodRefreshToken:
			req := &structpb.Struct{}
			if err := stream.RecvMsg(req); err != nil {
				return err
			}
			if req.GetFields()["refresh_token"].GetStringValue() != "refresh" {
				return status.Error(codes.Unauthenticated, "bad refresh token")
			}
			resp, _ := structpb.NewStruct(map[string]any{"access_token": "fresh"})
			return stream.SendMsg(resp)
		}
		return status.Error(codes.Unimplemented, method)
	}))
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return NewClient(conn, 0)
}

func TestVerifyToken(t *testing.T) {
	client := identityServer(t)

	caller, err := client.VerifyToken(context.Background(), "good")
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if caller.UserID != "u-1" || caller.ProjectID != "p-1" {
		t.Fatalf("caller = %+v", caller)
	}
	if !caller.IsAdmin() {
		t.Fatalf("caller should be admin: %+v", caller)
	}
}

func TestVerifyTokenRejected(t *testing.T) {
	client := identityServer(t)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"wrong", "Bearer bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := client.VerifyToken(context.Background(), tt.token)
			if !errors.Is(err, domain.ErrNotAuthenticated) {
				t.Fatalf("err = %v, want ErrNotAuthenticated", err)
			}
		})
	}
}

func TestRefresh(t *testing.T) {
	client := identityServer(t)

	ctx, err := NewRefresher(client, "refresh").Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got := TokenFrom(ctx); got != "Bearer fresh" {
		t.Fatalf("token = %q, want Bearer fresh", got)
	}
	md, _ := metadata.FromOutgoingContext(ctx)
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer fresh" {
		t.Fatalf("outgoing metadata = %v", got)
	}

	if _, err := NewRefresher(client, "stale").Refresh(context.Background()); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
	if _, err := NewRefresher(client, "").Refresh(context.Background()); !errors.Is(err, domain.ErrNotAuthenticated) {
		t.Fatalf("err = %v, want ErrNotAuthenticated", err)
	}
}
