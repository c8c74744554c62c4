package resolve

import (
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core/client"
	"github.com/RustWorks/mirrord/pkg/core/client/clienttest"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/pkg/models"
)

func remoteCfg() config.DNS {
	return config.DNS{
		Enabled:  true,
		Remote:   []string{"api.internal", "*.svc.cluster.local"},
		Fallback: config.DNSFallbackError,
	}
}

func newTestOverride(t *testing.T, cfg config.DNS, srv *clienttest.Server) *Override {
	t.Helper()
	cl, err := client.Dial(context.Background(), zap.NewNop(), srv.Addr(), nil, client.Options{})
	require.NoError(t, err)
	t.Cleanup(cl.Close)

	o, err := NewOverride(zap.NewNop(), cl, cfg)
	require.NoError(t, err)
	return o
}

func TestResolveBypassPaths(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.DNS
		host string
	}{
		{"override disabled", config.DNS{}, "api.internal"},
		{"numeric v4", remoteCfg(), "10.0.0.1"},
		{"numeric v6", remoteCfg(), "::1"},
		{"localhost", remoteCfg(), "localhost"},
		{"localhost subdomain", remoteCfg(), "app.localhost"},
		{"name outside policy", remoteCfg(), "example.com"},
		{"suffix without wildcard dot", remoteCfg(), "evil-svc.cluster.local.attacker.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOverride(t, tt.cfg, clienttest.New(t))
			_, err := o.Resolve(context.Background(), tt.host, 0)
			assert.ErrorIs(t, err, hooks.ErrBypass)
		})
	}
}

func TestResolveRemoteName(t *testing.T) {
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(payload json.RawMessage) (any, *models.WireError) {
		var req models.ResolveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &models.WireError{Errno: int(unix.EIO), Message: err.Error()}
		}
		return models.ResolveReply{Addrs: []string{"10.96.0.12"}, TTL: 300}, nil
	})
	o := newTestOverride(t, remoteCfg(), srv)

	addrs, err := o.Resolve(context.Background(), "api.internal", unix.AF_INET)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.96.0.12"}, addrs)

	// Wildcard selector covers any name under the suffix, and a trailing
	// dot on the query is ignored.
	addrs, err = o.Resolve(context.Background(), "db.svc.cluster.local.", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.96.0.12"}, addrs)
}

func TestResolveCachesAnswers(t *testing.T) {
	var calls atomic.Int64
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(json.RawMessage) (any, *models.WireError) {
		calls.Add(1)
		return models.ResolveReply{Addrs: []string{"10.96.0.12"}, TTL: 300}, nil
	})
	o := newTestOverride(t, remoteCfg(), srv)

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := o.Resolve(ctx, "api.internal", unix.AF_INET)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), calls.Load())

	// Same name under a different address family is a distinct query.
	_, err := o.Resolve(ctx, "api.internal", unix.AF_INET6)
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())

	o.Teardown()
	_, err = o.Resolve(ctx, "api.internal", unix.AF_INET)
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load(), "teardown must purge the cache")
}

func TestResolveCacheSeparatesEveryFamily(t *testing.T) {
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(payload json.RawMessage) (any, *models.WireError) {
		var req models.ResolveRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, &models.WireError{Errno: int(unix.EIO), Message: err.Error()}
		}
		if req.Family == unix.AF_INET6 {
			return models.ResolveReply{Addrs: []string{"fd00::1"}, TTL: 300}, nil
		}
		return models.ResolveReply{Addrs: []string{"10.0.0.1", "fd00::1"}, TTL: 300}, nil
	})
	o := newTestOverride(t, remoteCfg(), srv)
	ctx := context.Background()

	v6, err := o.Resolve(ctx, "api.internal", unix.AF_INET6)
	require.NoError(t, err)
	assert.Equal(t, []string{"fd00::1"}, v6)

	// A both-families lookup of the same name is its own cache entry and
	// must not replay the v6-only answer.
	both, err := o.Resolve(ctx, "api.internal", 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1", "fd00::1"}, both)
}

func TestResolveEmptyAnswerIsNotFound(t *testing.T) {
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(json.RawMessage) (any, *models.WireError) {
		return models.ResolveReply{}, nil
	})
	o := newTestOverride(t, remoteCfg(), srv)

	_, err := o.Resolve(context.Background(), "api.internal", 0)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.True(t, dnsErr.IsNotFound)
	assert.Equal(t, "api.internal", dnsErr.Name)
}

func TestResolveFailureSurfacesAsResolverError(t *testing.T) {
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(json.RawMessage) (any, *models.WireError) {
		return nil, &models.WireError{Errno: int(unix.EIO), Message: "agent unreachable"}
	})
	o := newTestOverride(t, remoteCfg(), srv)

	_, err := o.Resolve(context.Background(), "api.internal", 0)
	var dnsErr *net.DNSError
	require.ErrorAs(t, err, &dnsErr)
	assert.True(t, dnsErr.IsTemporary)
}

func TestResolveLocalFallbackBypasses(t *testing.T) {
	cfg := remoteCfg()
	cfg.Fallback = config.DNSFallbackLocal
	srv := clienttest.New(t)
	srv.Handle(models.OpResolve, func(json.RawMessage) (any, *models.WireError) {
		return nil, &models.WireError{Errno: int(unix.EIO), Message: "agent unreachable"}
	})
	o := newTestOverride(t, cfg, srv)

	// On "local" fallback the dispatcher retries the original resolver,
	// so the failure comes back as a bypass, not an error.
	_, err := o.Resolve(context.Background(), "api.internal", 0)
	assert.ErrorIs(t, err, hooks.ErrBypass)
}
