// Package resolve intercepts hostname resolution. Names the policy marks
// remote are answered by the remote side's resolver through the proxy;
// everything else, and anything that is already an address, passes through
// to the local resolver.
package resolve

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/RustWorks/mirrord/config"
	"github.com/RustWorks/mirrord/pkg/core/client"
	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/pkg/models"
	"github.com/RustWorks/mirrord/utils"
)

const (
	cacheSize  = 256
	defaultTTL = 30 * time.Second
)

type cached struct {
	addrs   []string
	expires time.Time
}

// Override is the process-wide resolver override state: the remote-answer
// cache plus the resolv.conf rewrite tracking. Initialized once at startup,
// torn down best effort at exit.
type Override struct {
	logger *zap.Logger
	client *client.Client
	cfg    config.DNS

	cache   *lru.Cache[string, cached]
	rewrite *resolvConfRewrite
}

func NewOverride(logger *zap.Logger, cl *client.Client, cfg config.DNS) (*Override, error) {
	cache, err := lru.New[string, cached](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Override{
		logger: logger,
		client: cl,
		cfg:    cfg,
		cache:  cache,
	}, nil
}

// Resolve implements hooks.ResolveHandler.
func (o *Override) Resolve(ctx context.Context, name string, family int) ([]string, error) {
	if !o.cfg.Enabled {
		return nil, hooks.Bypass("dns override is disabled")
	}

	host := strings.TrimSuffix(name, ".")

	// Numeric literals and loopback are never redirected.
	if ip := net.ParseIP(host); ip != nil {
		return nil, hooks.Bypass("numeric address")
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, hooks.Bypass("loopback name")
	}
	if !o.remoteName(host) {
		return nil, hooks.Bypass("name is local by policy")
	}

	key := cacheKey(host, family)
	if entry, ok := o.cache.Get(key); ok && time.Now().Before(entry.expires) {
		return entry.addrs, nil
	}

	var reply models.ResolveReply
	err := o.client.Do(ctx, models.OpResolve, &models.ResolveRequest{Name: host, Family: family}, &reply)
	if err != nil {
		return o.fallback(host, err)
	}
	if len(reply.Addrs) == 0 {
		return o.fallback(host, &net.DNSError{
			Err:        "no such host",
			Name:       host,
			IsNotFound: true,
		})
	}

	ttl := defaultTTL
	if reply.TTL > 0 {
		ttl = time.Duration(reply.TTL) * time.Second
	}
	o.cache.Add(key, cached{addrs: reply.Addrs, expires: time.Now().Add(ttl)})

	o.logger.Debug("resolved name remotely",
		zap.String("name", host), zap.Strings("addrs", reply.Addrs))
	return reply.Addrs, nil
}

// fallback applies the configured behavior for a failed remote lookup:
// either surface the failure exactly as a resolver failure, or hand the
// query back to the local resolver.
func (o *Override) fallback(host string, cause error) ([]string, error) {
	if o.cfg.Fallback == config.DNSFallbackLocal {
		o.logger.Debug("remote resolution failed, falling back to local resolver",
			zap.String("name", host), zap.Error(cause))
		return nil, hooks.Bypass("remote resolution failed")
	}

	utils.LogError(o.logger, cause, "remote resolution failed", zap.String("name", host))
	var dnsErr *net.DNSError
	if errors.As(cause, &dnsErr) {
		return nil, dnsErr
	}
	return nil, &net.DNSError{
		Err:         cause.Error(),
		Name:        host,
		IsTemporary: true,
	}
}

// remoteName checks the name against the configured selectors: exact
// matches or wildcard suffixes ("*.svc.cluster.local").
func (o *Override) remoteName(host string) bool {
	for _, sel := range o.cfg.Remote {
		if sel == host {
			return true
		}
		if strings.HasPrefix(sel, "*.") && strings.HasSuffix(host, sel[1:]) {
			return true
		}
	}
	return false
}

func cacheKey(host string, family int) string {
	return host + "|" + strconv.Itoa(family)
}

// EnableRewrite forces all local resolution through the proxy's DNS
// endpoint by rewriting resolv.conf. dnsAddr is the proxy-side nameserver.
func (o *Override) EnableRewrite(dnsAddr string) error {
	if !o.cfg.RewriteResolvConf {
		return nil
	}
	rw, err := rewriteResolvConf(o.logger, dnsAddr)
	if err != nil {
		return err
	}
	o.rewrite = rw
	return nil
}

// Teardown restores local resolver configuration, best effort.
func (o *Override) Teardown() {
	if o.rewrite != nil {
		o.rewrite.restore()
		o.rewrite = nil
	}
	o.cache.Purge()
}
