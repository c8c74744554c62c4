package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/RustWorks/mirrord/pkg/core/hooks"
	"github.com/RustWorks/mirrord/utils"
)

const (
	answerTTL       = 30 * time.Second
	queryTimeout    = 5 * time.Second
	shutdownTimeout = 2 * time.Second
)

// Forwarder is the layer's loopback DNS endpoint. The getaddrinfo hook
// covers resolvers that go through libc; runtimes that read resolv.conf
// and speak DNS themselves slip past it. The resolv.conf rewrite points
// those at the forwarder, which answers through the same policy path the
// hook uses.
type Forwarder struct {
	logger   *zap.Logger
	override *Override

	baseCtx context.Context
	udp     *dns.Server
	tcp     *dns.Server
	g       *errgroup.Group
}

func NewForwarder(logger *zap.Logger, override *Override) *Forwarder {
	return &Forwarder{
		logger:   logger,
		override: override,
	}
}

// Start binds addr on both transports and serves until ctx is canceled.
// Bind failures surface here so startup can abort instead of silently
// running without the endpoint resolv.conf promises.
func (f *Forwarder) Start(ctx context.Context, addr string) error {
	pc, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind udp dns endpoint %q: %w", addr, err)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		_ = pc.Close()
		return fmt.Errorf("failed to bind tcp dns endpoint %q: %w", addr, err)
	}

	f.baseCtx = ctx
	f.udp = &dns.Server{PacketConn: pc, Handler: f}
	f.tcp = &dns.Server{Listener: ln, Handler: f}

	g := new(errgroup.Group)
	f.g = g
	g.Go(func() error {
		defer utils.Recover(f.logger)
		if err := f.udp.ActivateAndServe(); err != nil {
			utils.LogError(f.logger, err, "udp dns endpoint stopped", zap.String("addr", addr))
			return err
		}
		return nil
	})
	g.Go(func() error {
		defer utils.Recover(f.logger)
		if err := f.tcp.ActivateAndServe(); err != nil {
			utils.LogError(f.logger, err, "tcp dns endpoint stopped", zap.String("addr", addr))
			return err
		}
		return nil
	})
	go func() {
		<-ctx.Done()
		f.shutdownServers()
	}()

	f.logger.Info("dns endpoint serving", zap.String("addr", f.Addr()))
	return nil
}

// Addr returns the bound UDP address, useful when addr carried port 0.
func (f *Forwarder) Addr() string {
	if f.udp == nil || f.udp.PacketConn == nil {
		return ""
	}
	return f.udp.PacketConn.LocalAddr().String()
}

// Stop shuts both transports down and waits for the serve loops to drain.
func (f *Forwarder) Stop() {
	if f.g == nil {
		return
	}
	f.shutdownServers()
	_ = f.g.Wait()
}

func (f *Forwarder) shutdownServers() {
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if f.udp != nil {
		_ = f.udp.ShutdownContext(sctx)
	}
	if f.tcp != nil {
		_ = f.tcp.ShutdownContext(sctx)
	}
}

// ServeDNS implements dns.Handler. Remote-policy names are answered
// through the override; everything else is resolved locally, under the
// bypass marker so the lookup cannot re-enter the layer.
func (f *Forwarder) ServeDNS(w dns.ResponseWriter, r *dns.Msg) {
	msg := new(dns.Msg)
	msg.SetReply(r)
	msg.Authoritative = true

	ctx, cancel := context.WithTimeout(f.baseCtx, queryTimeout)
	defer cancel()

	for _, q := range r.Question {
		answers, rcode := f.answer(ctx, q)
		if rcode != dns.RcodeSuccess {
			msg.Rcode = rcode
			continue
		}
		msg.Answer = append(msg.Answer, answers...)
	}

	if err := w.WriteMsg(msg); err != nil {
		utils.LogError(f.logger, err, "failed to write dns reply")
	}
}

func (f *Forwarder) answer(ctx context.Context, q dns.Question) ([]dns.RR, int) {
	var family int
	switch q.Qtype {
	case dns.TypeA:
		family = unix.AF_INET
	case dns.TypeAAAA:
		family = unix.AF_INET6
	default:
		// Other record types have no remote story; an empty answer lets
		// the client move on.
		return nil, dns.RcodeSuccess
	}

	host := strings.TrimSuffix(q.Name, ".")
	addrs, err := f.override.Resolve(ctx, host, family)
	if err != nil {
		if !errors.Is(err, hooks.ErrBypass) {
			f.logger.Debug("dns query failed", zap.String("name", host), zap.Error(err))
			return nil, dns.RcodeNameError
		}
		addrs, err = f.resolveLocal(ctx, host)
		if err != nil {
			return nil, dns.RcodeNameError
		}
	}

	var answers []dns.RR
	for _, a := range addrs {
		ip := net.ParseIP(a)
		if ip == nil {
			continue
		}
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: uint32(answerTTL.Seconds())}
		switch {
		case q.Qtype == dns.TypeA && ip.To4() != nil:
			answers = append(answers, &dns.A{Hdr: hdr, A: ip.To4()})
		case q.Qtype == dns.TypeAAAA && ip.To4() == nil:
			answers = append(answers, &dns.AAAA{Hdr: hdr, AAAA: ip})
		}
	}
	return answers, dns.RcodeSuccess
}

func (f *Forwarder) resolveLocal(ctx context.Context, host string) ([]string, error) {
	ips, err := net.DefaultResolver.LookupIPAddr(hooks.WithBypass(ctx), host)
	if err != nil {
		return nil, err
	}
	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		addrs = append(addrs, ip.IP.String())
	}
	return addrs, nil
}
