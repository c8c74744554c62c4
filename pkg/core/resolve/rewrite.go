package resolve

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/miekg/dns"
	"go.uber.org/zap"

	"github.com/RustWorks/mirrord/utils"
)

const resolvConfPath = "/etc/resolv.conf"

// resolvConfRewrite remembers the original resolver configuration so it
// can be put back at teardown.
type resolvConfRewrite struct {
	logger   *zap.Logger
	path     string
	original []byte
}

// rewriteResolvConf points the system resolver at the proxy's DNS
// endpoint, keeping the original search domains so unqualified names still
// expand the way the application expects.
func rewriteResolvConf(logger *zap.Logger, dnsAddr string) (*resolvConfRewrite, error) {
	host, _, err := net.SplitHostPort(dnsAddr)
	if err != nil {
		host = dnsAddr
	}

	original, err := os.ReadFile(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", resolvConfPath, err)
	}

	cfg, err := dns.ClientConfigFromFile(resolvConfPath)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %v", resolvConfPath, err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "nameserver %s\n", host)
	if len(cfg.Search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(cfg.Search, " "))
	}
	if cfg.Ndots != 1 {
		fmt.Fprintf(&b, "options ndots:%d\n", cfg.Ndots)
	}

	info, err := os.Stat(resolvConfPath)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(resolvConfPath, []byte(b.String()), info.Mode().Perm()); err != nil {
		return nil, fmt.Errorf("failed to rewrite %s: %v", resolvConfPath, err)
	}

	logger.Info("resolver configuration redirected",
		zap.String("nameserver", host),
		zap.Strings("search", cfg.Search))

	return &resolvConfRewrite{
		logger:   logger,
		path:     resolvConfPath,
		original: original,
	}, nil
}

// restore writes the original configuration back. Best effort; the process
// is on its way out when this runs.
func (rw *resolvConfRewrite) restore() {
	info, err := os.Stat(rw.path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(rw.path, rw.original, mode); err != nil {
		utils.LogError(rw.logger, err, "failed to restore resolver configuration")
		return
	}
	rw.logger.Debug("resolver configuration restored")
}
