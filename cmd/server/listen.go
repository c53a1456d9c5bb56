package main

import (
	"context"
	"math/rand/v2"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/lanshare/internal/config"
	"github.com/fruitsalade/lanshare/internal/logging"
	"github.com/fruitsalade/lanshare/internal/retry"
)

// listen binds the configured port, falling back to random ports in the
// fallback range while the address is already in use (EADDRINUSE, or
// WSAEADDRINUSE on Windows).
func listen(ctx context.Context, cfg *config.Config) (net.Listener, error) {
	rcfg := retry.Config{
		MaxAttempts: cfg.PortAttempts,
		InitialWait: 50 * time.Millisecond,
		MaxWait:     500 * time.Millisecond,
		Multiplier:  2,
	}
	return retry.DoWithResult(ctx, rcfg, func(attempt int) (net.Listener, error) {
		port := cfg.Port
		if attempt > 1 {
			port = cfg.PortFallbackMin + rand.IntN(cfg.PortFallbackMax-cfg.PortFallbackMin+1)
		}

		ln, err := net.Listen("tcp", cfg.ListenAddr(port))
		if err != nil {
			if isAddrInUse(err) {
				logging.Warn("port in use, trying another", zap.Int("port", port), zap.Int("attempt", attempt))
				return nil, retry.Retryable(err)
			}
			return nil, err
		}
		return ln, nil
	})
}

// lanIPv4 returns the first non-loopback IPv4 address, or "".
func lanIPv4() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return ""
}
