// Command imapd starts the IMAP session engine against the configuration
// file passed with -config. This is deliberately minimal: there is no
// account/domain management CLI here (see spec Non-goals); an operator
// wanting that wires their own backend.Server and calls imapserver.Listener
// directly, the way this file does with memback.Server for demo purposes.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvid-mail/imapd/config"
	"github.com/corvid-mail/imapd/imapserver"
	"github.com/corvid-mail/imapd/memback"
	"github.com/corvid-mail/imapd/mlog"
	"github.com/corvid-mail/imapd/ratelimit"
)

func main() {
	configPath := flag.String("config", "imapd.conf", "configuration file")
	addAccount := flag.String("demo-account", "", "user:pass to register in the built-in in-memory backend, for trying out the server without a real storage backend")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: imapd -config imapd.conf\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	conf, err := config.ParseFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapd: %v\n", err)
		os.Exit(1)
	}

	levels, err := conf.LogLevels()
	if err != nil {
		fmt.Fprintf(os.Stderr, "imapd: %v\n", err)
		os.Exit(1)
	}
	mlog.SetConfig(levels)
	log := mlog.New("imapd", slog.New(slog.NewTextHandler(os.Stderr, nil)))

	backend := memback.New()
	if *addAccount != "" {
		username, password, ok := splitAccount(*addAccount)
		if !ok {
			fmt.Fprintf(os.Stderr, "imapd: -demo-account must be of the form user:pass\n")
			os.Exit(1)
		}
		backend.AddAccount(username, password)
	}

	listeners := xlistenerConfigs(conf)
	if len(listeners) == 0 {
		fmt.Fprintf(os.Stderr, "imapd: no listener has IMAP or IMAPS enabled\n")
		os.Exit(1)
	}

	l := &imapserver.Listener{
		Backend:       backend,
		Log:           log,
		ConnRate:      rateLimiter(conf.ConnectionRateLimit),
		AuthFailure:   rateLimiter(conf.AuthFailureRateLimit),
		DeliverFilter: nil,
		ShutdownGrace: conf.ShutdownGrace,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	log.Info("starting", slog.String("hostname", conf.Hostname), slog.Int("listeners", len(listeners)))
	if err := l.Serve(ctx, listeners); err != nil {
		log.Fatalx("serve", err)
	}
}

// splitAccount parses a "user:pass" string.
func splitAccount(s string) (username, password string, ok bool) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}

// xlistenerConfigs flattens the config's named listeners, each possibly
// spanning several IPs and both an IMAP and IMAPS service, into the flat
// []imapserver.ListenerConfig the engine's Listener.Serve accepts.
func xlistenerConfigs(conf *config.Config) []imapserver.ListenerConfig {
	var out []imapserver.ListenerConfig
	for name, l := range conf.Listeners {
		var tlsConf *tls.Config
		if l.TLS != nil {
			tlsConf = l.TLS.Config
		}
		for _, ip := range l.IPs {
			if l.IMAP.Enabled {
				port := l.IMAP.Port
				if port == 0 {
					port = 143
				}
				out = append(out, imapserver.ListenerConfig{
					Name:              name + "-imap",
					Addr:              fmt.Sprintf("%s:%d", ip, port),
					TLSConfig:         tlsConf,
					ImplicitTLS:       false,
					ProxyProtocol:     l.ProxyProtocol,
					NoRequireSTARTTLS: l.IMAP.NoRequireSTARTTLS,
				})
			}
			if l.IMAPS.Enabled {
				port := l.IMAPS.Port
				if port == 0 {
					port = 993
				}
				out = append(out, imapserver.ListenerConfig{
					Name:          name + "-imaps",
					Addr:          fmt.Sprintf("%s:%d", ip, port),
					TLSConfig:     tlsConf,
					ImplicitTLS:   true,
					ProxyProtocol: l.ProxyProtocol,
				})
			}
		}
	}
	return out
}

func rateLimiter(windows []config.RateWindow) *ratelimit.Limiter {
	if len(windows) == 0 {
		return nil
	}
	lim := &ratelimit.Limiter{}
	for _, w := range windows {
		lim.WindowLimits = append(lim.WindowLimits, ratelimit.WindowLimit{
			Window: w.Window,
			Limits: w.Limits,
		})
	}
	return lim
}
