// Package config holds the declarative, operator-edited configuration for an
// imapd instance: listener addresses, TLS material, PROXY protocol, idle
// timeouts and rate-limit windows. It mirrors the teacher's mox-/config.go in
// shape (an sconf-tagged struct parsed with github.com/mjl-/sconf) but is
// reduced to what the session engine and its listener actually consume;
// nothing here describes SMTP, DKIM, DMARC or the webserver.
package config

import (
	"crypto/tls"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mjl-/sconf"

	"github.com/corvid-mail/imapd/mlog"
)

// Config is the parsed form of imapd.conf.
type Config struct {
	Hostname         string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nHostname this server identifies itself with, used in the greeting line."`
	LogLevel         string            `sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth. Trace logs full IMAP protocol transcripts, including LOGIN arguments and SASL messages; only the AUTHENTICATE PLAIN continuation line is held back from trace and logged at traceauth."`
	PackageLogLevels map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. imapserver, memback, ratelimit."`

	Listeners map[string]Listener `sconf-doc:"Listeners are named groups of IMAP services on a set of addresses. Most deployments need two: a plain listener for STARTTLS on port 143, and an implicit-TLS listener on port 993."`

	IdleTimeout    time.Duration `sconf:"optional" sconf-doc:"Parsed and defaulted to 30m; the IMAP server does not read it. Its inactivity deadlines are fixed: 30 minutes once authenticated, 29 minutes in IDLE."`
	CommandTimeout time.Duration `sconf:"optional" sconf-doc:"Parsed and defaulted to 5m; the IMAP server does not read it and does not limit how long a command takes."`
	MaxLiteralSize int64         `sconf:"optional" sconf-doc:"Parsed and defaulted to 25MB; the IMAP server does not read it. String literals in commands are capped at 100KiB; APPEND message literals have no size cap."`
	ShutdownGrace  time.Duration `sconf:"optional" sconf-doc:"How long to wait for connections to finish on their own after a shutdown signal before forcibly closing their sockets. Default 5s."`

	ConnectionRateLimit  []RateWindow `sconf:"optional" sconf-doc:"Sliding-window limits on new connections per remote IP/network, checked before PROXY header and TLS are handled. If empty, connections are not rate limited."`
	AuthFailureRateLimit []RateWindow `sconf:"optional" sconf-doc:"Sliding-window limits on failed AUTHENTICATE/LOGIN attempts per remote IP/network. If empty, authentication failures are not rate limited beyond the engine's own per-connection backoff."`
}

// RateWindow is one window of a ratelimit.Limiter, e.g. "at most 10 per
// minute, 100 per hour".
type RateWindow struct {
	Window time.Duration `sconf-doc:"Duration of the sliding window, e.g. 1m, 1h, 24h."`
	Limits [3]int64      `sconf-doc:"Maximum count within the window for, respectively, the connecting IP alone, its /26 (IPv4) or /48 (IPv6) range, and its /21 (IPv4) or /32 (IPv6) range."`
}

// Listener is one named set of IMAP services bound to a set of addresses.
type Listener struct {
	IPs []string `sconf-doc:"IP addresses to listen on. Use 0.0.0.0 and/or :: to listen on all addresses of a family."`

	TLS *TLS `sconf:"optional" sconf-doc:"Certificate for STARTTLS and implicit TLS on this listener. Required if IMAPS is enabled, or if IMAP.NoRequireSTARTTLS is false and clients are expected to upgrade."`

	ProxyProtocol bool `sconf:"optional" sconf-doc:"Expect a PROXY protocol v1 or v2 header at the start of each connection, e.g. behind a TCP load balancer. The real client IP from the header is used for logging and rate limiting instead of the balancer's."`

	IMAP struct {
		Enabled           bool
		Port              int  `sconf:"optional" sconf-doc:"Default 143."`
		NoRequireSTARTTLS bool `sconf:"optional" sconf-doc:"Allow AUTHENTICATE/LOGIN before STARTTLS. Only safe when the network itself is encrypted, e.g. a VPN, or for tests."`
	} `sconf:"optional" sconf-doc:"Plain-text IMAP, upgradeable to TLS with STARTTLS."`

	IMAPS struct {
		Enabled bool
		Port    int `sconf:"optional" sconf-doc:"Default 993."`
	} `sconf:"optional" sconf-doc:"IMAP wrapped in TLS from the first byte. Requires TLS to be configured."`
}

// TLS holds certificate material for a listener. Unlike the teacher's TLS
// config, there is no ACME manager here: imapd expects certificates to
// already exist on disk, provisioned by whatever operates the host.
type TLS struct {
	KeyCerts   []KeyCert `sconf-doc:"Certificate chain and private key pairs. The first entry is used as the default; later entries are selected by SNI hostname."`
	MinVersion string    `sconf:"optional" sconf-doc:"Minimum TLS version, e.g. TLSv1.2 or TLSv1.3. Default TLSv1.2."`

	Config *tls.Config `sconf:"-" json:"-"`
}

// KeyCert is a single certificate/key pair, as in the teacher's config.KeyCert.
type KeyCert struct {
	CertFile string `sconf-doc:"Certificate including any intermediate CA certificates, PEM format."`
	KeyFile  string `sconf-doc:"Private key for the certificate, PEM format. PKCS8 is recommended; PKCS1 and EC keys are also recognized."`
}

// Parse reads and validates an imapd.conf from r, the way the teacher's
// ParseConfig reads mox.conf: sconf.Parse into the struct, then a pass that
// fills in defaults and builds the derived, non-sconf fields (tls.Config)
// that sconf itself leaves as zero value.
func Parse(r io.Reader) (*Config, error) {
	c := &Config{
		LogLevel:       "info",
		IdleTimeout:    30 * time.Minute,
		CommandTimeout: 5 * time.Minute,
		MaxLiteralSize: 25 * 1024 * 1024,
		ShutdownGrace:  5 * time.Second,
	}
	if err := sconf.Parse(r, c); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if c.Hostname == "" {
		return nil, fmt.Errorf("hostname is required")
	}
	for name, l := range c.Listeners {
		if l.TLS == nil {
			continue
		}
		conf, err := l.TLS.load()
		if err != nil {
			return nil, fmt.Errorf("listener %s: loading tls config: %w", name, err)
		}
		l.TLS.Config = conf
		c.Listeners[name] = l
	}
	return c, nil
}

// ParseFile opens path and parses it with Parse.
func ParseFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// load builds a *tls.Config from the configured key/cert pairs, the first of
// which becomes the default certificate, mirroring the teacher's TLS setup
// for a listener without its ACME branch.
func (t *TLS) load() (*tls.Config, error) {
	if len(t.KeyCerts) == 0 {
		return nil, fmt.Errorf("at least one keycert is required")
	}
	var certs []tls.Certificate
	for _, kc := range t.KeyCerts {
		cert, err := tls.LoadX509KeyPair(kc.CertFile, kc.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("loading keycert %s/%s: %w", kc.CertFile, kc.KeyFile, err)
		}
		certs = append(certs, cert)
	}
	minVersion := uint16(tls.VersionTLS12)
	if t.MinVersion == "TLSv1.3" {
		minVersion = tls.VersionTLS13
	}
	return &tls.Config{
		Certificates: certs,
		MinVersion:   minVersion,
	}, nil
}

// LogLevels translates the config's string log levels into mlog.Level
// values, the way the teacher's mox-/config.go does for PackageLogLevels
// before calling mlog.SetConfig.
func (c *Config) LogLevels() (map[string]mlog.Level, error) {
	parse := func(s string) (mlog.Level, error) {
		switch s {
		case "error":
			return mlog.LevelError, nil
		case "info":
			return mlog.LevelInfo, nil
		case "debug":
			return mlog.LevelDebug, nil
		case "trace":
			return mlog.LevelTrace, nil
		case "traceauth":
			return mlog.LevelTraceauth, nil
		}
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	lvl, err := parse(c.LogLevel)
	if err != nil {
		return nil, err
	}
	levels := map[string]mlog.Level{"": lvl}
	for pkg, s := range c.PackageLogLevels {
		lvl, err := parse(s)
		if err != nil {
			return nil, fmt.Errorf("package %s: %w", pkg, err)
		}
		levels[pkg] = lvl
	}
	return levels, nil
}
