package scenesync

import (
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/drpcorg/scenesync/discovery"
	"github.com/drpcorg/scenesync/network"
	"github.com/drpcorg/scenesync/scene"
	"github.com/drpcorg/scenesync/seal"
	"github.com/drpcorg/scenesync/utils"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// Duration reads "1m30s" from TOML and environment alike.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the part of Options that comes from a file or the
// environment. Environment variables carry the SCENESYNC_ prefix, so
// Room is SCENESYNC_ROOM.
type Config struct {
	Room    string `toml:"room" env:"ROOM"`
	Replica string `toml:"replica" env:"REPLICA"`

	Listen  []string `toml:"listen" env:"LISTEN" envSeparator:","`
	Connect []string `toml:"connect" env:"CONNECT" envSeparator:","`
	MDNS    bool     `toml:"mdns" env:"MDNS"`
	// Rediscover is how often Connect peers given up on are tried again.
	Rediscover Duration `toml:"rediscover" env:"REDISCOVER"`

	// LogDir keeps the retained delta log in pebble; empty keeps it in
	// memory.
	LogDir       string   `toml:"log_dir" env:"LOG_DIR"`
	LogMaxDeltas int      `toml:"log_max_deltas" env:"LOG_MAX_DELTAS"`
	LogMaxAge    Duration `toml:"log_max_age" env:"LOG_MAX_AGE"`

	PeerQueueBytes int      `toml:"peer_queue_bytes" env:"PEER_QUEUE_BYTES"`
	MaxRetries     int      `toml:"max_retries" env:"MAX_RETRIES"`
	MinRetry       Duration `toml:"min_retry" env:"MIN_RETRY"`
	MaxRetry       Duration `toml:"max_retry" env:"MAX_RETRY"`
	WriteTimeout   Duration `toml:"write_timeout" env:"WRITE_TIMEOUT"`

	TLSCert string `toml:"tls_cert" env:"TLS_CERT"`
	TLSKey  string `toml:"tls_key" env:"TLS_KEY"`
	TLSCA   string `toml:"tls_ca" env:"TLS_CA"`

	// SignSeed is a hex ed25519 seed; Trusted lists hex public keys
	// whose frames are accepted. CipherKey is a hex 32-byte key.
	SignSeed  string   `toml:"sign_seed" env:"SIGN_SEED"`
	Trusted   []string `toml:"trusted" env:"TRUSTED" envSeparator:","`
	CipherKey string   `toml:"cipher_key" env:"CIPHER_KEY"`

	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`
	// Metrics is where the command line client serves /metrics.
	Metrics string `toml:"metrics" env:"METRICS"`
}

// Options configure a SceneStore. Fields outside Config are for code
// that embeds the store; each overrides what Config would build.
type Options struct {
	Config

	Logger     utils.Logger
	Seal       *seal.Seal
	Discoverer discovery.Discoverer
	TLS        *tls.Config
	// Registerer, if set, gets the retained log collector.
	Registerer prometheus.Registerer
}

var ErrNoRoom = errors.New("scenesync: no room given")

func (o *Options) SetDefaults() {
	if o.Replica == "" {
		o.Replica = uuid.Must(uuid.NewV7()).String()
	}
	if o.LogMaxDeltas <= 0 {
		o.LogMaxDeltas = scene.DefaultLimits.MaxDeltas
	}
	if o.LogMaxAge <= 0 {
		o.LogMaxAge = Duration(scene.DefaultLimits.MaxAge)
	}
	if o.PeerQueueBytes <= 0 {
		o.PeerQueueBytes = 1 << 24
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = network.MAX_RETRIES
	}
	if o.Rediscover <= 0 {
		o.Rediscover = Duration(discovery.DefaultInterval)
	}
	if o.LogLevel == "" {
		o.LogLevel = "info"
	}
	if o.Logger == nil {
		o.Logger = utils.NewDefaultLogger(utils.ParseLevel(o.LogLevel))
	}
}

// LoadOptions reads a TOML file, if path is not empty, and applies
// SCENESYNC_* environment overrides on top.
func LoadOptions(path string) (opts Options, err error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return opts, fmt.Errorf("scenesync: config: %w", err)
		}
		if err = toml.Unmarshal(data, &opts.Config); err != nil {
			return opts, fmt.Errorf("scenesync: config %s: %w", path, err)
		}
	}
	if err = env.ParseWithOptions(&opts.Config, env.Options{Prefix: "SCENESYNC_"}); err != nil {
		return opts, fmt.Errorf("scenesync: config env: %w", err)
	}
	return opts, nil
}

func (o *Options) limits() scene.Limits {
	return scene.Limits{MaxDeltas: o.LogMaxDeltas, MaxAge: time.Duration(o.LogMaxAge)}
}

func (o *Options) netOpts() ([]network.NetOpt, error) {
	opts := []network.NetOpt{
		&network.NetRetryOpt{
			Min:        time.Duration(o.MinRetry),
			Max:        time.Duration(o.MaxRetry),
			MaxRetries: o.MaxRetries,
		},
	}
	if o.WriteTimeout > 0 {
		opts = append(opts, &network.NetWriteTimeoutOpt{Timeout: time.Duration(o.WriteTimeout)})
	}
	config, err := o.tlsConfig()
	if err != nil {
		return nil, err
	}
	if config != nil {
		opts = append(opts, &network.NetTlsConfigOpt{Config: config})
	}
	return opts, nil
}

func (o *Options) tlsConfig() (*tls.Config, error) {
	if o.TLS != nil || (o.TLSCert == "" && o.TLSCA == "") {
		return o.TLS, nil
	}
	config := &tls.Config{MinVersion: tls.VersionTLS12}
	if o.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(o.TLSCert, o.TLSKey)
		if err != nil {
			return nil, fmt.Errorf("scenesync: tls: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}
	if o.TLSCA != "" {
		pem, err := os.ReadFile(o.TLSCA)
		if err != nil {
			return nil, fmt.Errorf("scenesync: tls: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("scenesync: tls: no certificates in %s", o.TLSCA)
		}
		config.RootCAs = pool
		config.ClientCAs = pool
		config.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return config, nil
}

func (o *Options) seal() (*seal.Seal, error) {
	if o.Seal != nil {
		return o.Seal, nil
	}
	sl := &seal.Seal{}
	if o.SignSeed != "" {
		seed, err := hex.DecodeString(o.SignSeed)
		if err != nil || len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("scenesync: bad sign_seed")
		}
		key := ed25519.NewKeyFromSeed(seed)
		sl.Signer = seal.Ed25519Signer{Key: key}
		verifier := seal.Ed25519Verifier{Trusted: []ed25519.PublicKey{key.Public().(ed25519.PublicKey)}}
		for _, h := range o.Trusted {
			pub, err := hex.DecodeString(h)
			if err != nil || len(pub) != ed25519.PublicKeySize {
				return nil, fmt.Errorf("scenesync: bad trusted key %q", h)
			}
			verifier.Trusted = append(verifier.Trusted, pub)
		}
		sl.Verifier = verifier
	}
	if o.CipherKey != "" {
		key, err := hex.DecodeString(o.CipherKey)
		if err != nil {
			return nil, fmt.Errorf("scenesync: bad cipher_key")
		}
		if sl.Cipher, err = seal.NewChaCha(key); err != nil {
			return nil, err
		}
	}
	if !sl.Enabled() {
		return nil, nil
	}
	return sl, nil
}

// discoverer combines the configured peer sources. Connect addresses
// are reported again every Rediscover, so they are dialled anew after
// the retry budget runs out.
func (o *Options) discoverer() discovery.Discoverer {
	var all discovery.Multi
	if o.Discoverer != nil {
		all = append(all, o.Discoverer)
	}
	if len(o.Connect) > 0 {
		all = append(all, discovery.Static{Addrs: o.Connect, Interval: time.Duration(o.Rediscover)})
	}
	if o.MDNS {
		m := &discovery.MDNS{Instance: o.Replica, Log: o.Logger}
		// announce the first listener with a fixed port
		for _, addr := range o.Listen {
			scheme, port, path := listenerParts(addr)
			if port > 0 {
				m.Scheme, m.Port, m.Path = scheme, port, path
				break
			}
		}
		all = append(all, m)
	}
	switch len(all) {
	case 0:
		return nil
	case 1:
		return all[0]
	}
	return all
}

func listenerParts(addr string) (scheme string, port int, path string) {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		scheme, u = "tcp", &url.URL{Host: addr}
	} else {
		scheme, path = u.Scheme, u.EscapedPath()
	}
	_, p, err := net.SplitHostPort(u.Host)
	if err != nil {
		return scheme, 0, path
	}
	port, _ = strconv.Atoi(p)
	return
}
