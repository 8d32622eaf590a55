// Package tlsconfig builds TLS configs for the HTTP and gRPC endpoints.
package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "os"
    "sync"
    "time"

    "github.com/cockroachdb/errors"
)

type Options struct {
    Enable             bool   `yaml:"enable"`
    CAFile             string `yaml:"ca_file"`
    CertFile           string `yaml:"cert_file"`
    KeyFile            string `yaml:"key_file"`
    ServerName         string `yaml:"server_name"`
    InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
    // ReloadInterval, when set, reloads the server certificate from disk at
    // most this often so it can be rotated in place.
    ReloadInterval time.Duration `yaml:"reload_interval"`
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, errors.Wrap(err, "tls: read ca") }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) { return nil, errors.Newf("tls: no certificates in %s", path) }
    return pool, nil
}

// Server returns nil when TLS is disabled. A CA file turns on mutual TLS.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    if o.CertFile == "" || o.KeyFile == "" { return nil, errors.New("tls: server cert and key are required") }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12}
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    if o.ReloadInterval <= 0 {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, errors.Wrap(err, "tls: load key pair") }
        cfg.Certificates = []tls.Certificate{cert}
        return cfg, nil
    }
    r := &reloader{cert: o.CertFile, key: o.KeyFile, every: o.ReloadInterval}
    if _, err := r.get(); err != nil { return nil, err }
    cfg.GetCertificate = func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.get() }
    return cfg, nil
}

// Client returns nil when TLS is disabled.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable { return nil, nil }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        cert, err := tls.LoadX509KeyPair(o.CertFile, o.KeyFile)
        if err != nil { return nil, errors.Wrap(err, "tls: load client key pair") }
        cfg.Certificates = []tls.Certificate{cert}
    }
    return cfg, nil
}

type reloader struct {
    cert, key string
    every     time.Duration

    mu     sync.Mutex
    cached *tls.Certificate
    loaded time.Time
}

func (r *reloader) get() (*tls.Certificate, error) {
    r.mu.Lock()
    defer r.mu.Unlock()
    if r.cached != nil && time.Since(r.loaded) < r.every { return r.cached, nil }
    cert, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        // Keep serving the previous certificate while a rotation is half
        // written.
        if r.cached != nil { return r.cached, nil }
        return nil, errors.Wrap(err, "tls: load key pair")
    }
    r.cached, r.loaded = &cert, time.Now()
    return r.cached, nil
}
