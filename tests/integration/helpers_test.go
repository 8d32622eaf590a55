//go:build integration

package integration

import (
    "context"
    "crypto/ecdsa"
    "crypto/elliptic"
    "crypto/rand"
    "crypto/x509"
    "crypto/x509/pkix"
    "encoding/pem"
    "math/big"
    "net"
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/cockroachdb/errors"

    "github.com/amirimatin/go-metasrv/pkg/bootstrap"
    "github.com/amirimatin/go-metasrv/pkg/config"
)

var errNotYet = errors.New("not yet")

func waitUntil(t *testing.T, d time.Duration, fn func() error) {
    t.Helper()
    deadline := time.Now().Add(d)
    var err error
    for time.Now().Before(deadline) {
        if err = fn(); err == nil { return }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("condition not met within %s: %v", d, err)
}

// running is a started node that can be stopped on its own.
type running struct {
    node   *bootstrap.Node
    cancel context.CancelFunc
    done   chan error
}

func (r *running) stop(t *testing.T) {
    t.Helper()
    if r.cancel == nil { return }
    r.cancel()
    r.cancel = nil
    select {
    case err := <-r.done:
        if err != nil { t.Errorf("node %s: %v", r.node.Config.Node.ID, err) }
    case <-time.After(15 * time.Second):
        t.Errorf("node %s did not stop", r.node.Config.Node.ID)
    }
}

func start(t *testing.T, cfg config.Config) *running {
    t.Helper()
    n, err := bootstrap.Build(context.Background(), cfg, nil)
    if err != nil { t.Fatalf("build %s: %v", cfg.Node.ID, err) }
    ctx, cancel := context.WithCancel(context.Background())
    r := &running{node: n, cancel: cancel, done: make(chan error, 1)}
    go func() { r.done <- n.Run(ctx) }()
    t.Cleanup(func() { r.stop(t) })
    return r
}

// writeSelfSigned writes a CA-capable cert for 127.0.0.1 usable by both
// server and client, and returns the cert and key paths.
func writeSelfSigned(t *testing.T, dir string) (string, string) {
    t.Helper()
    key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
    if err != nil { t.Fatal(err) }
    tmpl := &x509.Certificate{
        SerialNumber:          big.NewInt(1),
        Subject:               pkix.Name{CommonName: "metasrv-test"},
        NotBefore:             time.Now().Add(-time.Hour),
        NotAfter:              time.Now().Add(time.Hour),
        IsCA:                  true,
        BasicConstraintsValid: true,
        KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
        ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
        IPAddresses:           []net.IP{net.ParseIP("127.0.0.1")},
        DNSNames:              []string{"localhost"},
    }
    der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
    if err != nil { t.Fatal(err) }
    kb, err := x509.MarshalECPrivateKey(key)
    if err != nil { t.Fatal(err) }
    crt := filepath.Join(dir, "node.crt")
    kf := filepath.Join(dir, "node.key")
    if err := os.WriteFile(crt, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600); err != nil { t.Fatal(err) }
    if err := os.WriteFile(kf, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: kb}), 0o600); err != nil { t.Fatal(err) }
    return crt, kf
}
