// Package sqlkv keeps kv.Store entries in a SQL Server table. Conditional
// UPDATE/DELETE statements give compare-and-swap; a sequence object supplies
// revisions and Watch polls.
package sqlkv

import (
    "context"
    "database/sql"
    "fmt"
    "net/url"
    "time"

    "github.com/cockroachdb/errors"
    "github.com/hashicorp/go-hclog"
    mssql "github.com/microsoft/go-mssqldb"

    "github.com/amirimatin/go-metasrv/pkg/internal/logutil"
    "github.com/amirimatin/go-metasrv/pkg/kv"
)

type Options struct {
    DSN          string
    PollInterval time.Duration
    // EnsureSchema creates the table and sequence when missing.
    EnsureSchema bool
    Logger       hclog.Logger
}

type Store struct {
    db   *sql.DB
    poll time.Duration
    log  hclog.Logger
    done chan struct{}
}

var _ kv.Store = (*Store)(nil)

const schema = `
IF OBJECT_ID('dbo.metasrv_kv_seq', 'SO') IS NULL
    CREATE SEQUENCE dbo.metasrv_kv_seq AS BIGINT START WITH 1 INCREMENT BY 1;
IF OBJECT_ID('dbo.metasrv_kv', 'U') IS NULL
    CREATE TABLE dbo.metasrv_kv (
        k   NVARCHAR(450)  NOT NULL PRIMARY KEY,
        v   VARBINARY(MAX) NOT NULL,
        rev BIGINT         NOT NULL
    );`

// BuildDSN assembles a sqlserver:// connection string.
func BuildDSN(host, port, user, password, database, encrypt string) (string, error) {
    if password == "" { return "", errors.New("sqlkv: password is required") }
    uri := &url.URL{
        Scheme: "sqlserver",
        User:   url.UserPassword(user, password),
        Host:   fmt.Sprintf("%s:%s", host, port),
    }
    q := url.Values{}
    q.Set("database", database)
    q.Set("encrypt", encrypt)
    uri.RawQuery = q.Encode()
    return uri.String(), nil
}

func Open(ctx context.Context, opts Options) (*Store, error) {
    if opts.DSN == "" { return nil, errors.New("sqlkv: empty dsn") }
    if opts.PollInterval <= 0 { opts.PollInterval = 500 * time.Millisecond }
    db, err := sql.Open("sqlserver", opts.DSN)
    if err != nil { return nil, kv.Unavailable(err, "open") }
    if err := db.PingContext(ctx); err != nil { _ = db.Close(); return nil, kv.Unavailable(err, "ping") }
    if opts.EnsureSchema {
        if _, err := db.ExecContext(ctx, schema); err != nil { _ = db.Close(); return nil, kv.Unavailable(err, "schema") }
    }
    return &Store{db: db, poll: opts.PollInterval, log: logutil.Named(opts.Logger, "sqlkv"), done: make(chan struct{})}, nil
}

func isUniqueViolation(err error) bool {
    var mssqlErr mssql.Error
    if !errors.As(err, &mssqlErr) { return false }
    return mssqlErr.Number == 2627 || mssqlErr.Number == 2601
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
    if value == nil { value = []byte{} }
    _, err := s.db.ExecContext(ctx,
        `INSERT INTO dbo.metasrv_kv (k, v, rev) VALUES (@p1, @p2, NEXT VALUE FOR dbo.metasrv_kv_seq)`,
        key, value)
    if err == nil { return true, nil }
    if isUniqueViolation(err) { return false, nil }
    return false, kv.Classify(ctx, err, "insert")
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, value []byte) (bool, error) {
    if expected == nil { return s.PutIfAbsent(ctx, key, value) }
    if value == nil { value = []byte{} }
    res, err := s.db.ExecContext(ctx,
        `UPDATE dbo.metasrv_kv SET v = @p1, rev = NEXT VALUE FOR dbo.metasrv_kv_seq WHERE k = @p2 AND v = @p3`,
        value, key, expected)
    if err != nil { return false, kv.Classify(ctx, err, "update") }
    n, err := res.RowsAffected()
    if err != nil { return false, kv.Classify(ctx, err, "update") }
    return n == 1, nil
}

func (s *Store) CompareAndDelete(ctx context.Context, key string, expected []byte) (bool, error) {
    res, err := s.db.ExecContext(ctx, `DELETE FROM dbo.metasrv_kv WHERE k = @p1 AND v = @p2`, key, expected)
    if err != nil { return false, kv.Classify(ctx, err, "delete") }
    n, err := res.RowsAffected()
    if err != nil { return false, kv.Classify(ctx, err, "delete") }
    return n == 1, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
    var v []byte
    err := s.db.QueryRowContext(ctx, `SELECT v FROM dbo.metasrv_kv WHERE k = @p1`, key).Scan(&v)
    if errors.Is(err, sql.ErrNoRows) { return nil, false, nil }
    if err != nil { return nil, false, kv.Classify(ctx, err, "select") }
    return v, true, nil
}

func (s *Store) Range(ctx context.Context, prefix string) ([]kv.KeyValue, error) {
    rows, err := s.db.QueryContext(ctx,
        `SELECT k, v, rev FROM dbo.metasrv_kv WHERE LEFT(k, LEN(@p1)) = @p1 ORDER BY k`, prefix)
    if err != nil { return nil, kv.Classify(ctx, err, "range") }
    defer rows.Close()
    var out []kv.KeyValue
    for rows.Next() {
        var (
            e   kv.KeyValue
            rev int64
        )
        if err := rows.Scan(&e.Key, &e.Value, &rev); err != nil { return nil, kv.Classify(ctx, err, "range scan") }
        e.Revision = uint64(rev)
        out = append(out, e)
    }
    if err := rows.Err(); err != nil { return nil, kv.Classify(ctx, err, "range") }
    return out, nil
}

// Watch polls Range every PollInterval and reports the differences.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan kv.Event, error) {
    cur, err := s.Range(ctx, prefix)
    if err != nil { return nil, err }
    _, seen := kv.Diff(nil, cur)
    out := make(chan kv.Event, 256)
    go func() {
        defer close(out)
        t := time.NewTicker(s.poll)
        defer t.Stop()
        for {
            select {
            case <-ctx.Done():
                return
            case <-s.done:
                return
            case <-t.C:
            }
            cur, err := s.Range(ctx, prefix)
            if err != nil {
                s.log.Debug("watch poll failed", "prefix", prefix, "err", err)
                continue
            }
            var evs []kv.Event
            evs, seen = kv.Diff(seen, cur)
            for _, ev := range evs {
                select {
                case out <- ev:
                case <-ctx.Done():
                    return
                }
            }
        }
    }()
    return out, nil
}

func (s *Store) Close() error {
    select {
    case <-s.done:
        return nil
    default:
        close(s.done)
    }
    return s.db.Close()
}
