package grpc

import (
    "context"
    "io"

    "github.com/cockroachdb/errors"
    "google.golang.org/grpc"
    "google.golang.org/grpc/metadata"

    "github.com/amirimatin/go-metasrv/pkg/election"
    "github.com/amirimatin/go-metasrv/pkg/transport"
)

// Watch opens the leadership event stream on addr and invokes fn for every
// event. It blocks until the stream ends or ctx is done.
func (c *Client) Watch(ctx context.Context, addr, nodeID string, fn func(election.Event)) error {
    cc, rel, err := c.conns().Get(ctx, addr)
    if err != nil { return err }
    defer rel()
    var md metadata.MD
    cs, err := cc.NewStream(ctx, &grpc.StreamDesc{ServerStreams: true}, "/"+electionService+"/Watch", grpc.Trailer(&md))
    if err != nil { return fromStatus(ctx, err, md) }
    if err := cs.SendMsg(&transport.WatchRequest{NodeID: nodeID}); err != nil { return fromStatus(ctx, err, md) }
    _ = cs.CloseSend()
    for {
        var ev election.Event
        if err := cs.RecvMsg(&ev); err != nil {
            if errors.Is(err, io.EOF) { return nil }
            if ctx.Err() != nil { return ctx.Err() }
            return fromStatus(ctx, err, md)
        }
        fn(ev)
    }
}
