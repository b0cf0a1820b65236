// Package crpc is a small net/rpc style request/response protocol using CBOR
// framing over a stream connection.
package crpc

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/fxamacker/cbor/v2"

	log "github.com/sirupsen/logrus"
)

type ServerError string

func (e ServerError) Error() string {
	return string(e)
}

var ErrShutdown = errors.New("connection is shut down")

// Call represents an active RPC.
type Call struct {
	ServiceMethod string     // The name of the service and method to call.
	Args          any        // The argument to the function (*struct).
	Reply         any        // The reply from the function (*struct).
	Error         error      // After completion, the error status.
	Done          chan *Call // Receives *Call when Go is complete.

	seq uint64
}

type Client struct {
	conn io.ReadWriteCloser

	sending sync.Mutex // serialises writes on conn
	encoder *cbor.Encoder

	mutex    sync.Mutex // protects following fields
	seq      uint64
	pending  map[uint64]*Call
	closing  bool // user has called Close
	shutdown bool // server has told us to stop
}

func NewClient(conn io.ReadWriteCloser) *Client {
	client := &Client{
		conn:    conn,
		encoder: cbor.NewEncoder(conn),
		pending: make(map[uint64]*Call),
	}
	go client.input()
	return client
}

// Dial connects to an RPC server at the specified network address.
func Dial(network, address string) (*Client, error) {
	return DialContext(context.Background(), network, address)
}

// DialContext connects to an RPC server, giving up when ctx expires.
func DialContext(ctx context.Context, network, address string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

func (client *Client) send(call *Call) {
	// Register this call.
	client.mutex.Lock()
	if client.closing || client.shutdown {
		client.mutex.Unlock()
		call.Error = ErrShutdown
		call.done()
		return
	}
	seq := client.seq
	client.seq++
	call.seq = seq
	client.pending[seq] = call
	client.mutex.Unlock()

	// Encode and send the request.
	client.sending.Lock()
	err := client.encoder.Encode(&RequestHeader{Method: call.ServiceMethod, Seq: seq})
	if err == nil {
		err = client.encoder.Encode(call.Args)
	}
	client.sending.Unlock()

	if err != nil {
		if client.forget(seq) != nil {
			call.Error = err
			call.done()
		}
	}
}

// forget removes a pending call and returns it, or nil if a reply already claimed it.
func (client *Client) forget(seq uint64) *Call {
	client.mutex.Lock()
	defer client.mutex.Unlock()
	call := client.pending[seq]
	delete(client.pending, seq)
	return call
}

func (call *Call) done() {
	select {
	case call.Done <- call:
		// ok
	default:
		// It is the caller's responsibility to make sure the channel has enough buffer space. See Go().
		log.Debugf("crpc: discarding Call reply due to insufficient Done chan capacity")
	}
}

func (client *Client) input() {
	var err error

	decoder := cbor.NewDecoder(client.conn)
	for err == nil {
		response := ResponseHeader{}
		if err = decoder.Decode(&response); err != nil {
			break
		}

		call := client.forget(response.Seq)

		switch {
		case call == nil:
			// The call was cancelled or failed to send. Consume the body, if any.
			if response.Err == "" {
				var dummy cbor.RawMessage
				err = decoder.Decode(&dummy)
			}
			log.Debugf("crpc: discarding reply for unknown sequence %d", response.Seq)

		case response.Err != "":
			call.Error = ServerError(response.Err)
			call.done()

		default:
			if e := decoder.Decode(call.Reply); e != nil {
				call.Error = e
				err = e
			}
			call.done()
		}
	}

	// Terminate pending calls
	client.mutex.Lock()
	defer client.mutex.Unlock()

	client.shutdown = true
	shutdownError := err
	if client.closing || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		shutdownError = ErrShutdown
		log.Debugf("crpc: client connection closed: %v", err)
	} else {
		log.Warnf("crpc: client input loop error: %v", err)
	}

	for _, call := range client.pending {
		call.Error = shutdownError
		call.done()
	}
	client.pending = make(map[uint64]*Call)
}

// Go invokes the function asynchronously. It returns the Call structure representing
// the invocation. The done channel will signal when the call is complete by returning
// the same Call object. If done is nil, Go will allocate a new channel.
// If non-nil, done must be buffered or replies will be discarded.
func (client *Client) Go(serviceMethod string, args any, reply any, done chan *Call) *Call {
	call := new(Call)
	call.ServiceMethod = serviceMethod
	call.Args = args
	call.Reply = reply
	if done == nil {
		done = make(chan *Call, 1) // buffered.
	}
	call.Done = done
	client.send(call)
	return call
}

// Call invokes the named function, waits for it to complete, and returns its error status.
// A call abandoned because of ctx is forgotten; a late reply is discarded.
func (client *Client) Call(ctx context.Context, serviceMethod string, args any, reply any) error {
	call := client.Go(serviceMethod, args, reply, make(chan *Call, 1))
	select {
	case <-ctx.Done():
		client.forget(call.seq)
		return ctx.Err()
	case resp := <-call.Done:
		return resp.Error
	}
}

// Close calls the underlying connection's Close method.
// If the connection is already shutting down, ErrShutdown is returned.
func (client *Client) Close() error {
	client.mutex.Lock()
	if client.closing {
		client.mutex.Unlock()
		return ErrShutdown
	}
	client.closing = true
	client.mutex.Unlock()
	return client.conn.Close() // This will cause client.input() to exit and cleanup
}
