// Package ctrlsock implements the Control-Socket Client (spec §4.1): the
// long-lived registration connection plus the transient, per-request
// connections used for every other control-plane call.
//
// Framing and FD-passing are grounded on the ReadMsgUnix/WriteMsgUnix +
// SCM_RIGHTS handshake in lab47/lnf's vhostuser device (other_examples/),
// composed with the teacher's golang.org/x/sys/unix dependency.
package ctrlsock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/wire"
)

var (
	// ErrProtocolMismatch means a RESPONSE's type or msg_id did not
	// match the outstanding request.
	ErrProtocolMismatch = errors.New("ctrlsock: response type/msg_id mismatch")
	// ErrRequestFailed means the controller returned a non-success status.
	ErrRequestFailed = errors.New("ctrlsock: controller returned failure status")
	// ErrNoFD means a REQ_CHANNEL response carried no ancillary file
	// descriptor despite a success status.
	ErrNoFD = errors.New("ctrlsock: response carried no file descriptor")
)

// Client holds the process-wide control-plane state spec §9 describes:
// the application UUID, the persistent registration connection, and the
// monotonic msg_id counter. It is an explicit handle rather than package
// globals so tests (and, in principle, multiple controllers) can run
// several independently.
type Client struct {
	addr string

	mu         sync.Mutex
	uuid       wire.UUID
	persistent *net.UnixConn

	// leaked accumulates connections from failed Init attempts that the
	// spec's resolved open question (§9) says must not be closed, since
	// closing would trigger the controller's de-registration path for
	// an application that never registered. Referencing them here keeps
	// the Go runtime's net.Conn finalizer from closing the fd out from
	// under that contract.
	leaked []*net.UnixConn

	msgID atomic.Uint32
}

// New builds a Client targeting addr, or wire.ControllerDefaultPath if
// addr is empty.
func New(addr string) *Client {
	if addr == "" {
		addr = wire.ControllerDefaultPath
	}
	return &Client{addr: addr}
}

// AppUUID returns the application identifier established by Init, or
// the zero UUID before Init has succeeded.
func (c *Client) AppUUID() wire.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uuid
}

func (c *Client) nextMsgID() uint32 {
	return c.msgID.Add(1)
}

// Init registers the application with the controller. Idempotent per
// spec §4.1: if AppUUID is already non-zero, it succeeds immediately
// without any network traffic. On success the dialed connection is kept
// open for the process lifetime (spec §3.7) — the controller uses its
// close as the de-registration signal, so Init never closes it itself.
func (c *Client) Init(ctx context.Context) error {
	c.mu.Lock()
	if !c.uuid.IsZero() {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	uuid := wire.NewUUID()
	conn, err := dial(ctx, c.addr)
	if err != nil {
		return fmt.Errorf("ctrlsock: dialing controller: %w", err)
	}

	req := wire.CtrlMsg{Type: wire.MsgReqRegister, MsgID: c.nextMsgID(), AppUUID: uuid}
	resp, _, err := roundTrip(ctx, conn, &req, false)
	if err != nil {
		conn.Close()
		return fmt.Errorf("ctrlsock: registering: %w", err)
	}

	if resp.Type != wire.MsgResponse || resp.MsgID != req.MsgID {
		c.mu.Lock()
		c.leaked = append(c.leaked, conn)
		c.mu.Unlock()
		return fmt.Errorf("%w: got type=%d msg_id=%d, want type=%d msg_id=%d",
			ErrProtocolMismatch, resp.Type, resp.MsgID, wire.MsgResponse, req.MsgID)
	}
	if resp.Status != wire.StatusSuccess {
		conn.Close()
		return fmt.Errorf("%w: status=%d", ErrRequestFailed, resp.Status)
	}

	c.mu.Lock()
	c.uuid = uuid
	c.persistent = conn
	c.mu.Unlock()
	return nil
}

// Close closes the persistent registration connection, triggering the
// controller's de-registration path. Not part of the public nsaas API
// (spec §4.6 keeps channels and the registration socket alive until
// process exit) — it exists for tests and for callers that want a
// controlled shutdown rather than relying on process exit.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.persistent == nil {
		return nil
	}
	err := c.persistent.Close()
	c.persistent = nil
	return err
}

// ctrlRequest opens a new transient connection for req, per spec §4.1:
// "Opens a new connection per call ... concurrent callers from multiple
// application threads, each using a private socket, avoid needing a
// mutex." It is safe to call concurrently from many goroutines; the only
// shared state it touches is c.addr (read-only). The caller advances
// c.msgID (atomic) when building req.
func (c *Client) ctrlRequest(ctx context.Context, req *wire.CtrlMsg, wantFD bool) (wire.CtrlMsg, int, error) {
	conn, err := dial(ctx, c.addr)
	if err != nil {
		return wire.CtrlMsg{}, -1, fmt.Errorf("ctrlsock: dialing controller: %w", err)
	}
	defer conn.Close()
	return roundTrip(ctx, conn, req, wantFD)
}

// Attach requests a fresh shared-memory channel and maps it via the
// Channel Binder (spec §4.1 "attach", §4.2).
func (c *Client) Attach(ctx context.Context) (*channel.Context, error) {
	c.mu.Lock()
	appUUID := c.uuid
	c.mu.Unlock()

	req := wire.CtrlMsg{
		Type:    wire.MsgReqChannel,
		MsgID:   c.nextMsgID(),
		AppUUID: appUUID,
		ChannelInfo: wire.ChannelInfo{
			ChannelUUID:  wire.NewUUID(),
			DescRingSize: wire.DefaultDescRingSize,
			BufferCount:  wire.DefaultBufferCount,
		},
	}

	resp, fd, err := c.ctrlRequest(ctx, &req, true)
	if err != nil {
		return nil, fmt.Errorf("ctrlsock: requesting channel: %w", err)
	}
	if resp.Type != wire.MsgResponse || resp.MsgID != req.MsgID {
		closeFD(fd)
		return nil, fmt.Errorf("%w: got type=%d msg_id=%d, want type=%d msg_id=%d",
			ErrProtocolMismatch, resp.Type, resp.MsgID, wire.MsgResponse, req.MsgID)
	}
	if resp.Status != wire.StatusSuccess {
		closeFD(fd)
		return nil, fmt.Errorf("%w: status=%d", ErrRequestFailed, resp.Status)
	}
	if fd < 0 {
		return nil, ErrNoFD
	}

	return channel.Bind(fd)
}

func closeFD(fd int) {
	if fd >= 0 {
		unix.Close(fd)
	}
}

// dial opens a stream connection to addr, respecting ctx's deadline if
// it has one.
func dial(ctx context.Context, addr string) (*net.UnixConn, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "unix", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*net.UnixConn), nil
}

// roundTrip sends exactly one fixed-size CtrlMsg and blocks for exactly
// one fixed-size response (spec §4.1, §6.1 "no length prefix"), failing
// on any short write or short read. If wantFD is set, it scans the
// ancillary data for a SOL_SOCKET/SCM_RIGHTS control message and returns
// the first file descriptor found, or -1 if none was present.
func roundTrip(ctx context.Context, conn *net.UnixConn, req *wire.CtrlMsg, wantFD bool) (wire.CtrlMsg, int, error) {
	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	stopWatch := watchCancel(ctx, conn)
	defer stopWatch()

	reqBytes := req.Bytes()
	n, _, err := conn.WriteMsgUnix(reqBytes, nil, nil)
	if err != nil {
		return wire.CtrlMsg{}, -1, fmt.Errorf("writing request: %w", err)
	}
	if n != len(reqBytes) {
		return wire.CtrlMsg{}, -1, fmt.Errorf("partial write: %d of %d bytes", n, len(reqBytes))
	}

	var resp wire.CtrlMsg
	respBytes := resp.Bytes()
	oob := make([]byte, unix.CmsgSpace(4))
	rn, oobn, flags, _, err := conn.ReadMsgUnix(respBytes, oob)
	if err != nil {
		return wire.CtrlMsg{}, -1, fmt.Errorf("reading response: %w", err)
	}
	if flags&(unix.MSG_TRUNC|unix.MSG_CTRUNC) != 0 {
		return wire.CtrlMsg{}, -1, errors.New("response truncated")
	}
	if rn != len(respBytes) {
		return wire.CtrlMsg{}, -1, fmt.Errorf("partial read: %d of %d bytes", rn, len(respBytes))
	}

	fd := -1
	if wantFD && oobn > 0 {
		fd = scanFD(oob[:oobn])
	}
	return resp, fd, nil
}

// scanFD walks the control-message headers in oob looking for a
// SOL_SOCKET/SCM_RIGHTS entry and returns the first fd it carries, or -1
// if none is found — the same scan spec §4.1's ctrl_request describes,
// minus the original's stray stderr diagnostics (library code doesn't
// write to stderr; see SPEC_FULL.md §9).
func scanFD(oob []byte) int {
	cmsgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return -1
	}
	for _, cmsg := range cmsgs {
		if cmsg.Header.Level != unix.SOL_SOCKET || cmsg.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		fds, err := unix.ParseUnixRights(&cmsg)
		if err != nil || len(fds) == 0 {
			continue
		}
		return fds[0]
	}
	return -1
}

// watchCancel closes c if ctx is done before the returned stop function
// is called, giving a blocking Read/Write a way to unblock on
// cancellation even without a deadline. Returns a function that must be
// called to release the watcher once the blocking call has returned.
func watchCancel(ctx context.Context, c io.Closer) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
