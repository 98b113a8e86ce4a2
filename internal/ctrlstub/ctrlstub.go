// Package ctrlstub is an in-process stand-in for the out-of-process
// nsaas controller (spec §1, "Out of scope: the controller process
// itself"). It exists only for this module's own tests: it speaks just
// enough of the control-socket protocol to register an application and
// hand it a real, memfd-backed channel, and exposes that channel's
// "other side" so a test can drive flow-plane and datapath completions
// without a second process.
package ctrlstub

import (
	"io"
	"net"
	"sync"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/nsaas/nsaas-go/channel"
	"github.com/nsaas/nsaas-go/wire"
)

// Controller is a minimal, single-purpose stub. Its canned behavior is
// fixed at Start time via Opts; it does not support changing behavior
// mid-test, matching how little the tests that use it actually need.
type Controller struct {
	addr string
	ln   *net.UnixListener

	registerStatus uint32
	mismatchMsgID  bool
	omitFD         bool
	bufMSS         uint32
	bufCount       uint32
	ringSize       uint32

	mu      sync.Mutex
	lastFD  int
	lastErr error
	conns   []*net.UnixConn

	wg sync.WaitGroup
}

// Opt configures a Controller's canned behavior for a single test.
type Opt func(*Controller)

// WithRegisterStatus makes REQ_REGISTER respond with the given status
// instead of StatusSuccess.
func WithRegisterStatus(status uint32) Opt {
	return func(c *Controller) { c.registerStatus = status }
}

// WithMismatchedMsgID makes every response echo a msg_id one higher
// than the request's, simulating the protocol-violation scenario of
// spec scenario S5.
func WithMismatchedMsgID() Opt {
	return func(c *Controller) { c.mismatchMsgID = true }
}

// WithNoFD makes REQ_CHANNEL respond with StatusSuccess but no ancillary
// file descriptor.
func WithNoFD() Opt {
	return func(c *Controller) { c.omitFD = true }
}

// WithChannelDims overrides the default (small, test-friendly) channel
// dimensions used to size every memfd-backed channel this stub hands
// out.
func WithChannelDims(bufMSS, bufCount, ringSize uint32) Opt {
	return func(c *Controller) { c.bufMSS, c.bufCount, c.ringSize = bufMSS, bufCount, ringSize }
}

// Start binds a fresh unix socket under a test-scoped temp directory and
// begins accepting connections in the background. Everything it opens
// is torn down automatically via t.Cleanup.
func Start(t *testing.T, opts ...Opt) *Controller {
	t.Helper()

	addr := t.TempDir() + "/ctrl.sock"
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: addr, Net: "unix"})
	if err != nil {
		t.Fatalf("ctrlstub: listen: %v", err)
	}

	c := &Controller{
		addr:           addr,
		ln:             ln,
		registerStatus: wire.StatusSuccess,
		bufMSS:         128,
		bufCount:       64,
		ringSize:       16,
		lastFD:         -1,
	}
	for _, o := range opts {
		o(c)
	}

	c.wg.Add(1)
	go c.acceptLoop()

	t.Cleanup(func() {
		ln.Close()
		// The registration protocol deliberately leaves connections
		// open past a failed handshake (spec §9); close every accepted
		// connection here so handleConn's goroutines can exit and the
		// test binary doesn't accumulate blocked readers across tests.
		c.mu.Lock()
		for _, conn := range c.conns {
			conn.Close()
		}
		if c.lastFD >= 0 {
			unix.Close(c.lastFD)
		}
		c.mu.Unlock()
		c.wg.Wait()
	})
	return c
}

// Addr returns the unix socket path this stub is listening on.
func (c *Controller) Addr() string { return c.addr }

func (c *Controller) acceptLoop() {
	defer c.wg.Done()
	for {
		conn, err := c.ln.AcceptUnix()
		if err != nil {
			return // listener closed
		}
		c.mu.Lock()
		c.conns = append(c.conns, conn)
		c.mu.Unlock()
		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

func (c *Controller) handleConn(conn *net.UnixConn) {
	defer c.wg.Done()
	defer conn.Close()

	for {
		var req wire.CtrlMsg
		if _, err := io.ReadFull(conn, req.Bytes()); err != nil {
			return // peer closed: for the registration socket, this is the de-registration signal
		}

		switch req.Type {
		case wire.MsgReqRegister:
			c.handleRegister(conn, &req)
		case wire.MsgReqChannel:
			c.handleChannel(conn, &req)
		default:
			return
		}
	}
}

func (c *Controller) handleRegister(conn *net.UnixConn, req *wire.CtrlMsg) {
	resp := wire.CtrlMsg{
		Type:    wire.MsgResponse,
		MsgID:   req.MsgID,
		Status:  c.registerStatus,
		AppUUID: req.AppUUID,
	}
	if c.mismatchMsgID {
		resp.MsgID++
	}
	conn.Write(resp.Bytes())
}

func (c *Controller) handleChannel(conn *net.UnixConn, req *wire.CtrlMsg) {
	resp := wire.CtrlMsg{
		Type:        wire.MsgResponse,
		MsgID:       req.MsgID,
		Status:      wire.StatusError,
		AppUUID:     req.AppUUID,
		ChannelInfo: req.ChannelInfo,
	}
	if c.mismatchMsgID {
		resp.MsgID++
	}

	fd, err := c.makeChannel()
	if err != nil {
		c.mu.Lock()
		c.lastErr = err
		c.mu.Unlock()
		conn.Write(resp.Bytes())
		return
	}
	resp.Status = wire.StatusSuccess

	c.mu.Lock()
	c.lastFD = fd
	c.mu.Unlock()

	if c.omitFD {
		conn.Write(resp.Bytes())
		return
	}
	conn.WriteMsgUnix(resp.Bytes(), unix.UnixRights(fd), nil)
}

// makeChannel creates, sizes, and formats a fresh memfd-backed channel,
// returning the fd with the controller's own copy of the mapping closed
// (mmap doesn't need the fd kept open once mapped; channel.Bind, on the
// application side, never closes it itself on success).
func (c *Controller) makeChannel() (int, error) {
	fd, err := unix.MemfdCreate("nsaas-ctrlstub-channel", 0)
	if err != nil {
		return -1, err
	}
	size := channel.LayoutSize(c.bufMSS, c.bufCount, c.ringSize)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return -1, err
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}
	if err := channel.Create(mem, c.bufMSS, c.bufCount, c.ringSize); err != nil {
		unix.Munmap(mem)
		unix.Close(fd)
		return -1, err
	}
	unix.Munmap(mem)
	return fd, nil
}

// PeerChannel binds the controller's own copy of the most recently
// issued channel, giving the test a *channel.Context looking at the
// same shared memory from "the other side" — the role a real
// controller plays when it drains the app ring, answers control
// requests, and delivers messages.
func (c *Controller) PeerChannel(t *testing.T) *channel.Context {
	t.Helper()
	c.mu.Lock()
	fd := c.lastFD
	c.mu.Unlock()
	if fd < 0 {
		t.Fatal("ctrlstub: no channel has been issued yet")
	}
	dup, err := unix.Dup(fd)
	if err != nil {
		t.Fatalf("ctrlstub: dup: %v", err)
	}
	ctx, err := channel.Bind(dup)
	if err != nil {
		t.Fatalf("ctrlstub: binding peer channel: %v", err)
	}
	return ctx
}
