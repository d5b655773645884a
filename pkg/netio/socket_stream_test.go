package netio

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeStream struct {
	n   int
	err error
}

func (f *fakeStream) ReadStream(buf []byte) (int, error)  { return f.n, f.err }
func (f *fakeStream) WriteStream(buf []byte) (int, error) { return f.n, f.err }

func Test_SocketStream_ShouldClassifyZeroBytesAsClosed(t *testing.T) {
	s := New(&fakeStream{n: 0, err: nil})
	res := s.Read(make([]byte, 16))
	assert.Equal(t, Closed, res.Outcome)
}

func Test_SocketStream_ShouldClassifyEAGAINAsZeroByteTransfer(t *testing.T) {
	s := New(&fakeStream{n: -1, err: syscall.EAGAIN})
	res := s.Read(make([]byte, 16))
	assert.Equal(t, Transferred, res.Outcome)
	assert.Equal(t, 0, res.N)
}

func Test_SocketStream_ShouldClassifyECONNRESETAsClosed(t *testing.T) {
	s := New(&fakeStream{n: -1, err: syscall.ECONNRESET})
	res := s.Read(make([]byte, 16))
	assert.Equal(t, Closed, res.Outcome)
}

func Test_SocketStream_ShouldClassifyENOBUFSAsBlocked(t *testing.T) {
	s := New(&fakeStream{n: -1, err: syscall.ENOBUFS})
	res := s.Read(make([]byte, 16))
	assert.Equal(t, Blocked, res.Outcome)
}

func Test_SocketStream_ShouldClassifyOtherErrnoAsConnectionError(t *testing.T) {
	s := New(&fakeStream{n: -1, err: syscall.EINVAL})
	res := s.Read(make([]byte, 16))
	assert.Equal(t, Error, res.Outcome)
	require := &ConnectionError{}
	assert.ErrorAs(t, res.Err, &require)
	assert.Equal(t, syscall.EINVAL, require.Errno)
}

func Test_SocketStream_ShouldReturnBytesTransferredOnSuccess(t *testing.T) {
	s := New(&fakeStream{n: 12, err: nil})
	res := s.Write([]byte("hello world!"))
	assert.Equal(t, Transferred, res.Outcome)
	assert.Equal(t, 12, res.N)
}
