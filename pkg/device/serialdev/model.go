package serialdev

import (
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"go.uber.org/zap"
)

// Driver talks to a serial-attached acquisition board.
type Driver struct {
	Port           string
	Baudrate       uint
	ReadTimeout    time.Duration
	CommandTimeout time.Duration
	// OpenPort opens the transport; serial.Open when nil.
	OpenPort func(serial.OpenOptions) (io.ReadWriteCloser, error)

	logger *zap.Logger
}

type conn struct {
	port   io.ReadWriteCloser
	logger *zap.Logger

	readTimeout    time.Duration
	commandTimeout time.Duration

	writeMu sync.Mutex
	frames  chan Frame
	replies chan string
	done    chan struct{}
	readErr error
	// orphaned counts timed-out commands whose reply is still owed.
	// Guarded by writeMu.
	orphaned int

	channels    atomic.Int64
	queuedScans atomic.Int64
	lastSeq     int

	closeOnce sync.Once
	closeErr  error
}
