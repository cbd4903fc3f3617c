package serialdev

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/robproject/lre-sendes/pkg/device"
	"go.uber.org/zap"
)

const (
	frameQueue            = 256
	defaultReadTimeout    = 5 * time.Second
	defaultCommandTimeout = 2 * time.Second
)

var ErrPortClosed = errors.New("serial port closed")

func New(port string, baudrate uint, logger *zap.Logger) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		Port:           port,
		Baudrate:       baudrate,
		ReadTimeout:    defaultReadTimeout,
		CommandTimeout: defaultCommandTimeout,
		logger:         logger,
	}
}

// Open connects to the board and starts the line reader.
func (d *Driver) Open(ctx context.Context) (device.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	open := d.OpenPort
	if open == nil {
		open = func(o serial.OpenOptions) (io.ReadWriteCloser, error) { return serial.Open(o) }
	}
	port, err := open(serial.OpenOptions{
		PortName:        d.Port,
		BaudRate:        d.Baudrate,
		DataBits:        8,
		StopBits:        1,
		MinimumReadSize: 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port: %w", err)
	}

	logger := d.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &conn{
		port:           port,
		logger:         logger.With(zap.String("port", d.Port)),
		readTimeout:    orDefault(d.ReadTimeout, defaultReadTimeout),
		commandTimeout: orDefault(d.CommandTimeout, defaultCommandTimeout),
		frames:         make(chan Frame, frameQueue),
		replies:        make(chan string, 4),
		done:           make(chan struct{}),
		lastSeq:        -1,
	}
	c.channels.Store(int64(len(device.ScanList)))
	go c.readLoop()
	c.logger.Info("connected to acquisition board")
	return c, nil
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}

func (c *conn) readLoop() {
	defer close(c.done)
	reader := bufio.NewReader(c.port)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			c.readErr = err
			return
		}
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "/"):
			frame, err := ParseFrame(line)
			if err != nil {
				c.logger.Warn("skipping frame", zap.Error(err))
				continue
			}
			c.queuedScans.Add(int64(len(frame.Values)) / c.channels.Load())
			select {
			case c.frames <- frame:
			default:
				c.queuedScans.Add(-int64(len(frame.Values)) / c.channels.Load())
				c.logger.Warn("host frame queue full, dropping frame", zap.Int("seq", frame.Seq))
			}
		case strings.HasPrefix(line, "OK"), strings.HasPrefix(line, "ERR"):
			select {
			case c.replies <- line:
			default:
				c.logger.Warn("reply queue full, dropping reply", zap.String("reply", line))
			}
		default:
			c.logger.Debug("ignoring line", zap.String("line", line))
		}
	}
}

// command sends one line and waits for the board's OK/ERR reply. The
// board answers commands in order, so replies owed to commands that
// already timed out are discarded before this command's reply is taken.
func (c *conn) command(format string, args ...any) (string, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.drainReplies()
	if _, err := fmt.Fprintf(c.port, format+"\n", args...); err != nil {
		return "", err
	}
	timeout := time.After(c.commandTimeout)
	for {
		select {
		case reply := <-c.replies:
			if c.orphaned > 0 {
				c.orphaned--
				c.logger.Debug("discarding late reply", zap.String("reply", reply))
				continue
			}
			if msg, ok := strings.CutPrefix(reply, "ERR"); ok {
				return "", errors.New(strings.TrimSpace(msg))
			}
			return strings.TrimSpace(strings.TrimPrefix(reply, "OK")), nil
		case <-c.done:
			return "", c.closedErr()
		case <-timeout:
			c.orphaned++
			return "", fmt.Errorf("no reply from board within %v", c.commandTimeout)
		}
	}
}

// drainReplies drops every reply queued before the next command is
// written. Callers hold writeMu.
func (c *conn) drainReplies() {
	for {
		select {
		case reply := <-c.replies:
			if c.orphaned > 0 {
				c.orphaned--
			}
			c.logger.Debug("discarding stale reply", zap.String("reply", reply))
		default:
			return
		}
	}
}

func (c *conn) closedErr() error {
	if c.readErr != nil && !errors.Is(c.readErr, io.EOF) {
		return fmt.Errorf("%w: %w", ErrPortClosed, c.readErr)
	}
	return ErrPortClosed
}

func (c *conn) WriteConfig(registers map[string]float64) error {
	names := make([]string, 0, len(registers))
	for name := range registers {
		names = append(names, name)
	}
	slices.Sort(names)
	pairs := make([]string, len(names))
	for i, name := range names {
		pairs[i] = name + "=" + strconv.FormatFloat(registers[name], 'g', -1, 64)
	}
	_, err := c.command("CFG %s", strings.Join(pairs, ";"))
	return err
}

func (c *conn) StartStream(scansPerRead int, scanList []string, scanRate float64) (float64, error) {
	// frames can arrive before the reply is read
	c.channels.Store(int64(len(scanList)))
	reply, err := c.command("START %d %g %s", scansPerRead, scanRate, strings.Join(scanList, ","))
	if err != nil {
		return 0, err
	}
	actual, err := strconv.ParseFloat(reply, 64)
	if err != nil {
		return 0, fmt.Errorf("bad scan rate in reply %q: %w", reply, err)
	}
	return actual, nil
}

func (c *conn) ReadChunk() (device.Chunk, error) {
	select {
	case frame := <-c.frames:
		c.queuedScans.Add(-int64(len(frame.Values)) / c.channels.Load())
		if c.lastSeq >= 0 && frame.Seq != c.lastSeq+1 {
			c.logger.Warn("frame sequence gap", zap.Int("expected", c.lastSeq+1), zap.Int("got", frame.Seq))
		}
		c.lastSeq = frame.Seq
		if len(frame.Values) == 0 {
			return device.Chunk{}, device.ErrNoScansReturned
		}
		return device.Chunk{
			Values:        frame.Values,
			DeviceBacklog: frame.DeviceBacklog,
			HostBacklog:   int(c.queuedScans.Load()),
		}, nil
	case <-c.done:
		return device.Chunk{}, c.closedErr()
	case <-time.After(c.readTimeout):
		return device.Chunk{}, device.ErrNoScansReturned
	}
}

func (c *conn) WriteName(name string, value float64) error {
	_, err := c.command("W %s %g", name, value)
	return err
}

func (c *conn) StopStream() error {
	_, err := c.command("STOP")
	return err
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.port.Close()
		c.logger.Info("disconnected from acquisition board")
	})
	return c.closeErr
}
