package serialdev

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/jacobsa/go-serial/serial"
	"github.com/robproject/lre-sendes/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	f := Frame{Seq: 7, DeviceBacklog: 12, Values: []float64{0.9451, 0.47, -9999, 0.2}}
	line := f.Encode()
	assert.True(t, strings.HasPrefix(line, "/7:12:0.9451;0.47;-9999;0.2!"))

	parsed, err := ParseFrame(line)
	require.NoError(t, err)
	assert.Equal(t, f, parsed)
}

func TestParseFrameRejectsCorruption(t *testing.T) {
	line := Frame{Seq: 1, Values: []float64{1, 2, 3}}.Encode()

	_, err := ParseFrame(strings.Replace(line, "1;2", "1;5", 1))
	assert.ErrorIs(t, err, ErrBadFrame)

	_, err = ParseFrame("7:12:1!0000")
	assert.ErrorIs(t, err, ErrBadFrame)

	empty, err := ParseFrame(Frame{Seq: 3}.Encode())
	require.NoError(t, err)
	assert.Empty(t, empty.Values)
}

// fakeBoard answers commands and streams frames once started.
func fakeBoard(t *testing.T, port net.Conn, frames []Frame) <-chan []string {
	seen := make(chan []string, 1)
	go func() {
		var commands []string
		defer func() { seen <- commands }()
		reader := bufio.NewReader(port)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			commands = append(commands, line)
			switch {
			case strings.HasPrefix(line, "START"):
				fmt.Fprint(port, "OK 266.5\n")
				for _, f := range frames {
					fmt.Fprint(port, f.Encode())
				}
			case strings.HasPrefix(line, "W BOGUS"):
				fmt.Fprint(port, "ERR unknown register\n")
			default:
				fmt.Fprint(port, "OK\n")
			}
		}
	}()
	return seen
}

func openPipe(t *testing.T, frames []Frame) (device.Conn, <-chan []string) {
	host, board := net.Pipe()
	seen := fakeBoard(t, board, frames)
	d := New("/dev/ttyTEST", 115200, nil)
	d.ReadTimeout = 200 * time.Millisecond
	d.OpenPort = func(o serial.OpenOptions) (io.ReadWriteCloser, error) {
		assert.Equal(t, "/dev/ttyTEST", o.PortName)
		return host, nil
	}
	conn, err := d.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { board.Close() })
	return conn, seen
}

func TestSerialStream(t *testing.T) {
	frames := []Frame{
		{Seq: 0, DeviceBacklog: 3, Values: []float64{1, 2, 3, 4, 5, 6}},
		{Seq: 1, DeviceBacklog: 0, Values: []float64{7, 8, 9}},
		{Seq: 2},
	}
	conn, seen := openPipe(t, frames)

	require.NoError(t, conn.WriteConfig(map[string]float64{
		device.RegStreamResolutionIndex: 8,
		device.RegAINAllNegativeCh:      199,
	}))
	rate, err := conn.StartStream(2, device.ScanList, 267)
	require.NoError(t, err)
	assert.Equal(t, 266.5, rate)

	first, err := conn.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6}, first.Values)
	assert.Equal(t, 3, first.DeviceBacklog)

	second, err := conn.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, []float64{7, 8, 9}, second.Values)
	assert.Equal(t, 0, second.HostBacklog)

	_, err = conn.ReadChunk()
	assert.ErrorIs(t, err, device.ErrNoScansReturned)

	assert.EqualError(t, conn.WriteName("BOGUS", 1), "unknown register")
	require.NoError(t, conn.WriteName(device.RegDAC0, 5))
	require.NoError(t, conn.StopStream())
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	commands := <-seen
	assert.Equal(t, []string{
		"CFG AIN_ALL_NEGATIVE_CH=199;STREAM_RESOLUTION_INDEX=8",
		"START 2 267 AIN0,AIN1,AIN2",
		"W BOGUS 1",
		"W DAC0 5",
		"STOP",
	}, commands)
}

func TestSerialReadTimeoutIsRetryable(t *testing.T) {
	conn, _ := openPipe(t, nil)
	_, err := conn.StartStream(2, device.ScanList, 267)
	require.NoError(t, err)

	_, err = conn.ReadChunk()
	assert.ErrorIs(t, err, device.ErrNoScansReturned)
	require.NoError(t, conn.Close())
}

// scriptedBoard hands every command line to answer.
func scriptedBoard(t *testing.T, answer func(line string, port net.Conn)) device.Conn {
	host, board := net.Pipe()
	go func() {
		reader := bufio.NewReader(board)
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			answer(strings.TrimSpace(line), board)
		}
	}()
	d := New("/dev/ttyTEST", 115200, nil)
	d.ReadTimeout = 200 * time.Millisecond
	d.CommandTimeout = 50 * time.Millisecond
	d.OpenPort = func(serial.OpenOptions) (io.ReadWriteCloser, error) { return host, nil }
	conn, err := d.Open(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		board.Close()
	})
	return conn
}

func lateDACBoard(line string, port net.Conn) {
	switch {
	case strings.HasPrefix(line, "W DAC0"):
		time.Sleep(150 * time.Millisecond)
		fmt.Fprint(port, "OK\n")
	case line == "STOP":
		fmt.Fprint(port, "ERR stream not running\n")
	default:
		fmt.Fprint(port, "OK\n")
	}
}

func TestLateReplyIsNotTakenByNextCommand(t *testing.T) {
	conn := scriptedBoard(t, lateDACBoard)

	err := conn.WriteName(device.RegDAC0, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no reply from board")

	assert.EqualError(t, conn.StopStream(), "stream not running")
}

func TestQueuedLateReplyIsDiscarded(t *testing.T) {
	conn := scriptedBoard(t, lateDACBoard)

	require.Error(t, conn.WriteName(device.RegDAC0, 5))
	// let the late OK land in the reply queue before the next command
	time.Sleep(200 * time.Millisecond)

	assert.EqualError(t, conn.StopStream(), "stream not running")
}

func TestUnsolicitedRepliesDoNotStallFrames(t *testing.T) {
	frame := Frame{Seq: 0, Values: []float64{1, 2, 3}}
	conn := scriptedBoard(t, func(line string, port net.Conn) {
		if !strings.HasPrefix(line, "START") {
			fmt.Fprint(port, "OK\n")
			return
		}
		fmt.Fprint(port, "OK 267\n")
		for range 10 {
			fmt.Fprint(port, "OK\n")
		}
		fmt.Fprint(port, frame.Encode())
	})

	_, err := conn.StartStream(1, device.ScanList, 267)
	require.NoError(t, err)

	chunk, err := conn.ReadChunk()
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 3}, chunk.Values)

	require.NoError(t, conn.StopStream())
}
