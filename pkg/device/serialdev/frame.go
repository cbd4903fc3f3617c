package serialdev

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sigurn/crc16"
)

var ErrBadFrame = errors.New("bad frame")

// CRC16/ARC, the same checksum DSMR telegrams carry.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// Frame is one data line from the board:
//
//	/<seq>:<device backlog>:<v;v;v;...>!<CRC>
//
// The CRC covers everything up to and including '!'.
type Frame struct {
	Seq           int
	DeviceBacklog int
	Values        []float64
}

func (f Frame) Encode() string {
	vals := make([]string, len(f.Values))
	for i, v := range f.Values {
		vals[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	body := fmt.Sprintf("/%d:%d:%s!", f.Seq, f.DeviceBacklog, strings.Join(vals, ";"))
	return fmt.Sprintf("%s%04X\n", body, crc16.Checksum([]byte(body), crcTable))
}

func validateCRC(line string) (string, bool) {
	idx := strings.LastIndex(line, "!")
	if idx < 0 || len(line) < idx+5 {
		return "", false
	}
	data := line[:idx+1]
	given := line[idx+1 : idx+5]
	calc := fmt.Sprintf("%04X", crc16.Checksum([]byte(data), crcTable))
	return data, strings.ToUpper(given) == calc
}

func ParseFrame(line string) (Frame, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		return Frame{}, fmt.Errorf("%w: missing start marker", ErrBadFrame)
	}
	data, ok := validateCRC(line)
	if !ok {
		return Frame{}, fmt.Errorf("%w: invalid CRC", ErrBadFrame)
	}

	parts := strings.SplitN(strings.TrimSuffix(data[1:], "!"), ":", 3)
	if len(parts) != 3 {
		return Frame{}, fmt.Errorf("%w: expected seq:backlog:values", ErrBadFrame)
	}
	seq, err := strconv.Atoi(parts[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: seq: %w", ErrBadFrame, err)
	}
	backlog, err := strconv.Atoi(parts[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: backlog: %w", ErrBadFrame, err)
	}

	f := Frame{Seq: seq, DeviceBacklog: backlog}
	if parts[2] == "" {
		return f, nil
	}
	for _, raw := range strings.Split(parts[2], ";") {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Frame{}, fmt.Errorf("%w: value %q: %w", ErrBadFrame, raw, err)
		}
		f.Values = append(f.Values, v)
	}
	return f, nil
}
