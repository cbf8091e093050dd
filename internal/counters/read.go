package counters

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// metaDataHeadOffset etc. locate the mutable tail of struct
// perf_event_mmap_page, which the kernel pads to begin 1024 bytes
// into the metadata page (see Linux's perf_event.h). Parsed by hand rather than via
// a library: see DESIGN.md's internal/counters entry for why
// cilium/ebpf's perf.Reader does not fit a caller-owned fd.
const (
	metaDataHeadOffset   = 1024
	metaDataTailOffset   = 1032
	metaDataOffsetOffset = 1040
	metaDataSizeOffset   = 1048
)

// Sample is one decoded overflow record, in the kernel's fixed
// sample-record field order (id before cpu, not after, since
// PERF_SAMPLE_ID precedes PERF_SAMPLE_CPU in the ABI).
type Sample struct {
	Timestamp   uint64
	NumericID   uint64
	CPU         uint32
	TimeEnabled uint64
	TimeRunning uint64
	Values      []uint64
}

// ReadOverflow reads every completed sample record currently in the
// ring buffer and advances data_tail past them. Leftover bytes that
// don't form a complete record, and records of unrecognized type, are
// skipped, with their byte count reported so the caller can log a
// warning.
func (g *Group) ReadOverflow() (samples []Sample, leftoverWarned int, err error) {
	buf := g.ringBuf
	head := binary.LittleEndian.Uint64(buf[metaDataHeadOffset:])
	tail := binary.LittleEndian.Uint64(buf[metaDataTailOffset:])
	dataOffset := binary.LittleEndian.Uint64(buf[metaDataOffsetOffset:])
	dataSize := binary.LittleEndian.Uint64(buf[metaDataSizeOffset:])

	data := buf[dataOffset : dataOffset+dataSize]

	for tail < head {
		avail := head - tail
		if avail < 8 {
			leftoverWarned += int(avail)
			tail = head
			break
		}
		hdr := readAt(data, tail, 8)
		recType := binary.LittleEndian.Uint32(hdr[0:4])
		recSize := binary.LittleEndian.Uint16(hdr[6:8])
		if recSize == 0 || uint64(recSize) > avail {
			leftoverWarned += int(avail)
			tail = head
			break
		}

		if recType == unix.PERF_RECORD_SAMPLE {
			payload := readAt(data, tail+8, uint64(recSize)-8)
			sample, perr := parseSample(payload)
			if perr != nil {
				leftoverWarned += int(recSize)
			} else {
				samples = append(samples, sample)
			}
		} else {
			leftoverWarned += int(recSize)
		}

		tail += uint64(recSize)
	}

	binary.LittleEndian.PutUint64(buf[metaDataTailOffset:], tail)

	if len(samples) == 0 && leftoverWarned > 0 {
		err = fmt.Errorf("ring buffer: %d leftover bytes skipped", leftoverWarned)
	}
	return samples, leftoverWarned, err
}

// readAt copies n bytes starting at ring-relative offset off, handling
// wraparound at len(data) since the mmap'd region is a true circular
// buffer addressed modulo its size.
func readAt(data []byte, off, n uint64) []byte {
	size := uint64(len(data))
	start := off % size
	out := make([]byte, n)
	if start+n <= size {
		copy(out, data[start:start+n])
	} else {
		first := size - start
		copy(out, data[start:size])
		copy(out[first:], data[0:n-first])
	}
	return out
}

func parseSample(payload []byte) (Sample, error) {
	const fixedLen = 8 + 8 + 4 + 4 + 8 + 8 + 8 // time,id,cpu,res,nr,enabled,running
	if len(payload) < fixedLen {
		return Sample{}, fmt.Errorf("sample record too short: %d bytes", len(payload))
	}
	var s Sample
	off := 0
	s.Timestamp = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	s.NumericID = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	s.CPU = binary.LittleEndian.Uint32(payload[off:])
	off += 4 + 4 // skip reserved 'res' field
	nr := binary.LittleEndian.Uint64(payload[off:])
	off += 8
	s.TimeEnabled = binary.LittleEndian.Uint64(payload[off:])
	off += 8
	s.TimeRunning = binary.LittleEndian.Uint64(payload[off:])
	off += 8

	need := int(nr) * 8
	if len(payload)-off < need {
		return Sample{}, fmt.Errorf("sample record truncated group values: want %d have %d", need, len(payload)-off)
	}
	s.Values = make([]uint64, nr)
	for i := range s.Values {
		s.Values[i] = binary.LittleEndian.Uint64(payload[off:])
		off += 8
	}
	return s, nil
}
