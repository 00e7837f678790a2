// Package hardening reads process resource usage for the health report.
package hardening

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

type ProcessMemory struct {
	RSSBytes     int64
	PeakRSSBytes int64
}

// ReadProcessMemory reads VmRSS and VmHWM from /proc/self/status (Linux only).
func ReadProcessMemory() (ProcessMemory, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return ProcessMemory{}, err
	}
	defer f.Close()
	return parseStatus(f)
}

func parseStatus(r io.Reader) (ProcessMemory, error) {
	var mem ProcessMemory
	var sawRSS bool

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		var dst *int64
		switch {
		case strings.HasPrefix(line, "VmRSS:"):
			dst = &mem.RSSBytes
			sawRSS = true
		case strings.HasPrefix(line, "VmHWM:"):
			dst = &mem.PeakRSSBytes
		default:
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return ProcessMemory{}, fmt.Errorf("parse %q", line)
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return ProcessMemory{}, err
		}
		*dst = kb * 1024
	}
	if err := scanner.Err(); err != nil {
		return ProcessMemory{}, err
	}
	if !sawRSS {
		return ProcessMemory{}, errors.New("VmRSS not found")
	}
	return mem, nil
}
