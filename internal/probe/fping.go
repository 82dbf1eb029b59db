package probe

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Result is the probe outcome for one address.
type Result struct {
	Address    string
	Sent       int
	Received   int
	Loss       float64
	Min        float64
	Avg        float64
	Max        float64
	Duplicated bool
}

// Prober probes many addresses with one payload size. Addresses that did
// not answer at all have no entry in the result.
type Prober interface {
	Probe(ctx context.Context, addrs []string, size int) (map[string]Result, error)
}

// FPing probes with the fping binary.
type FPing struct {
	Binary string
	Count  int
	Runner Runner
}

// NewFPing returns an fping prober that runs the real binary.
func NewFPing(binary string, count int) *FPing {
	if binary == "" {
		binary = "fping"
	}
	if count <= 0 {
		count = 4
	}
	return &FPing{Binary: binary, Count: count, Runner: ExecRunner{}}
}

// Probe runs fping once for all addresses.
func (f *FPing) Probe(ctx context.Context, addrs []string, size int) (map[string]Result, error) {
	if len(addrs) == 0 {
		return map[string]Result{}, nil
	}
	args := []string{"-q", "-c", strconv.Itoa(f.Count), "-b", strconv.Itoa(size), "-p", "20", "-t", "500"}
	args = append(args, addrs...)

	out, code, err := f.Runner.Output(ctx, f.Binary, args...)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", f.Binary, err)
	}
	// 1: some hosts unreachable, 2: some hosts unresolvable.
	if code > 2 {
		return nil, fmt.Errorf("%s exited with code %d: %s", f.Binary, code, strings.TrimSpace(string(out)))
	}
	return ParseFPing(out), nil
}

// ParseFPing parses fping -q -c output. Lines look like
//
//	10.0.0.1 : xmt/rcv/%loss = 4/4/0%, min/avg/max = 1.20/1.31/1.50
//	10.0.0.1 : duplicate for [0], 84 bytes, 1.52 ms
func ParseFPing(out []byte) map[string]Result {
	results := make(map[string]Result)
	duped := make(map[string]bool)

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		addr, rest, ok := strings.Cut(line, " : ")
		if !ok {
			continue
		}
		addr = strings.TrimSpace(addr)
		if strings.HasPrefix(rest, "duplicate for") {
			duped[addr] = true
			continue
		}
		r, ok := parseSummary(addr, rest)
		if !ok {
			continue
		}
		results[addr] = r
	}

	for addr, r := range results {
		if duped[addr] || r.Received > r.Sent {
			r.Duplicated = true
			results[addr] = r
		}
	}
	return results
}

func parseSummary(addr, rest string) (Result, bool) {
	const counters = "xmt/rcv/%loss = "
	idx := strings.Index(rest, counters)
	if idx < 0 {
		return Result{}, false
	}
	body := rest[idx+len(counters):]
	countPart, statsPart, _ := strings.Cut(body, ",")

	fields := strings.Split(strings.TrimSuffix(strings.TrimSpace(countPart), "%"), "/")
	if len(fields) != 3 {
		return Result{}, false
	}
	sent, err1 := strconv.Atoi(fields[0])
	recv, err2 := strconv.Atoi(fields[1])
	if err1 != nil || err2 != nil || recv == 0 {
		return Result{}, false
	}
	loss, _ := strconv.ParseFloat(fields[2], 64)
	if loss < 0 {
		loss = 0
	}

	r := Result{Address: addr, Sent: sent, Received: recv, Loss: loss}
	const rtt = "min/avg/max = "
	if j := strings.Index(statsPart, rtt); j >= 0 {
		vals := strings.Split(strings.TrimSpace(statsPart[j+len(rtt):]), "/")
		if len(vals) == 3 {
			r.Min, _ = strconv.ParseFloat(vals[0], 64)
			r.Avg, _ = strconv.ParseFloat(vals[1], 64)
			r.Max, _ = strconv.ParseFloat(vals[2], 64)
		}
	}
	return r, true
}
