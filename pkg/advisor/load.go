package advisor

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const neutralLoad = 0.5

// LoadProbe reports system load as a fraction in [0, 1].
type LoadProbe interface {
	Load() (float64, error)
}

// LoadFunc adapts a function to LoadProbe.
type LoadFunc func() (float64, error)

// Load implements LoadProbe.
func (f LoadFunc) Load() (float64, error) { return f() }

// ProcLoadProbe averages CPU and memory pressure read from /proc (Linux).
type ProcLoadProbe struct {
	Root string // defaults to /proc
}

// Load returns (cpu + mem) / 2, where cpu is the 1-minute load average per
// core and mem is the fraction of memory not available; both capped at 1.
func (p ProcLoadProbe) Load() (float64, error) {
	root := p.Root
	if root == "" {
		root = "/proc"
	}

	cpu, err := readCPULoad(root + "/loadavg")
	if err != nil {
		return neutralLoad, err
	}
	mem, err := readMemLoad(root + "/meminfo")
	if err != nil {
		return neutralLoad, err
	}
	return (cpu + mem) / 2, nil
}

func readCPULoad(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty %s", path)
	}
	avg, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return clamp01(avg / float64(runtime.NumCPU())), nil
}

func readMemLoad(path string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var total, available float64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		v, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			total = v
		case "MemAvailable:":
			available = v
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	if total <= 0 {
		return 0, fmt.Errorf("MemTotal missing in %s", path)
	}
	return clamp01(1 - available/total), nil
}

func clamp01(v float64) float64 {
	return max(0, min(1, v))
}
