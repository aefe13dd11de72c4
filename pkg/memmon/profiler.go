package memmon

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"

	"github.com/yamlforge/perfcore/pkg/clock"
)

// Profiler writes pprof snapshots into a directory
type Profiler struct {
	outputDir string
	clock     clock.Clock
}

// NewProfiler creates the output directory if needed
func NewProfiler(outputDir string, clk clock.Clock) (*Profiler, error) {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return nil, fmt.Errorf("create profile directory: %w", err)
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &Profiler{outputDir: outputDir, clock: clk}, nil
}

// WriteHeapProfile writes a heap profile and returns its path. An empty
// filename gets a timestamped default.
func (p *Profiler) WriteHeapProfile(filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("heap_%d.prof", p.clock.Now().UnixNano())
	}

	// up-to-date statistics need a completed GC cycle
	runtime.GC()

	return p.write(filename, func(f *os.File) error {
		return pprof.WriteHeapProfile(f)
	})
}

// WriteGoroutineProfile writes a goroutine profile and returns its path
func (p *Profiler) WriteGoroutineProfile(filename string) (string, error) {
	if filename == "" {
		filename = fmt.Sprintf("goroutine_%d.prof", p.clock.Now().UnixNano())
	}

	profile := pprof.Lookup("goroutine")
	if profile == nil {
		return "", fmt.Errorf("goroutine profile not found")
	}
	return p.write(filename, func(f *os.File) error {
		return profile.WriteTo(f, 1)
	})
}

func (p *Profiler) write(filename string, fn func(*os.File) error) (path string, err error) {
	path = filepath.Join(p.outputDir, filename)
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create profile: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close profile: %w", cerr)
		}
	}()

	if err := fn(f); err != nil {
		return "", fmt.Errorf("write profile: %w", err)
	}
	return path, nil
}
