// Package diskcheck watches the usage of the filesystem holding the
// downloads directory and reports when it crosses its watermarks.
package diskcheck

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

const (
	// Healthy means the disk has room for new artifacts.
	Healthy Health = Health(true)

	// Sick means the disk went above its high watermark and has not yet
	// come back to its low one.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Health is the state reported by a Checker.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// Checker samples the disk usage of a directory.
//
// Run samples the usage every interval until ctx is cancelled. The disk is
// considered healthy at start, and only changes of health are sent on C.
// Usage returns the percentage of the last sample.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
	Usage() int
}

// Watermarks are disk usage percentages. A healthy disk turns sick above
// High and a sick one turns healthy again at or below Low.
type Watermarks struct {
	High int
	Low  int
}

// Validate checks that 0 <= Low < High <= 100.
func (w Watermarks) Validate() error {
	if w.Low >= w.High {
		return errors.New("low watermark must be smaller than high")
	}
	if w.Low < 0 || w.Low > 100 {
		return errors.New("low watermark must be between 0 and 100")
	}
	if w.High < 0 || w.High > 100 {
		return errors.New("high watermark must be between 0 and 100")
	}
	return nil
}

// next returns the health following h at the given usage.
func (w Watermarks) next(h Health, usage int) Health {
	if h == Healthy && usage > w.High {
		return Sick
	}
	if h == Sick && usage <= w.Low {
		return Healthy
	}
	return h
}

type checker struct {
	path     string
	marks    Watermarks
	interval time.Duration

	c chan Health

	// usage is the percentage of the last sample
	usage int32

	log log.Logger
}

// New returns a Checker for the directory at path. It fails if marks are
// invalid or the usage of path cannot be sampled. A nil logger discards the
// checker's logs.
func New(path string, marks Watermarks, interval time.Duration, logger log.Logger) (Checker, error) {
	if err := marks.Validate(); err != nil {
		return nil, err
	}
	usage, err := Usage(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.NewNopLogger()
	}

	return &checker{
		path:     path,
		marks:    marks,
		interval: interval,
		c:        make(chan Health),
		usage:    int32(usage),
		log:      log.With(logger, "path", path),
	}, nil
}

func (c *checker) C() chan Health {
	return c.c
}

func (c *checker) Usage() int {
	return int(atomic.LoadInt32(&c.usage))
}

func (c *checker) Run(ctx context.Context) {
	tick := time.NewTicker(c.interval)
	defer tick.Stop()

	health := Healthy
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}

		usage, err := Usage(c.path)
		if err != nil {
			level.Warn(c.log).Log("msg", "Could not sample disk usage", "err", err)
			continue
		}
		atomic.StoreInt32(&c.usage, int32(usage))

		next := c.marks.next(health, usage)
		if next == health {
			continue
		}
		level.Info(c.log).Log("msg", "Disk health changed", "health", next, "usage", usage)

		select {
		case c.c <- next:
			health = next
		case <-ctx.Done():
			return
		}
	}
}

// Usage returns the used percentage of the filesystem holding path.
func Usage(path string) (int, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, fmt.Errorf("Could not get file system statistics: %s", err)
	}
	if fs.Blocks == 0 {
		return 0, nil
	}
	used := fs.Blocks - fs.Bfree
	return int(used * 100 / fs.Blocks), nil
}
