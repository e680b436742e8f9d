// Package session is the composition root that binds a Transport, an
// Engine, a Watchdog, and the resolved partition table into the single
// linearized unit of work spec.md's concurrency model describes: one
// session owns exactly one transport and one engine, commands are
// serialized, and a cancel handle unwinds every in-flight operation.
package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/flashkit/goflash"
	"github.com/flashkit/goflash/internal/history"
	"github.com/flashkit/goflash/pkg/device"
	"github.com/flashkit/goflash/pkg/transport"
	"github.com/flashkit/goflash/pkg/watchdog"
)

// defaultOperationTimeout bounds a session watchdog when no
// WithOperationTimeout option is given.
const defaultOperationTimeout = 60 * time.Second

// Session owns one Transport and one Engine for the lifetime of a single
// device interaction. Connect, Disconnect, the partition methods and
// ExecuteRaw hold the session's operation lock for their whole duration, so
// calls from multiple goroutines are serialized rather than racing the
// underlying protocol state machine. Cancel does not take that lock.
type Session struct {
	ctx       *goflash.Context
	tr        transport.Transport
	engine    goflash.Engine
	wd        *watchdog.Watchdog
	journal   *history.Journal
	device    string
	opTimeout time.Duration

	opMu sync.Mutex

	mu        sync.Mutex
	cancelled bool
	table     *device.PartitionTable
}

// Option configures optional Session behaviour.
type Option func(*Session)

// WithHistory attaches a journal; every Connect/ReadPartition/WritePartition
// /ErasePartition/Disconnect call appends a Record to it.
func WithHistory(j *history.Journal) Option {
	return func(s *Session) { s.journal = j }
}

// WithOperationTimeout overrides the per-operation watchdog timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Session) { s.opTimeout = d }
}

// New builds a Session around an already-constructed Transport and Engine.
// The caller is responsible for having opened tr (transport.Open) and for
// binding engine to it before calling Connect.
func New(ctx *goflash.Context, deviceLabel string, tr transport.Transport, engine goflash.Engine, opts ...Option) *Session {
	s := &Session{
		ctx:       ctx,
		tr:        tr,
		engine:    engine,
		device:    deviceLabel,
		opTimeout: defaultOperationTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.wd = watchdog.New(engine.Kind().String(), s.opTimeout, watchdog.DefaultHandler, ctx.Logger)
	return s
}

// guarded runs fn under the session's operation lock with the watchdog
// running. The watchdog does not interrupt fn: if it has given up by the
// time fn returns, the transport is cancelled and a nil result from fn
// becomes goflash.ErrTimeout. It also enforces the "cancelled sessions are
// not resumable" rule from spec.md §5.
func (s *Session) guarded(operation, partition string, fn func() error) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return goflash.ErrCancelled
	}
	s.mu.Unlock()

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()
	s.wd.Start(runCtx)
	defer s.wd.Stop()

	err := fn()

	// DefaultHandler resets the watchdog on its first timeout and only
	// moves it to Stopped on a second one, so by the time fn returns the
	// poll goroutine has already carried TimedOut forward to Stopped (an
	// aborted operation) or back to Running (a reset that let fn finish).
	// Stopped observed here, before the deferred Stop() below runs, can
	// only mean the watchdog itself gave up.
	if s.wd.State() == watchdog.Stopped {
		s.tr.Cancel()
		if err == nil {
			err = goflash.ErrTimeout
		}
	}

	s.record(operation, partition, err)
	return err
}

func (s *Session) record(operation, partition string, opErr error) {
	if s.journal == nil {
		return
	}
	outcome := "ok"
	detail := ""
	if opErr != nil {
		outcome = "error"
		detail = opErr.Error()
	}
	_ = s.journal.Append(history.Record{
		Timestamp: s.ctx.Clock.Now(),
		Device:    s.device,
		Engine:    s.engine.Kind().String(),
		Operation: operation,
		Partition: partition,
		Outcome:   outcome,
		Detail:    detail,
	})
}

// Connect performs the vendor handshake and, if the engine reports an A/B
// slot, primes the session's slot-aware partition resolution.
func (s *Session) Connect() (*goflash.DeviceInfo, error) {
	var info *goflash.DeviceInfo
	err := s.guarded("connect", "", func() error {
		var connectErr error
		info, connectErr = s.engine.Connect(s.ctx)
		if connectErr != nil {
			return connectErr
		}
		s.mu.Lock()
		if s.table != nil {
			s.table.ActiveSlot = info.CurrentSlot
		}
		s.mu.Unlock()
		return nil
	})
	return info, err
}

// SetPartitionTable installs a GPT-derived table for slot-aware name
// resolution ahead of ReadPartition/WritePartition/ErasePartition calls.
// Callers that resolve names before invoking the session may skip this.
func (s *Session) SetPartitionTable(t *device.PartitionTable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table = t
}

// resolve applies the session's partition table (if any) to honor A/B
// slot-suffix routing before handing the name to the engine.
func (s *Session) resolve(name string) (string, error) {
	s.mu.Lock()
	table := s.table
	s.mu.Unlock()
	if table == nil {
		return name, nil
	}
	entry, err := table.Resolve(name)
	if err != nil {
		return "", err
	}
	return entry.Name, nil
}

func (s *Session) Disconnect() error {
	return s.guarded("disconnect", "", func() error {
		err := s.engine.Disconnect(s.ctx)
		if closeErr := s.tr.Disconnect(); err == nil {
			err = closeErr
		}
		return err
	})
}

func (s *Session) ReadPartition(partition string, offset, length uint64, w io.Writer) error {
	return s.guarded("read_partition", partition, func() error {
		name, err := s.resolve(partition)
		if err != nil {
			return err
		}
		return s.engine.ReadPartition(s.ctx, name, offset, length, w)
	})
}

func (s *Session) WritePartition(partition string, r io.Reader, size uint64) error {
	return s.guarded("write_partition", partition, func() error {
		name, err := s.resolve(partition)
		if err != nil {
			return err
		}
		return s.engine.WritePartition(s.ctx, name, r, size)
	})
}

func (s *Session) ErasePartition(partition string) error {
	return s.guarded("erase_partition", partition, func() error {
		name, err := s.resolve(partition)
		if err != nil {
			return err
		}
		return s.engine.ErasePartition(s.ctx, name)
	})
}

func (s *Session) ExecuteRaw(command []byte) ([]byte, error) {
	var out []byte
	err := s.guarded("execute_raw", "", func() error {
		var execErr error
		out, execErr = s.engine.ExecuteRaw(s.ctx, command)
		return execErr
	})
	return out, err
}

// Info returns the DeviceInfo discovered at Connect, or nil before Connect
// succeeds.
func (s *Session) Info() *goflash.DeviceInfo {
	return s.engine.Info()
}

// Cancel unwinds any in-flight operation: the transport is cancelled, so its
// next Send/Recv fails with goflash.ErrCancelled (a transfer already blocked
// in the OS is not interrupted), the watchdog stops, and the session is
// marked non-resumable per spec.md §5.
func (s *Session) Cancel() {
	s.mu.Lock()
	s.cancelled = true
	s.mu.Unlock()
	s.tr.Cancel()
	s.wd.Stop()
}

// Open is a convenience constructor that resolves a Transport from the
// registry for d.Kind, connects it, then hands that transport to
// newEngine so the returned Engine is bound to the same channel the
// session will drive.
func Open(ctx *goflash.Context, d goflash.DeviceDescriptor, deviceLabel string, newEngine func(transport.Transport) goflash.Engine, opts ...Option) (*Session, error) {
	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	tr, err := transport.Open(connectCtx, d)
	if err != nil {
		return nil, fmt.Errorf("opening transport: %w", err)
	}
	engine := newEngine(tr)
	return New(ctx, deviceLabel, tr, engine, opts...), nil
}
