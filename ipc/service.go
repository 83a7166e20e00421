package ipc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"lansend/events"
)

const (
	// defaultPumpInterval matches the host's 100 ms polling cadence.
	defaultPumpInterval = 100 * time.Millisecond
	// maxFrameBytes caps one {type, data} line.
	maxFrameBytes = 1 << 20
)

// ServiceOptions configures the pipe service.
type ServiceOptions struct {
	Pipes Pipes
	Bus   *events.Bus
	// PumpInterval is how often queued notifications are flushed to the
	// host. Zero selects the default.
	PumpInterval time.Duration
	// OnDisconnect fires once when the host end goes away.
	OnDisconnect func()
	Logger       *slog.Logger
}

// Service shuttles frames between the host pipes and the event bus:
// inbound lines become operations, queued notifications become outbound
// lines.
type Service struct {
	in   io.ReadCloser
	out  io.WriteCloser
	bus  *events.Bus
	pump time.Duration

	onDisconnect   func()
	disconnectOnce sync.Once

	logger *slog.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewService validates options and returns a stopped service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Pipes.In == nil || opts.Pipes.Out == nil {
		return nil, errors.New("ipc: both pipe ends are required")
	}
	if opts.Bus == nil {
		return nil, errors.New("ipc: event bus is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	pump := opts.PumpInterval
	if pump <= 0 {
		pump = defaultPumpInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		in:           opts.Pipes.In,
		out:          opts.Pipes.Out,
		bus:          opts.Bus,
		pump:         pump,
		onDisconnect: opts.OnDisconnect,
		logger:       logger.With("component", "ipc"),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the operation reader and the notification pump.
func (s *Service) Start() {
	s.wg.Add(2)
	go s.readOperations()
	go s.pumpNotifications()
}

// Stop shuts both loops down. The notification pump drains the queue one
// last time before the outbound pipe closes.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		s.cancel()
		s.in.Close()
		s.wg.Wait()
		s.out.Close()
	})
}

func (s *Service) readOperations() {
	defer s.wg.Done()

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var op events.Operation
		if err := json.Unmarshal(line, &op); err != nil {
			s.logger.Warn("dropping malformed operation frame", "error", err)
			continue
		}
		if op.Type == "" {
			s.logger.Warn("dropping operation frame without type")
			continue
		}
		s.bus.PostOperation(op)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, fs.ErrClosed) {
		s.logger.Error("operation pipe read failed", "error", err)
	}
	if s.ctx.Err() == nil {
		s.hostGone()
	}
}

func (s *Service) pumpNotifications() {
	defer s.wg.Done()

	writer := bufio.NewWriter(s.out)
	ticker := time.NewTicker(s.pump)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			s.flushQueued(writer)
			return
		case <-ticker.C:
			if !s.flushQueued(writer) {
				return
			}
		}
	}
}

// flushQueued writes every queued notification. It reports false when the
// host end is gone.
func (s *Service) flushQueued(writer *bufio.Writer) bool {
	wrote := false
	for {
		note, ok := s.bus.PollNotification()
		if !ok {
			break
		}

		frame, err := json.Marshal(note)
		if err != nil {
			s.logger.Error("encoding notification failed", "type", note.Type, "error", err)
			continue
		}
		frame = append(frame, '\n')
		if _, err := writer.Write(frame); err != nil {
			s.reportWriteError(err)
			return false
		}
		wrote = true
	}

	if wrote {
		if err := writer.Flush(); err != nil {
			s.reportWriteError(err)
			return false
		}
	}
	return true
}

func (s *Service) reportWriteError(err error) {
	if s.ctx.Err() != nil || errors.Is(err, fs.ErrClosed) {
		return
	}
	s.logger.Error("notification pipe write failed", "error", err)
	s.hostGone()
}

func (s *Service) hostGone() {
	s.disconnectOnce.Do(func() {
		if s.onDisconnect != nil {
			s.onDisconnect()
		}
	})
}
