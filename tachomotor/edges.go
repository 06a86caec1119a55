package tachomotor

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/rdk/components/board"
	"go.viam.com/rdk/logging"
)

// EdgeHandler receives one encoder transition: the level of the interrupt
// line, the level of the direction-hint line, and a timestamp on the
// engine's hardware clock.
type EdgeHandler func(intLevel, dirLevel bool, timestamp uint32)

// EdgeSource delivers encoder edge events to the engine. Implementations
// must stop delivering edges once Close returns, so teardown never fires a
// handler into freed state.
type EdgeSource interface {
	Start(ctx context.Context, handle EdgeHandler) error
	Close(ctx context.Context) error
}

var processStart = time.Now()

// monotonicTicks is the default engine clock: microseconds since process
// start scaled to the 33 MHz tick rate, wrapping at 32 bits.
func monotonicTicks() uint32 {
	usec := time.Since(processStart).Microseconds()
	return uint32(usec * (clockHz / 1000000))
}

// boardEdgeSource streams digital-interrupt ticks from a board and samples
// the direction-hint pin at each edge. The direction line is wired active
// low, so its level is inverted here before it reaches the sampler.
type boardEdgeSource struct {
	board     board.Board
	interrupt board.DigitalInterrupt
	dirPin    board.GPIOPin
	logger    logging.Logger

	cancel  context.CancelFunc
	workers sync.WaitGroup

	// Board tick timestamps and the engine clock have different epochs; the
	// offset is captured at the first edge so both land on one timeline.
	synced   bool
	offsetNs int64
}

func newBoardEdgeSource(b board.Board, interrupt board.DigitalInterrupt, dirPin board.GPIOPin, logger logging.Logger) *boardEdgeSource {
	return &boardEdgeSource{board: b, interrupt: interrupt, dirPin: dirPin, logger: logger}
}

func (es *boardEdgeSource) Start(ctx context.Context, handle EdgeHandler) error {
	cancelCtx, cancel := context.WithCancel(context.Background())
	ticks := make(chan board.Tick)
	if err := es.board.StreamTicks(cancelCtx, []board.DigitalInterrupt{es.interrupt}, ticks, nil); err != nil {
		cancel()
		return errors.Wrap(err, "failed to stream encoder edges")
	}
	es.cancel = cancel

	es.workers.Add(1)
	go func() {
		defer es.workers.Done()
		for {
			select {
			case <-cancelCtx.Done():
				return
			case tick := <-ticks:
				dirLevel, err := es.dirPin.Get(cancelCtx, nil)
				if err != nil {
					if cancelCtx.Err() == nil {
						es.logger.CErrorw(cancelCtx, "failed to read encoder direction pin", "error", err)
					}
					continue
				}
				handle(tick.High, !dirLevel, es.ticksFor(tick.TimestampNanosec))
			}
		}
	}()
	return nil
}

func (es *boardEdgeSource) ticksFor(ns uint64) uint32 {
	if !es.synced {
		es.offsetNs = time.Since(processStart).Nanoseconds() - int64(ns)
		es.synced = true
	}
	usec := (int64(ns) + es.offsetNs) / 1000
	return uint32(usec * (clockHz / 1000000))
}

func (es *boardEdgeSource) Close(ctx context.Context) error {
	if es.cancel != nil {
		es.cancel()
		es.cancel = nil
	}
	es.workers.Wait()
	return nil
}
