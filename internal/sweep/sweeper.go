// Package sweep publishes a new fabric image to the store on every sweep
// interval, so image numbers advance the way they do under a live performance
// manager.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"

	"github.com/yuuki/paserver/internal/store"
)

// Publisher stores a completed image.
type Publisher interface {
	PutImage(ctx context.Context, img store.Image) error
}

// Pruner drops old images, keeping the newest keep. It returns how many
// were removed.
type Pruner interface {
	Prune(keep int) int
}

// Source builds the image for sweep num started at start.
type Source func(num uint64, start time.Time) store.Image

// Sweeper runs the periodic sweep loop
type Sweeper struct {
	publisher Publisher
	source    Source
	clock     clock.WithTicker
	interval  time.Duration
	retain    int

	mutex   sync.Mutex
	next    uint64
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewSweeper creates a sweeper whose first published image is firstImage.
// A retain of zero keeps every image.
func NewSweeper(publisher Publisher, source Source, clk clock.WithTicker, interval time.Duration, retain int, firstImage uint64) *Sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		publisher: publisher,
		source:    source,
		clock:     clk,
		interval:  interval,
		retain:    retain,
		next:      firstImage,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start starts the sweep loop
func (s *Sweeper) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.running {
		return nil
	}
	if s.interval <= 0 {
		return fmt.Errorf("sweep interval must be positive: %s", s.interval)
	}

	s.running = true
	s.wg.Add(1)
	go s.sweepLoop()

	log.Info().
		Dur("interval", s.interval).
		Int("retain", s.retain).
		Uint64("next_image", s.next).
		Msg("Sweeper started")
	return nil
}

// Stop stops the sweep loop
func (s *Sweeper) Stop() {
	s.mutex.Lock()
	if !s.running {
		s.mutex.Unlock()
		return
	}
	s.running = false
	s.mutex.Unlock()

	s.cancel()
	s.wg.Wait()
	log.Info().Msg("Sweeper stopped")
}

func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C():
			if err := s.SweepOnce(s.ctx); err != nil {
				// The image number is reused on the next tick.
				log.Error().Err(err).Msg("Failed to publish sweep image")
			}
		}
	}
}

// SweepOnce builds and publishes the next image, then prunes old ones.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	s.mutex.Lock()
	num := s.next
	s.mutex.Unlock()

	start := s.clock.Now()
	img := s.source(num, start)
	img.Info.ImageNum = num

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.publisher.PutImage(ctx, img); err != nil {
		return fmt.Errorf("failed to publish image %d: %w", num, err)
	}

	s.mutex.Lock()
	s.next = num + 1
	s.mutex.Unlock()

	pruned := 0
	if p, ok := s.publisher.(Pruner); ok && s.retain > 0 {
		pruned = p.Prune(s.retain)
	}
	log.Debug().
		Uint64("image", num).
		Int("ports", len(img.Ports)).
		Int("groups", len(img.Groups)).
		Int("pruned", pruned).
		Msg("Published sweep image")
	return nil
}

// NextImage returns the number the next sweep will publish.
func (s *Sweeper) NextImage() uint64 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.next
}
