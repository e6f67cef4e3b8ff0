package devserver

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/documents"
	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// Filenames containing failMarker end in the failed state.
const failMarker = "corrupt"

// Processor simulates document processing: every submitted document leaves
// the processing state after a fixed delay.
type Processor struct {
	store  *Store
	clock  clockwork.Clock
	delay  time.Duration
	log    zerolog.Logger
	notify func(documents.Document)

	due  chan string
	stop chan struct{}

	mu     sync.Mutex
	timers map[string]clockwork.Timer
	closed bool
}

// NewProcessor creates a processor. notify is called with every finished
// document.
func NewProcessor(store *Store, clock clockwork.Clock, delay time.Duration, log zerolog.Logger, notify func(documents.Document)) *Processor {
	return &Processor{
		store:  store,
		clock:  clock,
		delay:  delay,
		log:    log.With().Str("component", "processor").Logger(),
		notify: notify,
		due:    make(chan string),
		stop:   make(chan struct{}),
		timers: make(map[string]clockwork.Timer),
	}
}

// Submit schedules completion of a processing document.
func (p *Processor) Submit(doc documents.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || p.timers[doc.ID] != nil {
		return
	}

	id := doc.ID
	p.timers[id] = p.clock.AfterFunc(p.delay, func() {
		go func() {
			select {
			case p.due <- id:
			case <-p.stop:
			}
		}()
	})
	p.log.Debug().Str("id", id).Dur("delay", p.delay).Msg("document queued for processing")
}

// Resume re-schedules documents left processing by a previous run.
func (p *Processor) Resume(ctx context.Context) error {
	docs, err := p.store.List(ctx, protocol.DocumentProcessing)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		p.Submit(doc)
	}
	if len(docs) > 0 {
		p.log.Info().Int("count", len(docs)).Msg("resumed processing documents")
	}
	return nil
}

// Pending returns the number of documents still processing.
func (p *Processor) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.timers)
}

// Run finishes due documents until ctx is cancelled.
func (p *Processor) Run(ctx context.Context) {
	defer p.shutdown()

	for {
		select {
		case id := <-p.due:
			p.finish(ctx, id)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Processor) shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, t := range p.timers {
		t.Stop()
		delete(p.timers, id)
	}
	close(p.stop)
}

func (p *Processor) finish(ctx context.Context, id string) {
	p.mu.Lock()
	delete(p.timers, id)
	p.mu.Unlock()

	doc, err := p.store.Get(ctx, id)
	if err != nil {
		p.log.Error().Err(err).Str("id", id).Msg("failed to load document")
		return
	}

	status, errMsg := protocol.DocumentCompleted, ""
	if strings.Contains(strings.ToLower(doc.Filename), failMarker) {
		status, errMsg = protocol.DocumentFailed, "document could not be parsed"
	}

	doc, err = p.store.SetStatus(ctx, id, status, errMsg)
	if err != nil {
		p.log.Error().Err(err).Str("id", id).Msg("failed to update document")
		return
	}

	p.log.Info().
		Str("id", doc.ID).
		Str("filename", doc.Filename).
		Str("status", doc.Status).
		Msg("document processed")

	if p.notify != nil {
		p.notify(doc)
	}
}
