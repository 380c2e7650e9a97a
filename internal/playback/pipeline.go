// Package playback buffers server-pushed audio chunks and plays them back
// strictly one at a time, decoupled from arrival timing.
package playback

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"sync"
)

// Sink is an open audio output. Play blocks until the chunk has been handed
// off and rendered; that blocking is what serializes playback.
type Sink interface {
	Play(pcm []byte) error
	Close() error
}

// SinkFactory opens the audio output on first use so device resources are
// not held across idle periods.
type SinkFactory func() (Sink, error)

// Decoder turns one encoded chunk into playable bytes.
type Decoder interface {
	Decode(data string) ([]byte, error)
}

// ErrDecode marks a chunk that could not be decoded. It never escapes the
// pipeline; the failing chunk contributes silence and the queue advances.
var ErrDecode = errors.New("audio chunk decode failed")

// Base64Decoder decodes the wire format used by audio events.
type Base64Decoder struct{}

func (Base64Decoder) Decode(data string) ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return pcm, nil
}

// Pipeline owns enqueued chunks from arrival until playback completes.
// Exactly one decode+play runs at a time; bursts queue up behind it.
type Pipeline struct {
	mu      sync.Mutex
	queue   []string
	playing bool
	gen     uint64
	sink    Sink

	newSink SinkFactory
	decoder Decoder
}

func New(newSink SinkFactory, decoder Decoder) *Pipeline {
	if decoder == nil {
		decoder = Base64Decoder{}
	}
	return &Pipeline{newSink: newSink, decoder: decoder}
}

// Enqueue appends one encoded chunk and starts the consumer loop if it is
// not already running.
func (p *Pipeline) Enqueue(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, data)
	if !p.playing {
		p.playing = true
		go p.drain(p.gen)
	}
}

// Pending reports how many chunks are queued behind the one playing.
func (p *Pipeline) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Busy reports whether the consumer loop is live.
func (p *Pipeline) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Reset clears the queue, drops the playing guard, and releases the audio
// output. Output already committed for the current chunk is left to finish;
// the stale consumer notices the generation change and exits without
// touching the fresh state.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.gen++
	p.queue = nil
	p.playing = false
	sink := p.sink
	p.sink = nil
	p.mu.Unlock()

	if sink != nil {
		if err := sink.Close(); err != nil {
			log.Printf("playback: close sink: %v", err)
		}
	}
}

func (p *Pipeline) drain(gen uint64) {
	for {
		p.mu.Lock()
		if p.gen != gen {
			// Reset happened; a new consumer owns the guard now.
			p.mu.Unlock()
			return
		}
		if len(p.queue) == 0 {
			p.playing = false
			p.mu.Unlock()
			return
		}
		data := p.queue[0]
		p.queue = p.queue[1:]
		sink, err := p.sinkLocked()
		p.mu.Unlock()

		if err != nil {
			log.Printf("playback: open sink: %v", err)
			continue
		}
		pcm, err := p.decoder.Decode(data)
		if err != nil {
			log.Printf("playback: %v", err)
			continue
		}
		if err := sink.Play(pcm); err != nil {
			log.Printf("playback: play chunk: %v", err)
		}
	}
}

// sinkLocked lazily opens the audio output. Caller holds p.mu.
func (p *Pipeline) sinkLocked() (Sink, error) {
	if p.sink != nil {
		return p.sink, nil
	}
	if p.newSink == nil {
		return nil, errors.New("no sink factory configured")
	}
	sink, err := p.newSink()
	if err != nil {
		return nil, err
	}
	p.sink = sink
	return sink, nil
}
