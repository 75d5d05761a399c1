package settings

import "sync"

// Publisher holds the current configuration and notifies subscribers of
// every change.  Slow subscribers only see the latest value.
type Publisher struct {
	mu   sync.RWMutex
	cur  Configuration
	subs map[chan Configuration]struct{}

	// Path, when set, is written after every change
	Path string
}

// NewPublisher returns a publisher holding c
func NewPublisher(c Configuration) *Publisher {
	return &Publisher{cur: c, subs: make(map[chan Configuration]struct{})}
}

// Get returns the current configuration
func (p *Publisher) Get() Configuration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Update applies fn to the configuration and publishes the result
func (p *Publisher) Update(fn func(c *Configuration)) error {
	p.mu.Lock()
	c := p.cur
	fn(&c)
	p.cur = c
	subs := make([]chan Configuration, 0, len(p.subs))
	for ch := range p.subs {
		subs = append(subs, ch)
	}
	path := p.Path
	p.mu.Unlock()

	for _, ch := range subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- c:
		default:
		}
	}
	if path != "" {
		return Save(path, c)
	}
	return nil
}

// Set changes one key, given as a literal
func (p *Publisher) Set(key, literal string) error {
	c, err := Set(p.Get(), key, literal)
	if err != nil {
		return err
	}
	return p.Update(func(cur *Configuration) { *cur = c })
}

// Subscribe returns a channel receiving the configuration after each
// change, and a function that ends the subscription
func (p *Publisher) Subscribe() (<-chan Configuration, func()) {
	ch := make(chan Configuration, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	p.mu.Unlock()
	return ch, func() {
		p.mu.Lock()
		delete(p.subs, ch)
		p.mu.Unlock()
	}
}
