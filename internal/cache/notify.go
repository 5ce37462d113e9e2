package cache

import "sync"

// Topics published after a commit.
const (
	TopicMailboxes  = "mailboxes"
	TopicIdentities = "identities"
	TopicThreads    = "threads"
)

// TopicQuery is the topic of one cached query.
func TopicQuery(query string) string {
	return "query:" + query
}

// notifier fans out change notifications. Each subscriber channel has a
// buffer of one, so bursts coalesce into a single pending wake-up.
type notifier struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[string]map[chan struct{}]struct{})}
}

func (n *notifier) subscribe(topic string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	n.mu.Lock()
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[chan struct{}]struct{})
	}
	n.subs[topic][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[topic], ch)
			if len(n.subs[topic]) == 0 {
				delete(n.subs, topic)
			}
			n.mu.Unlock()
		})
	}
	return ch, cancel
}

func (n *notifier) publish(topics ...string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	seen := make(map[string]bool, len(topics))
	for _, topic := range topics {
		if seen[topic] {
			continue
		}
		seen[topic] = true
		for ch := range n.subs[topic] {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}
}
