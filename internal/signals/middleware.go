package signals

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// Middleware surfaces unread signals at command entry. It is fail-open by
// contract: any internal error is swallowed so coordination noise can never
// break a command.
type Middleware struct {
	Bus *Bus
	Out io.Writer

	// RemotePull optionally pulls signals from a remote before the local
	// read. It is raced against RemoteTimeout and guarded by a circuit
	// breaker (3 consecutive failures open the circuit for 60s).
	RemotePull    func(ctx context.Context) error
	RemoteTimeout time.Duration

	// GenericThrottle bounds how often generic wu:* commands trigger a check.
	GenericThrottle time.Duration

	now func() time.Time

	mu        sync.Mutex
	lastCheck map[string]time.Time
	breaker   *gobreaker.CircuitBreaker
}

const (
	DefaultRemoteTimeout   = 200 * time.Millisecond
	DefaultGenericThrottle = 30 * time.Second
	remoteCircuitFailures  = 3
	remoteCircuitOpen      = 60 * time.Second
)

func NewMiddleware(bus *Bus, out io.Writer) *Middleware {
	m := &Middleware{
		Bus:             bus,
		Out:             out,
		RemoteTimeout:   DefaultRemoteTimeout,
		GenericThrottle: DefaultGenericThrottle,
		now:             time.Now,
		lastCheck:       map[string]time.Time{},
	}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "signal-remote-pull",
		Timeout: remoteCircuitOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= remoteCircuitFailures
		},
	})
	return m
}

// Reset clears throttle state and re-arms the circuit; tests use it to drive
// the process-wide state deterministically.
func (m *Middleware) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastCheck = map[string]time.Time{}
	m.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "signal-remote-pull",
		Timeout: remoteCircuitOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= remoteCircuitFailures
		},
	})
}

// highValue commands always check; lowValue prefixes never do; everything
// else under wu: is throttled per command name.
var highValue = map[string]bool{
	"wu:claim": true, "wu:create": true, "wu:prep": true, "wu:done": true,
	"wu:status": true, "wu:recover": true, "wu:release": true,
}

var lowValuePrefixes = []string{"mem:", "file:", "git:"}

// ShouldCheck classifies the command and applies the generic throttle.
func (m *Middleware) ShouldCheck(command string) bool {
	if highValue[command] {
		return true
	}
	for _, p := range lowValuePrefixes {
		if strings.HasPrefix(command, p) {
			return false
		}
	}
	if !strings.HasPrefix(command, "wu:") {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	last, ok := m.lastCheck[command]
	now := m.now()
	if ok && now.Sub(last) < m.GenericThrottle {
		return false
	}
	m.lastCheck[command] = now
	return true
}

// Run performs the middleware check for a command: optional remote pull (raced
// against the timeout, behind the circuit), then a summary of unread signals
// printed to Out. Always returns nil.
func (m *Middleware) Run(ctx context.Context, command string) error {
	defer func() { _ = recover() }() // fail-open even on panics

	if !m.ShouldCheck(command) {
		return nil
	}
	if m.RemotePull != nil {
		_, _ = m.breaker.Execute(func() (any, error) {
			pullCtx, cancel := context.WithTimeout(ctx, m.RemoteTimeout)
			defer cancel()
			done := make(chan error, 1)
			go func() { done <- m.RemotePull(pullCtx) }()
			select {
			case err := <-done:
				return nil, err
			case <-pullCtx.Done():
				return nil, pullCtx.Err()
			}
		})
	}

	unread, err := m.Bus.Load(Filter{UnreadOnly: true})
	if err != nil || len(unread) == 0 {
		return nil
	}
	fmt.Fprintf(m.Out, "📡 %d unread signal(s):\n", len(unread))
	max := len(unread)
	if max > 5 {
		max = 5
	}
	for _, s := range unread[len(unread)-max:] {
		scope := s.Lane
		if s.WUID != "" {
			scope = s.WUID
		}
		if scope != "" {
			fmt.Fprintf(m.Out, "  [%s] %s\n", scope, s.Message)
		} else {
			fmt.Fprintf(m.Out, "  %s\n", s.Message)
		}
	}
	return nil
}
