package registry

import "github.com/go-i2p/go-gamerelay/lib/relay/session"

// Guard is exclusive access to one locked session. Holders process events
// and read state through it, then Release. A guard is single-use and not
// safe to share between goroutines.
type Guard struct {
	reg  *Registry
	sess *session.Session
	done bool
}

// Session exposes the locked session. Valid until Release.
func (g *Guard) Session() *session.Session {
	return g.sess
}

// Handle pushes one event through the locked session's state machine.
func (g *Guard) Handle(ev session.Event) {
	g.sess.Handle(ev)
}

// Release unlocks the session. A session that died while this guard held
// it is recycled on the way out.
func (g *Guard) Release() {
	if g.done {
		return
	}
	g.done = true
	dead := g.sess.Dead()
	g.sess.Unlock()
	if dead {
		g.reg.recycle(g.sess)
	}
}
