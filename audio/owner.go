package audio

import "sync"

// Owner arbitrates the physical microphone between sessions. Exactly one
// Lease is live at a time; acquiring while another holder has the mic
// runs that holder's preempt func (which must stop it) before returning.
type Owner struct {
	mu     sync.Mutex
	holder *Lease
	next   uint64
}

func NewOwner() *Owner { return &Owner{} }

type Lease struct {
	owner   *Owner
	id      uint64
	name    string
	preempt func()
}

func (o *Owner) Acquire(name string, preempt func()) *Lease {
	for {
		o.mu.Lock()
		cur := o.holder
		if cur == nil {
			o.next++
			l := &Lease{owner: o, id: o.next, name: name, preempt: preempt}
			o.holder = l
			o.mu.Unlock()
			return l
		}
		o.mu.Unlock()

		if cur.preempt != nil {
			cur.preempt()
		}
		cur.Release()
	}
}

// Holder names the current lease holder, or "" when the mic is free.
func (o *Owner) Holder() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.holder == nil {
		return ""
	}
	return o.holder.name
}

// Release is idempotent; a stale lease never clears a newer holder.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.owner.mu.Lock()
	if l.owner.holder == l {
		l.owner.holder = nil
	}
	l.owner.mu.Unlock()
}

func (l *Lease) Held() bool {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()
	return l.owner.holder == l
}
