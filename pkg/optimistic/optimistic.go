// Package optimistic applies a local mutation ahead of a remote call and restores a snapshot when the call fails.
package optimistic

// Update describes one optimistic mutation. Snapshot must capture everything Mutate touches.
type Update[S any] struct {
	Snapshot func() S
	Mutate   func()
	Commit   func()
	Revert   func(S)
}

// Pending is an applied mutation awaiting Commit or Revert. Exactly one of them takes effect.
type Pending[S any] struct {
	u    Update[S]
	snap S
	done bool
}

// Begin snapshots state and applies the mutation. Callers holding a lock keep it across Begin.
func Begin[S any](u Update[S]) *Pending[S] {
	p := &Pending[S]{u: u}
	if u.Snapshot != nil {
		p.snap = u.Snapshot()
	}
	if u.Mutate != nil {
		u.Mutate()
	}
	return p
}

// Snapshot returns the state captured before the mutation.
func (p *Pending[S]) Snapshot() S { return p.snap }

// Commit keeps the mutation.
func (p *Pending[S]) Commit() {
	if p.done {
		return
	}
	p.done = true
	if p.u.Commit != nil {
		p.u.Commit()
	}
}

// Revert restores the snapshot.
func (p *Pending[S]) Revert() {
	if p.done {
		return
	}
	p.done = true
	if p.u.Revert != nil {
		p.u.Revert(p.snap)
	}
}

// Run applies u, calls call, and commits on success or reverts on error. It returns call's error.
func Run[S any](u Update[S], call func() error) error {
	p := Begin(u)
	if err := call(); err != nil {
		p.Revert()
		return err
	}
	p.Commit()
	return nil
}
