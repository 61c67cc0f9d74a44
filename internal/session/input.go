package session

// InputSynthesizer is the external OS input-synthesis collaborator (spec
// §1 non-goals: "producing OS-level synthetic input" is out of core
// scope). The host side forwards decoded MouseEvent/KeyEvent values here
// verbatim (spec §4.6 dispatch table).
type InputSynthesizer interface {
	Mouse(MouseEvent)
	Key(KeyEvent)
}

// noopInput discards every event; it lets a viewer-only session run
// without a real synthesizer wired in.
type noopInput struct{}

func (noopInput) Mouse(MouseEvent) {}
func (noopInput) Key(KeyEvent)     {}
